package app

import (
	"context"
	"errors"
	"fmt"

	"goalline/internal/config"
	"goalline/internal/domain"
	"goalline/internal/repo"
)

// ResolveConfig loads the workspace config (goalline.yml, or defaults when the
// file is missing) and validates it before any command runs against the DB.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveLetter picks the goal letter a command should operate on. An explicit
// override wins; otherwise the person's approved letter, then their only
// letter. Ambiguity is an error rather than a guess.
func ResolveLetter(ctx context.Context, r repo.Repo, letterOverride, personID string) (domain.GoalLetter, error) {
	if letterOverride != "" {
		return r.GetLetter(ctx, letterOverride)
	}
	if personID == "" {
		return domain.GoalLetter{}, fmt.Errorf("letter not specified; use --letter or --person")
	}
	if l, err := r.ActiveApprovedLetter(ctx, personID); err == nil {
		return l, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.GoalLetter{}, err
	}
	letters, err := r.ListLetters(ctx, personID)
	if err != nil {
		return domain.GoalLetter{}, err
	}
	switch len(letters) {
	case 0:
		return domain.GoalLetter{}, fmt.Errorf("person %s has no goal letter; create one with 'gl letter create'", personID)
	case 1:
		return letters[0], nil
	default:
		return domain.GoalLetter{}, fmt.Errorf("person %s has %d letters; use --letter to pick one", personID, len(letters))
	}
}
