package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goalline/internal/config"
	"goalline/internal/dateutil"
	"goalline/internal/domain"
	"goalline/internal/events"
	"goalline/internal/recur"
	"goalline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *letterLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		locks:  &letterLocks{m: map[string]*sync.Mutex{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) today() dateutil.Date {
	return dateutil.FromTime(e.now())
}

// letterLocks hands out one mutex per goal-letter id so materialization and
// retraction for the same letter never interleave. Different letters run in
// parallel.
type letterLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *letterLocks) get(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mu, ok := l.m[id]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	l.m[id] = mu
	return mu
}

// ErrNotApproved rejects materialization for a letter outside the approved state.
var ErrNotApproved = errors.New("goal letter not approved")

// ErrPostponeLimit rejects postponement past the configured maximum.
var ErrPostponeLimit = errors.New("postponement limit reached")

// ConflictError signals that the occurrence changed between read and write;
// the caller may retry.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// InvalidTransitionError reports a state-machine violation.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// CreateLetter opens a draft goal letter for a person.
func (e Engine) CreateLetter(ctx context.Context, id, personID, actorID string) (domain.GoalLetter, error) {
	if personID == "" {
		return domain.GoalLetter{}, errors.New("person is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(personID+"|letter|"+now)).String()
	}
	l := domain.GoalLetter{
		ID:        id,
		PersonID:  personID,
		Status:    domain.LetterDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLetter(ctx, tx, l); err != nil {
		return l, fmt.Errorf("insert letter: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "letter.created", l.ID, "letter", l.ID, actorID, events.EventPayload{"person_id": personID}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	return l, nil
}

func ensureLetterTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.LetterDraft:
		if newStatus == domain.LetterUnderReview {
			return nil
		}
	case domain.LetterUnderReview:
		if newStatus == domain.LetterApproved || newStatus == domain.LetterChangesRequested {
			return nil
		}
	case domain.LetterApproved:
		if newStatus == domain.LetterChangesRequested || newStatus == domain.LetterDraft {
			return nil
		}
	case domain.LetterChangesRequested:
		if newStatus == domain.LetterUnderReview {
			return nil
		}
	}
	return InvalidTransitionError{Entity: "letter", From: oldStatus, To: newStatus}
}

// SubmitLetter moves a letter into review. Leaving draft requires one area
// goal per catalog area; a letter with gaps cannot be reviewed.
func (e Engine) SubmitLetter(ctx context.Context, letterID, actorID string) (domain.GoalLetter, error) {
	if e.Config == nil {
		return domain.GoalLetter{}, errors.New("config not loaded")
	}
	l, err := e.Repo.GetLetter(ctx, letterID)
	if err != nil {
		return l, err
	}
	if err := ensureLetterTransition(l.Status, domain.LetterUnderReview); err != nil {
		return l, err
	}
	goals, err := e.Repo.ListGoals(ctx, letterID)
	if err != nil {
		return l, err
	}
	covered := map[string]bool{}
	for _, g := range goals {
		covered[g.Area] = true
	}
	for area := range e.Config.Areas.Catalog {
		if !covered[area] {
			return l, fmt.Errorf("area %s has no goal; all areas required before review", area)
		}
	}
	return e.setLetterStatus(ctx, l, domain.LetterUnderReview, nil, actorID)
}

// ApproveLetter approves a reviewed letter and materializes occurrences over
// a fresh horizon.
func (e Engine) ApproveLetter(ctx context.Context, letterID, actorID string) (domain.GoalLetter, MaterializeResult, error) {
	if e.Config == nil {
		return domain.GoalLetter{}, MaterializeResult{}, errors.New("config not loaded")
	}
	l, err := e.Repo.GetLetter(ctx, letterID)
	if err != nil {
		return l, MaterializeResult{}, err
	}
	if err := ensureLetterTransition(l.Status, domain.LetterApproved); err != nil {
		return l, MaterializeResult{}, err
	}
	// only one approved letter per person at a time
	if active, err := e.Repo.ActiveApprovedLetter(ctx, l.PersonID); err == nil && active.ID != letterID {
		return l, MaterializeResult{}, fmt.Errorf("person %s already has approved letter %s", l.PersonID, active.ID)
	} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return l, MaterializeResult{}, err
	}
	approvedAt := e.now().UTC().Format(time.RFC3339)
	l, err = e.setLetterStatus(ctx, l, domain.LetterApproved, &approvedAt, actorID)
	if err != nil {
		return l, MaterializeResult{}, err
	}
	res, err := e.Materialize(ctx, letterID, recur.Window{}, actorID)
	return l, res, err
}

// RequestChanges sends a letter back for edits. Leaving the approved state
// retracts future occurrences that carry no history yet.
func (e Engine) RequestChanges(ctx context.Context, letterID, actorID string) (domain.GoalLetter, int, error) {
	return e.leaveApproved(ctx, letterID, domain.LetterChangesRequested, actorID)
}

// ReopenLetter pulls an approved letter back to draft for edits, retracting
// future occurrences the same way RequestChanges does.
func (e Engine) ReopenLetter(ctx context.Context, letterID, actorID string) (domain.GoalLetter, int, error) {
	return e.leaveApproved(ctx, letterID, domain.LetterDraft, actorID)
}

func (e Engine) leaveApproved(ctx context.Context, letterID, target, actorID string) (domain.GoalLetter, int, error) {
	l, err := e.Repo.GetLetter(ctx, letterID)
	if err != nil {
		return l, 0, err
	}
	if err := ensureLetterTransition(l.Status, target); err != nil {
		return l, 0, err
	}
	wasApproved := l.Status == domain.LetterApproved
	l, err = e.setLetterStatus(ctx, l, target, nil, actorID)
	if err != nil {
		return l, 0, err
	}
	if !wasApproved {
		return l, 0, nil
	}
	removed, err := e.retractFuture(ctx, letterID, actorID)
	return l, removed, err
}

func (e Engine) setLetterStatus(ctx context.Context, l domain.GoalLetter, status string, approvedAt *string, actorID string) (domain.GoalLetter, error) {
	now := e.now().UTC().Format(time.RFC3339)
	if approvedAt == nil {
		approvedAt = l.ApprovedAt
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateLetterStatus(ctx, tx, l.ID, status, approvedAt, now); err != nil {
		return l, err
	}
	if err := e.Events.Append(ctx, tx, "letter.status", l.ID, "letter", l.ID, actorID, events.EventPayload{
		"from": l.Status,
		"to":   status,
	}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	l.Status = status
	l.ApprovedAt = approvedAt
	l.UpdatedAt = now
	return l, nil
}

// SetAreaGoal creates or replaces the goal for one life area of a letter.
func (e Engine) SetAreaGoal(ctx context.Context, letterID, area, target, actorID string) (domain.AreaGoal, error) {
	if e.Config == nil {
		return domain.AreaGoal{}, errors.New("config not loaded")
	}
	if target == "" {
		return domain.AreaGoal{}, errors.New("target is required")
	}
	if !e.Config.KnownArea(area) {
		return domain.AreaGoal{}, fmt.Errorf("unknown area %q", area)
	}
	if _, err := e.Repo.GetLetter(ctx, letterID); err != nil {
		return domain.AreaGoal{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	g := domain.AreaGoal{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(letterID+"|"+area)).String(),
		LetterID:  letterID,
		Area:      area,
		Target:    target,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.UpsertGoal(ctx, g); err != nil {
		return g, fmt.Errorf("upsert goal: %w", err)
	}
	return g, nil
}

// ActionCreateOptions are parameters for declaring a recurring action.
type ActionCreateOptions struct {
	ID               string
	GoalID           string
	Text             string
	Frequency        string
	Weekdays         []int
	OnceDate         string
	RequiresEvidence bool
	ActorID          string
}

// CreateAction validates the recurrence rule and stores the action. A
// malformed rule is rejected here, at authoring, so the evaluator never sees
// one through the normal path.
func (e Engine) CreateAction(ctx context.Context, opts ActionCreateOptions) (domain.RecurringAction, error) {
	if opts.Text == "" {
		return domain.RecurringAction{}, errors.New("text is required")
	}
	g, err := e.Repo.GetGoal(ctx, opts.GoalID)
	if err != nil {
		return domain.RecurringAction{}, err
	}
	l, err := e.Repo.GetLetter(ctx, g.LetterID)
	if err != nil {
		return domain.RecurringAction{}, err
	}
	onceDate, err := parseOptionalDate(opts.OnceDate)
	if err != nil {
		return domain.RecurringAction{}, recur.ValidationError{Reason: err.Error()}
	}
	if _, err := recur.FromAction(opts.Frequency, opts.Weekdays, onceDate); err != nil {
		return domain.RecurringAction{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.GoalID+"|"+opts.Text+"|"+now)).String()
	}
	a := domain.RecurringAction{
		ID:               id,
		GoalID:           g.ID,
		LetterID:         g.LetterID,
		PersonID:         l.PersonID,
		Text:             opts.Text,
		Frequency:        opts.Frequency,
		Weekdays:         opts.Weekdays,
		OnceDate:         opts.OnceDate,
		RequiresEvidence: opts.RequiresEvidence,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertAction(ctx, a); err != nil {
		return a, fmt.Errorf("insert action: %w", err)
	}
	return a, nil
}

// ActionUpdateOptions carries the editable fields of an action. Nil means
// leave unchanged.
type ActionUpdateOptions struct {
	ID               string
	Text             *string
	Frequency        *string
	Weekdays         *[]int
	OnceDate         *string
	RequiresEvidence *bool
	ActorID          string
}

// UpdateAction edits an action's rule. The edit takes effect on the next
// materialization pass; it does not touch occurrences by itself.
func (e Engine) UpdateAction(ctx context.Context, opts ActionUpdateOptions) (domain.RecurringAction, error) {
	a, err := e.Repo.GetAction(ctx, opts.ID)
	if err != nil {
		return a, err
	}
	if opts.Text != nil {
		if *opts.Text == "" {
			return a, errors.New("text is required")
		}
		a.Text = *opts.Text
	}
	if opts.Frequency != nil {
		a.Frequency = *opts.Frequency
	}
	if opts.Weekdays != nil {
		a.Weekdays = *opts.Weekdays
	}
	if opts.OnceDate != nil {
		a.OnceDate = *opts.OnceDate
	}
	if opts.RequiresEvidence != nil {
		a.RequiresEvidence = *opts.RequiresEvidence
	}
	onceDate, err := parseOptionalDate(a.OnceDate)
	if err != nil {
		return a, recur.ValidationError{Reason: err.Error()}
	}
	if _, err := recur.FromAction(a.Frequency, a.Weekdays, onceDate); err != nil {
		return a, err
	}
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateAction(ctx, a); err != nil {
		return a, err
	}
	return a, nil
}

// RevokeAction deletes the action together with its pending occurrences.
// Completed or evidence-decided occurrences stay as history.
func (e Engine) RevokeAction(ctx context.Context, actionID, actorID string) (int, error) {
	a, err := e.Repo.GetAction(ctx, actionID)
	if err != nil {
		return 0, err
	}
	mu := e.locks.get(a.LetterID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := e.Repo.ListOccurrencesByAction(ctx, actionID)
	if err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	removed := 0
	for _, o := range existing {
		gone, err := e.Repo.DeleteOccurrenceIfPristine(ctx, tx, o.ID)
		if err != nil {
			return 0, err
		}
		if gone {
			removed++
		}
	}
	if err := e.Repo.DeleteAction(ctx, tx, actionID); err != nil {
		return 0, err
	}
	if err := e.Events.Append(ctx, tx, "action.revoked", a.LetterID, "action", a.ID, actorID, events.EventPayload{"removed": removed}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}

func parseOptionalDate(s string) (dateutil.Date, error) {
	if s == "" {
		return dateutil.Date{}, nil
	}
	return dateutil.Parse(s)
}
