package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goalline/internal/domain"
	"goalline/internal/events"
	"goalline/internal/recur"
	"goalline/internal/repo"
)

// ActionIssue names an action a materialization pass could not fully serve
// and why.
type ActionIssue struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

// MaterializeResult reports what one pass changed. Skipped actions failed
// validation or storage and were left alone; warnings are non-fatal
// diagnostics such as a one-time action dated outside the horizon.
type MaterializeResult struct {
	Created  int           `json:"created"`
	Removed  int           `json:"removed"`
	Skipped  []ActionIssue `json:"skipped,omitempty"`
	Warnings []ActionIssue `json:"warnings,omitempty"`
}

// HorizonWindow returns the default materialization window: today through
// the configured number of horizon days.
func (e Engine) HorizonWindow() recur.Window {
	days := 30
	if e.Config != nil && e.Config.Materialization.HorizonDays > 0 {
		days = e.Config.Materialization.HorizonDays
	}
	start := e.today()
	return recur.Window{Start: start, End: start.AddDays(days - 1)}
}

// Materialize reconciles the letter's stored occurrences with its current
// recurrence rules over the window (the configured horizon when the window is
// zero). Missing dates are created, stale incomplete dates inside the window
// are removed, completed or evidence-decided occurrences are never touched.
// Calling it twice with no intervening change is a no-op.
//
// Runs for the same letter are serialized; the unique (action, date) key in
// storage backstops any out-of-band writer the lock cannot see.
func (e Engine) Materialize(ctx context.Context, letterID string, w recur.Window, actorID string) (MaterializeResult, error) {
	var res MaterializeResult
	if e.Config == nil {
		return res, errors.New("config not loaded")
	}
	if w.Start.IsZero() && w.End.IsZero() {
		w = e.HorizonWindow()
	}
	if w.Start.After(w.End) {
		return res, fmt.Errorf("window start %s after end %s", w.Start, w.End)
	}

	mu := e.locks.get(letterID)
	mu.Lock()
	defer mu.Unlock()

	l, err := e.Repo.GetLetter(ctx, letterID)
	if err != nil {
		return res, err
	}
	if l.Status != domain.LetterApproved {
		return res, fmt.Errorf("letter %s is %s: %w", letterID, l.Status, ErrNotApproved)
	}
	actions, err := e.Repo.ListActionsByLetter(ctx, letterID)
	if err != nil {
		return res, err
	}
	for _, a := range actions {
		created, removed, warning, err := e.reconcileAction(ctx, l, a, w)
		if err != nil {
			// a failing action aborts only its own reconciliation
			res.Skipped = append(res.Skipped, ActionIssue{ActionID: a.ID, Reason: err.Error()})
			continue
		}
		if warning != "" {
			res.Warnings = append(res.Warnings, ActionIssue{ActionID: a.ID, Reason: warning})
		}
		res.Created += created
		res.Removed += removed
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "letter.materialized", letterID, "letter", letterID, actorID, events.EventPayload{
		"window_start": w.Start.String(),
		"window_end":   w.End.String(),
		"created":      res.Created,
		"removed":      res.Removed,
		"skipped":      len(res.Skipped),
	}); err != nil {
		return res, err
	}
	return res, tx.Commit()
}

// reconcileAction runs one action's create/delete pass in its own
// transaction so a storage failure leaves other actions unaffected.
func (e Engine) reconcileAction(ctx context.Context, l domain.GoalLetter, a domain.RecurringAction, w recur.Window) (created, removed int, warning string, err error) {
	onceDate, perr := parseOptionalDate(a.OnceDate)
	if perr != nil {
		return 0, 0, "", recur.ValidationError{Reason: perr.Error()}
	}
	rule, err := recur.FromAction(a.Frequency, a.Weekdays, onceDate)
	if err != nil {
		return 0, 0, "", err
	}
	targets := recur.Expand(rule, w)
	if _, isOnce := rule.(recur.Once); isOnce && len(targets) == 0 {
		warning = fmt.Sprintf("one-time date %s outside window %s..%s", a.OnceDate, w.Start, w.End)
	}
	targetSet := map[string]bool{}
	for _, d := range targets {
		targetSet[d.String()] = true
	}

	existing, err := e.Repo.ListOccurrencesByAction(ctx, a.ID)
	if err != nil {
		return 0, 0, "", err
	}
	// an occurrence covers its current due date and, once postponed, the
	// date the rule originally produced; either keeps the target satisfied
	coveredDates := map[string]bool{}
	for _, o := range existing {
		coveredDates[o.DueDate] = true
		coveredDates[o.OriginalDueDate] = true
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, "", err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	for _, d := range targets {
		due := d.String()
		if coveredDates[due] {
			continue
		}
		evidence := domain.EvidenceNotRequired
		if a.RequiresEvidence {
			evidence = domain.EvidenceNone
		}
		o := domain.TaskOccurrence{
			ID:              uuid.NewSHA1(uuid.NameSpaceOID, []byte(a.ID+"|"+due)).String(),
			ActionID:        a.ID,
			LetterID:        a.LetterID,
			PersonID:        l.PersonID,
			DueDate:         due,
			OriginalDueDate: due,
			EvidenceStatus:  evidence,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		ok, err := e.Repo.CreateOccurrenceIfAbsent(ctx, tx, o)
		if err != nil {
			return 0, 0, "", fmt.Errorf("create occurrence %s: %w", due, err)
		}
		if ok {
			created++
		}
	}

	for _, o := range existing {
		if targetSet[o.DueDate] || targetSet[o.OriginalDueDate] {
			continue
		}
		if !dateInWindow(o.DueDate, w) && !dateInWindow(o.OriginalDueDate, w) {
			// outside the reconciliation scope of this pass
			continue
		}
		gone, err := e.Repo.DeleteOccurrenceIfPristine(ctx, tx, o.ID)
		if err != nil {
			return 0, 0, "", fmt.Errorf("remove occurrence %s: %w", o.DueDate, err)
		}
		if gone {
			removed++
		}
	}
	return created, removed, warning, tx.Commit()
}

func dateInWindow(due string, w recur.Window) bool {
	d, err := parseOptionalDate(due)
	if err != nil || d.IsZero() {
		return false
	}
	return w.Contains(d)
}

// retractFuture deletes the letter's incomplete, non-evidenced occurrences
// dated today or later. Runs when the letter leaves the approved state.
func (e Engine) retractFuture(ctx context.Context, letterID, actorID string) (int, error) {
	mu := e.locks.get(letterID)
	mu.Lock()
	defer mu.Unlock()

	today := e.today().String()
	pending, err := e.Repo.ListOccurrences(ctx, repo.OccurrenceFilters{LetterID: letterID, From: today})
	if err != nil {
		return 0, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	removed := 0
	for _, o := range pending {
		gone, err := e.Repo.DeleteOccurrenceIfPristine(ctx, tx, o.ID)
		if err != nil {
			return 0, err
		}
		if gone {
			removed++
		}
	}
	if err := e.Events.Append(ctx, tx, "letter.retracted", letterID, "letter", letterID, actorID, events.EventPayload{
		"from":    today,
		"removed": removed,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return removed, nil
}
