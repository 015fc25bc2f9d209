package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goalline/internal/domain"
	"goalline/internal/events"
	"goalline/internal/repo"
)

// Postpone moves an occurrence's due date forward or back. Only incomplete
// occurrences move; the original due date set at creation is never rewritten,
// and the postponement counter guards against concurrent writers.
func (e Engine) Postpone(ctx context.Context, occurrenceID, newDate, actorID string) (domain.TaskOccurrence, error) {
	if e.Config == nil {
		return domain.TaskOccurrence{}, errors.New("config not loaded")
	}
	due, err := parseOptionalDate(newDate)
	if err != nil || due.IsZero() {
		return domain.TaskOccurrence{}, fmt.Errorf("new date is required: %v", err)
	}
	o, err := e.Repo.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return o, err
	}
	if o.Completed {
		return o, InvalidTransitionError{Entity: "occurrence", From: "completed", To: "postponed"}
	}
	if max := e.Config.Materialization.MaxPostponements; max > 0 && o.PostponementCount >= max {
		return o, fmt.Errorf("occurrence postponed %d times: %w", o.PostponementCount, ErrPostponeLimit)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	applied, err := e.Repo.PostponeOccurrence(ctx, tx, o.ID, due.String(), o.OriginalDueDate, o.PostponementCount, now)
	if err != nil {
		return o, err
	}
	if !applied {
		return o, ConflictError{Reason: "occurrence changed since read; retry postponement"}
	}
	if err := e.Events.Append(ctx, tx, "occurrence.postponed", o.LetterID, "occurrence", o.ID, actorID, events.EventPayload{
		"from":  o.DueDate,
		"to":    due.String(),
		"count": o.PostponementCount + 1,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	o.DueDate = due.String()
	o.PostponementCount++
	o.UpdatedAt = now
	return o, nil
}

func nextEvidenceStatus(current, event string) (string, error) {
	switch current {
	case domain.EvidenceNone:
		if event == domain.EvidenceEventSubmit {
			return domain.EvidencePending, nil
		}
	case domain.EvidencePending:
		switch event {
		case domain.EvidenceEventApprove:
			return domain.EvidenceApproved, nil
		case domain.EvidenceEventReject:
			return domain.EvidenceRejected, nil
		}
	case domain.EvidenceRejected:
		// resubmission closes the only cycle in the machine
		if event == domain.EvidenceEventSubmit {
			return domain.EvidencePending, nil
		}
	}
	// not_required and approved are terminal
	return "", InvalidTransitionError{Entity: "evidence", From: current, To: event}
}

// RecordEvidenceEvent applies submit/approve/reject to an occurrence's
// evidence status per the engine's state machine.
func (e Engine) RecordEvidenceEvent(ctx context.Context, occurrenceID, event, actorID string) (domain.TaskOccurrence, error) {
	o, err := e.Repo.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return o, err
	}
	next, err := nextEvidenceStatus(o.EvidenceStatus, event)
	if err != nil {
		return o, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	applied, err := e.Repo.SetEvidenceStatus(ctx, tx, o.ID, o.EvidenceStatus, next, now)
	if err != nil {
		return o, err
	}
	if !applied {
		return o, ConflictError{Reason: "evidence status changed since read; retry"}
	}
	if err := e.Events.Append(ctx, tx, "occurrence.evidence", o.LetterID, "occurrence", o.ID, actorID, events.EventPayload{
		"event": event,
		"from":  o.EvidenceStatus,
		"to":    next,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	o.EvidenceStatus = next
	o.UpdatedAt = now
	return o, nil
}

// CompleteOccurrence marks an occurrence done. Evidence-requiring occurrences
// complete only after the evidence is approved.
func (e Engine) CompleteOccurrence(ctx context.Context, occurrenceID, actorID string) (domain.TaskOccurrence, error) {
	o, err := e.Repo.GetOccurrence(ctx, occurrenceID)
	if err != nil {
		return o, err
	}
	if o.Completed {
		return o, ConflictError{Reason: "occurrence already completed"}
	}
	if o.EvidenceStatus != domain.EvidenceNotRequired && o.EvidenceStatus != domain.EvidenceApproved {
		return o, InvalidTransitionError{Entity: "occurrence", From: o.EvidenceStatus, To: "completed"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	applied, err := e.Repo.MarkCompleted(ctx, tx, o.ID, o.EvidenceStatus, now)
	if err != nil {
		return o, err
	}
	if !applied {
		return o, ConflictError{Reason: "occurrence changed since read; retry completion"}
	}
	if err := e.Events.Append(ctx, tx, "occurrence.completed", o.LetterID, "occurrence", o.ID, actorID, events.EventPayload{
		"due_date": o.DueDate,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	o.Completed = true
	o.UpdatedAt = now
	return o, nil
}

// ListOccurrences returns a person's occurrences inside the date range,
// ordered by due date. Consumed by checklist views and by streak/points
// collaborators.
func (e Engine) ListOccurrences(ctx context.Context, personID, from, to string) ([]domain.TaskOccurrence, error) {
	if personID == "" {
		return nil, errors.New("person is required")
	}
	for _, s := range []string{from, to} {
		if _, err := parseOptionalDate(s); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListOccurrences(ctx, repo.OccurrenceFilters{PersonID: personID, From: from, To: to})
}
