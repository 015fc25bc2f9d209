package repo

import (
	"context"
	"database/sql"
	"strings"

	"goalline/internal/domain"
)

// The occurrence store keys every row on (action_id, due_date) with a unique
// constraint, so a duplicate create attempt is a no-op rather than a second
// row. Deletes are guarded so completed or evidence-decided occurrences stay
// untouched; they are history.

const occurrenceColumns = `id,action_id,letter_id,person_id,due_date,original_due_date,completed,evidence_status,postponement_count,created_at,updated_at`

func scanOccurrence(scan func(dest ...any) error) (domain.TaskOccurrence, error) {
	var o domain.TaskOccurrence
	var completed int
	err := scan(&o.ID, &o.ActionID, &o.LetterID, &o.PersonID, &o.DueDate, &o.OriginalDueDate, &completed, &o.EvidenceStatus, &o.PostponementCount, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.Completed = completed != 0
	return o, nil
}

// CreateOccurrenceIfAbsent inserts the occurrence unless one already exists
// for the same (action, due date) key. Reports whether a row was created.
func (r Repo) CreateOccurrenceIfAbsent(ctx context.Context, tx *sql.Tx, o domain.TaskOccurrence) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO occurrences(`+occurrenceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ActionID, o.LetterID, o.PersonID, o.DueDate, o.OriginalDueDate, boolInt(o.Completed), o.EvidenceStatus, o.PostponementCount, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetOccurrence(ctx context.Context, id string) (domain.TaskOccurrence, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id=?`, id)
	return scanOccurrence(row.Scan)
}

// ListOccurrencesByAction returns every stored occurrence for one action,
// due-date ascending. Materialization reconciles against this set.
func (r Repo) ListOccurrencesByAction(ctx context.Context, actionID string) ([]domain.TaskOccurrence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE action_id=? ORDER BY due_date, id`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOccurrences(rows)
}

type OccurrenceFilters struct {
	PersonID string
	LetterID string
	ActionID string
	From     string
	To       string
	Limit    int
}

// ListOccurrences returns occurrences filtered by person/letter/action and
// due-date range, ordered by due date then id.
func (r Repo) ListOccurrences(ctx context.Context, f OccurrenceFilters) ([]domain.TaskOccurrence, error) {
	var clauses []string
	var args []any
	if f.PersonID != "" {
		clauses = append(clauses, "person_id=?")
		args = append(args, f.PersonID)
	}
	if f.LetterID != "" {
		clauses = append(clauses, "letter_id=?")
		args = append(args, f.LetterID)
	}
	if f.ActionID != "" {
		clauses = append(clauses, "action_id=?")
		args = append(args, f.ActionID)
	}
	if f.From != "" {
		clauses = append(clauses, "due_date>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "due_date<=?")
		args = append(args, f.To)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + occurrenceColumns + ` FROM occurrences ` + where + ` ORDER BY due_date, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOccurrences(rows)
}

// DeleteOccurrenceIfPristine removes the occurrence only while it is still
// incomplete and carries no evidence decision. Reports whether a row went
// away; false means the occurrence was already history and stays.
func (r Repo) DeleteOccurrenceIfPristine(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM occurrences WHERE id=? AND completed=0 AND evidence_status IN (?,?)`,
		id, domain.EvidenceNotRequired, domain.EvidenceNone)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PostponeOccurrence moves the due date, guarded by the postponement count
// the caller read. A false return means another writer got there first.
func (r Repo) PostponeOccurrence(ctx context.Context, tx *sql.Tx, id, newDue, originalDue string, expectedCount int, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE occurrences SET due_date=?, original_due_date=?, postponement_count=?, updated_at=?
WHERE id=? AND postponement_count=? AND completed=0`,
		newDue, originalDue, expectedCount+1, updatedAt, id, expectedCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetEvidenceStatus transitions evidence status from the value the caller
// read. A false return means the stored status changed in between.
func (r Repo) SetEvidenceStatus(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE occurrences SET evidence_status=?, updated_at=? WHERE id=? AND evidence_status=?`,
		to, updatedAt, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkCompleted flips the completed flag, guarded by the evidence status the
// caller validated and by the flag still being unset.
func (r Repo) MarkCompleted(ctx context.Context, tx *sql.Tx, id, expectedEvidence, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE occurrences SET completed=1, updated_at=? WHERE id=? AND completed=0 AND evidence_status=?`,
		updatedAt, id, expectedEvidence)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func collectOccurrences(rows *sql.Rows) ([]domain.TaskOccurrence, error) {
	var res []domain.TaskOccurrence
	for rows.Next() {
		o, err := scanOccurrence(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
