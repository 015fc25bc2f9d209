package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"goalline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertLetter(ctx context.Context, tx *sql.Tx, l domain.GoalLetter) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO goal_letters(id,person_id,status,approved_at,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		l.ID, l.PersonID, l.Status, nullableStringPtr(l.ApprovedAt), l.CreatedAt, l.UpdatedAt)
	return err
}

func (r Repo) GetLetter(ctx context.Context, id string) (domain.GoalLetter, error) {
	var l domain.GoalLetter
	var approvedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,person_id,status,approved_at,created_at,updated_at FROM goal_letters WHERE id=?`, id).
		Scan(&l.ID, &l.PersonID, &l.Status, &approvedAt, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if approvedAt.Valid {
		l.ApprovedAt = &approvedAt.String
	}
	return l, nil
}

func (r Repo) ListLetters(ctx context.Context, personID string) ([]domain.GoalLetter, error) {
	query := `SELECT id,person_id,status,approved_at,created_at,updated_at FROM goal_letters`
	var args []any
	if personID != "" {
		query += ` WHERE person_id=?`
		args = append(args, personID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GoalLetter
	for rows.Next() {
		var l domain.GoalLetter
		var approvedAt sql.NullString
		if err := rows.Scan(&l.ID, &l.PersonID, &l.Status, &approvedAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		if approvedAt.Valid {
			l.ApprovedAt = &approvedAt.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// ActiveApprovedLetter returns the person's approved letter, if any. At most
// one letter per person is in the approved state at a time.
func (r Repo) ActiveApprovedLetter(ctx context.Context, personID string) (domain.GoalLetter, error) {
	var l domain.GoalLetter
	var approvedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,person_id,status,approved_at,created_at,updated_at FROM goal_letters WHERE person_id=? AND status=? ORDER BY updated_at DESC LIMIT 1`,
		personID, domain.LetterApproved).
		Scan(&l.ID, &l.PersonID, &l.Status, &approvedAt, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if approvedAt.Valid {
		l.ApprovedAt = &approvedAt.String
	}
	return l, nil
}

func (r Repo) UpdateLetterStatus(ctx context.Context, tx *sql.Tx, id, status string, approvedAt *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE goal_letters SET status=?, approved_at=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(approvedAt), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertGoal(ctx context.Context, g domain.AreaGoal) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO area_goals(id,letter_id,area,target,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(letter_id,area) DO UPDATE SET target=excluded.target, updated_at=excluded.updated_at`,
		g.ID, g.LetterID, g.Area, g.Target, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r Repo) GetGoal(ctx context.Context, id string) (domain.AreaGoal, error) {
	var g domain.AreaGoal
	err := r.DB.QueryRowContext(ctx, `SELECT id,letter_id,area,target,created_at,updated_at FROM area_goals WHERE id=?`, id).
		Scan(&g.ID, &g.LetterID, &g.Area, &g.Target, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) GetGoalByArea(ctx context.Context, letterID, area string) (domain.AreaGoal, error) {
	var g domain.AreaGoal
	err := r.DB.QueryRowContext(ctx, `SELECT id,letter_id,area,target,created_at,updated_at FROM area_goals WHERE letter_id=? AND area=?`, letterID, area).
		Scan(&g.ID, &g.LetterID, &g.Area, &g.Target, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) ListGoals(ctx context.Context, letterID string) ([]domain.AreaGoal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,letter_id,area,target,created_at,updated_at FROM area_goals WHERE letter_id=? ORDER BY area`, letterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AreaGoal
	for rows.Next() {
		var g domain.AreaGoal
		if err := rows.Scan(&g.ID, &g.LetterID, &g.Area, &g.Target, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) InsertAction(ctx context.Context, a domain.RecurringAction) error {
	weekdays, err := marshalWeekdays(a.Weekdays)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO actions(id,goal_id,letter_id,person_id,text,frequency,weekdays_json,once_date,requires_evidence,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.GoalID, a.LetterID, a.PersonID, a.Text, a.Frequency, weekdays, nullable(a.OnceDate), boolInt(a.RequiresEvidence), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAction(ctx context.Context, a domain.RecurringAction) error {
	weekdays, err := marshalWeekdays(a.Weekdays)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE actions SET text=?, frequency=?, weekdays_json=?, once_date=?, requires_evidence=?, updated_at=? WHERE id=?`,
		a.Text, a.Frequency, weekdays, nullable(a.OnceDate), boolInt(a.RequiresEvidence), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAction(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAction(scan func(dest ...any) error) (domain.RecurringAction, error) {
	var a domain.RecurringAction
	var weekdays, onceDate sql.NullString
	var requires int
	err := scan(&a.ID, &a.GoalID, &a.LetterID, &a.PersonID, &a.Text, &a.Frequency, &weekdays, &onceDate, &requires, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if weekdays.Valid && weekdays.String != "" {
		if err := json.Unmarshal([]byte(weekdays.String), &a.Weekdays); err != nil {
			return a, fmt.Errorf("decode weekdays for action %s: %w", a.ID, err)
		}
	}
	if onceDate.Valid {
		a.OnceDate = onceDate.String
	}
	a.RequiresEvidence = requires != 0
	return a, nil
}

const actionColumns = `id,goal_id,letter_id,person_id,text,frequency,weekdays_json,once_date,requires_evidence,created_at,updated_at`

func (r Repo) GetAction(ctx context.Context, id string) (domain.RecurringAction, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) ListActionsByLetter(ctx context.Context, letterID string) ([]domain.RecurringAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE letter_id=? ORDER BY created_at, id`, letterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecurringAction
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListActionsByGoal(ctx context.Context, goalID string) ([]domain.RecurringAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE goal_id=? ORDER BY created_at, id`, goalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RecurringAction
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, letterID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if letterID != "" {
		clauses = append(clauses, "letter_id=?")
		args = append(args, letterID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,letter_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var letter, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &letter, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if letter.Valid {
			e.LetterID = letter.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalWeekdays(in []int) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
