package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"goalline/internal/config"
	"goalline/internal/db"
	"goalline/internal/dateutil"
	"goalline/internal/domain"
	"goalline/internal/engine"
	"goalline/internal/migrate"
	"goalline/internal/recur"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	// 2025-01-06 is a Monday; the default 30-day horizon ends 2025-02-04
	eng.Now = func() time.Time { return time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// seedLetter creates a letter with a goal in every area and returns it with
// the health goal for attaching actions.
func seedLetter(t *testing.T, env testEnv) (domain.GoalLetter, domain.AreaGoal) {
	t.Helper()
	l, err := env.Engine.CreateLetter(env.Ctx, "", "person-1", "tester")
	if err != nil {
		t.Fatalf("create letter: %v", err)
	}
	var health domain.AreaGoal
	for _, area := range config.DefaultAreas {
		g, err := env.Engine.SetAreaGoal(env.Ctx, l.ID, area, "improve "+area, "tester")
		if err != nil {
			t.Fatalf("set goal %s: %v", area, err)
		}
		if area == "health" {
			health = g
		}
	}
	return l, health
}

func approve(t *testing.T, env testEnv, letterID string) engine.MaterializeResult {
	t.Helper()
	if _, err := env.Engine.SubmitLetter(env.Ctx, letterID, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, res, err := env.Engine.ApproveLetter(env.Ctx, letterID, "mentor")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return res
}

func TestSubmitRequiresAllAreas(t *testing.T) {
	env := newTestEnv(t)
	l, err := env.Engine.CreateLetter(env.Ctx, "", "person-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetAreaGoal(env.Ctx, l.ID, "health", "run more", "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitLetter(env.Ctx, l.ID, "tester"); err == nil {
		t.Fatalf("expected submit to fail with missing areas")
	}
}

func TestLetterTransitions(t *testing.T) {
	env := newTestEnv(t)
	l, _ := seedLetter(t, env)
	// draft cannot be approved directly
	if _, _, err := env.Engine.ApproveLetter(env.Ctx, l.ID, "mentor"); err == nil {
		t.Fatalf("expected approve from draft to fail")
	}
	approve(t, env, l.ID)
	// approved -> changes_requested -> under_review -> approved again
	if _, _, err := env.Engine.RequestChanges(env.Ctx, l.ID, "mentor"); err != nil {
		t.Fatalf("request changes: %v", err)
	}
	if _, err := env.Engine.SubmitLetter(env.Ctx, l.ID, "tester"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, _, err := env.Engine.ApproveLetter(env.Ctx, l.ID, "mentor"); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
}

func TestMaterializeDailyOverHorizon(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Stretch", Frequency: recur.FreqDaily, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	res := approve(t, env, l.ID)
	if res.Created != 30 {
		t.Fatalf("expected 30 created, got %d", res.Created)
	}
	occs, err := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(occs) != 30 {
		t.Fatalf("expected 30 occurrences, got %d", len(occs))
	}
	for i := 1; i < len(occs); i++ {
		if occs[i].DueDate <= occs[i-1].DueDate {
			t.Fatalf("occurrences not ascending at %d: %s then %s", i, occs[i-1].DueDate, occs[i].DueDate)
		}
	}
}

func TestMaterializeIdempotent(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Read", Frequency: recur.FreqWeekly, Weekdays: []int{1, 3, 5}, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	first := approve(t, env, l.ID)
	if first.Created == 0 {
		t.Fatalf("expected occurrences on first run")
	}
	second, err := env.Engine.Materialize(env.Ctx, l.ID, recur.Window{}, "admin")
	if err != nil {
		t.Fatalf("second materialize: %v", err)
	}
	if second.Created != 0 || second.Removed != 0 {
		t.Fatalf("expected no-op, got created=%d removed=%d", second.Created, second.Removed)
	}
}

func TestMaterializeRequiresApprovedLetter(t *testing.T) {
	env := newTestEnv(t)
	l, _ := seedLetter(t, env)
	_, err := env.Engine.Materialize(env.Ctx, l.ID, recur.Window{}, "admin")
	if !errors.Is(err, engine.ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
}

func TestRuleEditReconciliationPreservesHistory(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	a, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Run", Frequency: recur.FreqWeekly, Weekdays: []int{1}, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	res := approve(t, env, l.ID)
	if res.Created != 5 { // Mondays Jan 6..Feb 3
		t.Fatalf("expected 5 Mondays, got %d", res.Created)
	}
	occs, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if _, err := env.Engine.CompleteOccurrence(env.Ctx, occs[0].ID, "person-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// move the rule to Tuesdays
	tuesdays := []int{2}
	if _, err := env.Engine.UpdateAction(env.Ctx, engine.ActionUpdateOptions{ID: a.ID, Weekdays: &tuesdays, ActorID: "tester"}); err != nil {
		t.Fatalf("update action: %v", err)
	}
	res2, err := env.Engine.Materialize(env.Ctx, l.ID, recur.Window{}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if res2.Created != 5 {
		t.Fatalf("expected 5 Tuesdays created, got %d", res2.Created)
	}
	if res2.Removed != 4 {
		t.Fatalf("expected 4 stale Mondays removed, got %d", res2.Removed)
	}
	after, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if len(after) != 6 {
		t.Fatalf("expected 5 Tuesdays plus completed Monday, got %d", len(after))
	}
	foundCompleted := false
	for _, o := range after {
		if o.Completed {
			foundCompleted = true
			if o.DueDate != "2025-01-06" {
				t.Fatalf("completed occurrence moved to %s", o.DueDate)
			}
		}
	}
	if !foundCompleted {
		t.Fatalf("completed occurrence was deleted by reconciliation")
	}
}

func TestOnceActionInAndOutOfWindow(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Dentist", Frequency: recur.FreqOnce, OnceDate: "2025-01-20", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	far, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Marathon", Frequency: recur.FreqOnce, OnceDate: "2025-12-25", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	res := approve(t, env, l.ID)
	if res.Created != 1 {
		t.Fatalf("expected 1 occurrence, got %d", res.Created)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].ActionID != far.ID {
		t.Fatalf("expected out-of-window warning for %s, got %+v", far.ID, res.Warnings)
	}
}

func TestInvalidStoredRuleSkipsOnlyThatAction(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Walk", Frequency: recur.FreqDaily, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	// a malformed rule written behind the engine's back, as a repair tool might
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	bad := domain.RecurringAction{
		ID: "bad-action", GoalID: goal.ID, LetterID: l.ID, PersonID: "person-1",
		Text: "Broken", Frequency: recur.FreqWeekly, CreatedAt: now, UpdatedAt: now,
	}
	if err := env.Engine.Repo.InsertAction(env.Ctx, bad); err != nil {
		t.Fatal(err)
	}
	res := approve(t, env, l.ID)
	if res.Created != 30 {
		t.Fatalf("expected healthy action to materialize, got %d", res.Created)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].ActionID != "bad-action" {
		t.Fatalf("expected bad-action skipped, got %+v", res.Skipped)
	}
}

func TestCreateActionRejectsMalformedRules(t *testing.T) {
	env := newTestEnv(t)
	_, goal := seedLetter(t, env)
	cases := []engine.ActionCreateOptions{
		{GoalID: goal.ID, Text: "no weekdays", Frequency: recur.FreqWeekly},
		{GoalID: goal.ID, Text: "bad weekday", Frequency: recur.FreqBiweekly, Weekdays: []int{9}},
		{GoalID: goal.ID, Text: "no date", Frequency: recur.FreqOnce},
		{GoalID: goal.ID, Text: "two days", Frequency: recur.FreqMonthly, Weekdays: []int{1, 2}},
	}
	for _, opts := range cases {
		_, err := env.Engine.CreateAction(env.Ctx, opts)
		var ve recur.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", opts.Text, err)
		}
	}
}

func TestPostponePreservesOriginalDueDate(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Journal", Frequency: recur.FreqOnce, OnceDate: "2025-01-10", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	approve(t, env, l.ID)
	occs, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if len(occs) != 1 {
		t.Fatalf("expected 1 occurrence, got %d", len(occs))
	}
	id := occs[0].ID
	dates := []string{"2025-01-11", "2025-01-12", "2025-01-13"}
	var o domain.TaskOccurrence
	var err error
	for _, d := range dates {
		o, err = env.Engine.Postpone(env.Ctx, id, d, "person-1")
		if err != nil {
			t.Fatalf("postpone to %s: %v", d, err)
		}
	}
	if o.PostponementCount != 3 {
		t.Fatalf("expected count 3, got %d", o.PostponementCount)
	}
	stored, _ := env.Engine.Repo.GetOccurrence(env.Ctx, id)
	if stored.OriginalDueDate != "2025-01-10" {
		t.Fatalf("original due date rewritten to %s", stored.OriginalDueDate)
	}
	if stored.DueDate != "2025-01-13" {
		t.Fatalf("due date = %s", stored.DueDate)
	}
	// configured maximum is 3
	if _, err := env.Engine.Postpone(env.Ctx, id, "2025-01-14", "person-1"); !errors.Is(err, engine.ErrPostponeLimit) {
		t.Fatalf("expected postpone limit, got %v", err)
	}
}

func TestPostponeCompletedRejected(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Meditate", Frequency: recur.FreqOnce, OnceDate: "2025-01-08", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	approve(t, env, l.ID)
	occs, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if _, err := env.Engine.CompleteOccurrence(env.Ctx, occs[0].ID, "person-1"); err != nil {
		t.Fatal(err)
	}
	var ite engine.InvalidTransitionError
	if _, err := env.Engine.Postpone(env.Ctx, occs[0].ID, "2025-01-09", "person-1"); !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestEvidenceStateMachine(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Gym session", Frequency: recur.FreqOnce, OnceDate: "2025-01-09",
		RequiresEvidence: true, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	approve(t, env, l.ID)
	occs, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	id := occs[0].ID
	if occs[0].EvidenceStatus != domain.EvidenceNone {
		t.Fatalf("expected none, got %s", occs[0].EvidenceStatus)
	}
	// completing without approved evidence is rejected
	if _, err := env.Engine.CompleteOccurrence(env.Ctx, id, "person-1"); err == nil {
		t.Fatalf("expected completion to be blocked")
	}
	// approve before submit is invalid
	if _, err := env.Engine.RecordEvidenceEvent(env.Ctx, id, domain.EvidenceEventApprove, "mentor"); err == nil {
		t.Fatalf("expected approve from none to fail")
	}
	o, err := env.Engine.RecordEvidenceEvent(env.Ctx, id, domain.EvidenceEventSubmit, "person-1")
	if err != nil || o.EvidenceStatus != domain.EvidencePending {
		t.Fatalf("submit: %v status %s", err, o.EvidenceStatus)
	}
	o, err = env.Engine.RecordEvidenceEvent(env.Ctx, id, domain.EvidenceEventReject, "mentor")
	if err != nil || o.EvidenceStatus != domain.EvidenceRejected {
		t.Fatalf("reject: %v status %s", err, o.EvidenceStatus)
	}
	// rejected -> pending is the only cycle-closing transition
	o, err = env.Engine.RecordEvidenceEvent(env.Ctx, id, domain.EvidenceEventSubmit, "person-1")
	if err != nil || o.EvidenceStatus != domain.EvidencePending {
		t.Fatalf("resubmit: %v status %s", err, o.EvidenceStatus)
	}
	o, err = env.Engine.RecordEvidenceEvent(env.Ctx, id, domain.EvidenceEventApprove, "mentor")
	if err != nil || o.EvidenceStatus != domain.EvidenceApproved {
		t.Fatalf("approve: %v status %s", err, o.EvidenceStatus)
	}
	// approved is terminal
	if _, err := env.Engine.RecordEvidenceEvent(env.Ctx, id, domain.EvidenceEventSubmit, "person-1"); err == nil {
		t.Fatalf("expected approved to be terminal")
	}
	if _, err := env.Engine.CompleteOccurrence(env.Ctx, id, "person-1"); err != nil {
		t.Fatalf("complete after approval: %v", err)
	}
}

func TestEvidenceNotRequiredIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Water plants", Frequency: recur.FreqOnce, OnceDate: "2025-01-09", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	approve(t, env, l.ID)
	occs, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if _, err := env.Engine.RecordEvidenceEvent(env.Ctx, occs[0].ID, domain.EvidenceEventSubmit, "person-1"); err == nil {
		t.Fatalf("expected not_required to reject evidence events")
	}
}

func TestRetractionOnLeavingApproved(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Swim", Frequency: recur.FreqWeekly, Weekdays: []int{1}, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	res := approve(t, env, l.ID)
	if res.Created != 5 {
		t.Fatalf("expected 5 occurrences, got %d", res.Created)
	}
	occs, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if _, err := env.Engine.CompleteOccurrence(env.Ctx, occs[0].ID, "person-1"); err != nil {
		t.Fatal(err)
	}
	_, removed, err := env.Engine.RequestChanges(env.Ctx, l.ID, "mentor")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 4 {
		t.Fatalf("expected 4 retracted, got %d", removed)
	}
	after, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if len(after) != 1 || !after[0].Completed {
		t.Fatalf("expected only the completed occurrence to survive, got %d", len(after))
	}
	// re-approval regenerates what was retracted
	if _, err := env.Engine.SubmitLetter(env.Ctx, l.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	_, res2, err := env.Engine.ApproveLetter(env.Ctx, l.ID, "mentor")
	if err != nil {
		t.Fatal(err)
	}
	if res2.Created != 4 {
		t.Fatalf("expected 4 regenerated, got %d", res2.Created)
	}
}

func TestRevokeActionKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	a, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Call parents", Frequency: recur.FreqWeekly, Weekdays: []int{0}, ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	approve(t, env, l.ID)
	occs, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if len(occs) == 0 {
		t.Fatalf("expected occurrences")
	}
	if _, err := env.Engine.CompleteOccurrence(env.Ctx, occs[0].ID, "person-1"); err != nil {
		t.Fatal(err)
	}
	removed, err := env.Engine.RevokeAction(env.Ctx, a.ID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if removed != len(occs)-1 {
		t.Fatalf("expected %d removed, got %d", len(occs)-1, removed)
	}
	after, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "", "")
	if len(after) != 1 || !after[0].Completed {
		t.Fatalf("expected completed occurrence to remain")
	}
}

func TestOnlyOneApprovedLetterPerPerson(t *testing.T) {
	env := newTestEnv(t)
	l1, _ := seedLetter(t, env)
	approve(t, env, l1.ID)
	l2, err := env.Engine.CreateLetter(env.Ctx, "letter-2", "person-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	for _, area := range config.DefaultAreas {
		if _, err := env.Engine.SetAreaGoal(env.Ctx, l2.ID, area, "new cycle "+area, "tester"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := env.Engine.SubmitLetter(env.Ctx, l2.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Engine.ApproveLetter(env.Ctx, l2.ID, "mentor"); err == nil {
		t.Fatalf("expected second approval to be rejected")
	}
}

func TestBackfillWindow(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Budget review", Frequency: recur.FreqMonthly, Weekdays: []int{31}, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	approve(t, env, l.ID)
	// explicit backfill window over February clamps day 31 to the 28th
	start, _ := dateutil.Parse("2025-02-01")
	end, _ := dateutil.Parse("2025-02-28")
	res, err := env.Engine.Materialize(env.Ctx, l.ID, recur.Window{Start: start, End: end}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 {
		t.Fatalf("expected 1 created, got %d", res.Created)
	}
	occs, _ := env.Engine.ListOccurrences(env.Ctx, "person-1", "2025-02-01", "2025-02-28")
	if len(occs) != 1 || occs[0].DueDate != "2025-02-28" {
		t.Fatalf("expected clamped 2025-02-28, got %+v", occs)
	}
}

func TestMaterializationEventLogged(t *testing.T) {
	env := newTestEnv(t)
	l, goal := seedLetter(t, env)
	if _, err := env.Engine.CreateAction(env.Ctx, engine.ActionCreateOptions{
		GoalID: goal.ID, Text: "Sketch", Frequency: recur.FreqDaily, ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	approve(t, env, l.ID)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, l.ID, "letter.materialized")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 {
		t.Fatalf("expected materialization event")
	}
}
