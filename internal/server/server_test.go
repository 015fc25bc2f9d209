package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"goalline/internal/config"
	"goalline/internal/db"
	"goalline/internal/engine"
	"goalline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

var asTester = map[string]string{"X-Actor-Id": "tester"}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// seedApprovedLetter drives a letter through the full authoring flow over
// HTTP and returns its id together with the health goal id.
func seedApprovedLetter(t *testing.T, srv *testServer, withAction map[string]any) (letterID, goalID string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/letters", map[string]any{
		"person_id": "person-1",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create letter status %d: %s", res.StatusCode, string(data))
	}
	var letter LetterResponse
	if err := json.Unmarshal(data, &letter); err != nil {
		t.Fatalf("unmarshal letter: %v", err)
	}
	letterID = letter.ID

	for _, area := range config.DefaultAreas {
		res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/letters/"+letterID+"/goals/"+area, map[string]any{
			"target": "improve " + area,
		}, asTester)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set goal %s status %d: %s", area, res.StatusCode, string(data))
		}
		if area == "health" {
			var g GoalResponse
			_ = json.Unmarshal(data, &g)
			goalID = g.ID
		}
	}

	if withAction != nil {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals/"+goalID+"/actions", withAction, asTester)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create action status %d: %s", res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/letters/"+letterID+"/submit", map[string]any{}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/letters/"+letterID+"/approve", map[string]any{}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	return letterID, goalID
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/letters", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestApprovalMaterializesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	letterID, _ := seedApprovedLetter(t, srv, map[string]any{
		"text":      "Stretch",
		"frequency": "daily",
	})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/occurrences?person_id=person-1", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list occurrences status %d: %s", res.StatusCode, string(data))
	}
	var occs []OccurrenceResponse
	if err := json.Unmarshal(data, &occs); err != nil {
		t.Fatalf("unmarshal occurrences: %v", err)
	}
	if len(occs) != 30 {
		t.Fatalf("expected 30 occurrences over the default horizon, got %d", len(occs))
	}

	// second materialization is a no-op
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/letters/"+letterID+"/materialize", map[string]any{}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("materialize status %d: %s", res.StatusCode, string(data))
	}
	var mat MaterializeResponse
	if err := json.Unmarshal(data, &mat); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if mat.Created != 0 || mat.Removed != 0 {
		t.Fatalf("expected no-op, got %+v", mat)
	}
}

func TestMaterializeRequiresApproval(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/letters", map[string]any{
		"person_id": "person-1",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create letter: %d %s", res.StatusCode, string(data))
	}
	var letter LetterResponse
	_ = json.Unmarshal(data, &letter)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/letters/"+letter.ID+"/materialize", map[string]any{}, asTester)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for draft letter, got %d: %s", res.StatusCode, string(data))
	}
}

func TestPostponeAndEvidenceFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	today := time.Now().Format("2006-01-02")
	seedApprovedLetter(t, srv, map[string]any{
		"text":              "Gym session",
		"frequency":         "once",
		"once_date":         today,
		"requires_evidence": true,
	})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/occurrences?person_id=person-1", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var occs []OccurrenceResponse
	_ = json.Unmarshal(data, &occs)
	if len(occs) != 1 {
		t.Fatalf("expected 1 occurrence, got %d", len(occs))
	}
	id := occs[0].ID

	// completing before evidence approval is a state-machine violation
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/"+id+"/complete", map[string]any{}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/"+id+"/evidence", map[string]any{"event": "approve"}, asTester)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for approve before submit, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/"+id+"/evidence", map[string]any{"event": "submit"}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit evidence: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/"+id+"/evidence", map[string]any{"event": "approve"}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve evidence: %d %s", res.StatusCode, string(data))
	}

	nextDay := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/"+id+"/postpone", map[string]any{"new_date": nextDay}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("postpone: %d %s", res.StatusCode, string(data))
	}
	var moved OccurrenceResponse
	_ = json.Unmarshal(data, &moved)
	if moved.DueDate != nextDay || moved.OriginalDueDate != today {
		t.Fatalf("postpone result %+v", moved)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/occurrences/"+id+"/complete", map[string]any{}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var done OccurrenceResponse
	_ = json.Unmarshal(data, &done)
	if !done.Completed {
		t.Fatalf("expected completed occurrence, got %+v", done)
	}
}

func TestInvalidRuleRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/letters", map[string]any{
		"person_id": "person-2",
	}, asTester)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create letter: %d %s", res.StatusCode, string(data))
	}
	var letter LetterResponse
	_ = json.Unmarshal(data, &letter)
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/letters/"+letter.ID+"/goals/health", map[string]any{
		"target": "run",
	}, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set goal: %d %s", res.StatusCode, string(data))
	}
	var g GoalResponse
	_ = json.Unmarshal(data, &g)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/goals/"+g.ID+"/actions", map[string]any{
		"text":      "Run",
		"frequency": "weekly",
	}, asTester)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for weekly rule without weekdays, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEventsExposed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	letterID, _ := seedApprovedLetter(t, srv, map[string]any{
		"text":      "Read",
		"frequency": "daily",
	})
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/letters/"+letterID+"/events?type=letter.materialized", nil, asTester)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected materialization event")
	}
}
