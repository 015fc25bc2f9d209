package server

import (
	"encoding/json"

	"goalline/internal/config"
	"goalline/internal/domain"
)

// Request payloads

type CreateLetterRequest struct {
	ID       *string `json:"id,omitempty"`
	PersonID string  `json:"person_id"`
}

type SetGoalRequest struct {
	Target string `json:"target"`
}

type CreateActionRequest struct {
	ID               *string `json:"id,omitempty"`
	Text             string  `json:"text"`
	Frequency        string  `json:"frequency" enum:"daily,weekly,biweekly,monthly,once"`
	Weekdays         []int   `json:"weekdays,omitempty"`
	OnceDate         *string `json:"once_date,omitempty" format:"date"`
	RequiresEvidence *bool   `json:"requires_evidence,omitempty"`
}

type UpdateActionRequest struct {
	Text             *string `json:"text,omitempty"`
	Frequency        *string `json:"frequency,omitempty" enum:"daily,weekly,biweekly,monthly,once"`
	Weekdays         *[]int  `json:"weekdays,omitempty"`
	OnceDate         *string `json:"once_date,omitempty" format:"date"`
	RequiresEvidence *bool   `json:"requires_evidence,omitempty"`
}

type MaterializeRequest struct {
	WindowStart *string `json:"window_start,omitempty" format:"date"`
	WindowEnd   *string `json:"window_end,omitempty" format:"date"`
}

type PostponeRequest struct {
	NewDate string `json:"new_date" format:"date"`
}

type EvidenceEventRequest struct {
	Event string `json:"event" enum:"submit,approve,reject"`
}

// Response payloads

type LetterResponse struct {
	ID         string  `json:"id"`
	PersonID   string  `json:"person_id"`
	Status     string  `json:"status" enum:"draft,under_review,approved,changes_requested"`
	ApprovedAt *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type GoalResponse struct {
	ID        string `json:"id"`
	LetterID  string `json:"letter_id"`
	Area      string `json:"area"`
	Target    string `json:"target"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ActionResponse struct {
	ID               string `json:"id"`
	GoalID           string `json:"goal_id"`
	LetterID         string `json:"letter_id"`
	PersonID         string `json:"person_id"`
	Text             string `json:"text"`
	Frequency        string `json:"frequency" enum:"daily,weekly,biweekly,monthly,once"`
	Weekdays         []int  `json:"weekdays,omitempty"`
	OnceDate         string `json:"once_date,omitempty" format:"date"`
	RequiresEvidence bool   `json:"requires_evidence"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type OccurrenceResponse struct {
	ID                string `json:"id"`
	ActionID          string `json:"action_id"`
	LetterID          string `json:"letter_id"`
	PersonID          string `json:"person_id"`
	DueDate           string `json:"due_date" format:"date"`
	OriginalDueDate   string `json:"original_due_date" format:"date"`
	Completed         bool   `json:"completed"`
	EvidenceStatus    string `json:"evidence_status" enum:"not_required,none,pending,approved,rejected"`
	PostponementCount int    `json:"postponement_count"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

type ActionIssueResponse struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

type MaterializeResponse struct {
	Created  int                   `json:"created"`
	Removed  int                   `json:"removed"`
	Skipped  []ActionIssueResponse `json:"skipped"`
	Warnings []ActionIssueResponse `json:"warnings"`
}

type ApproveResponse struct {
	Letter          LetterResponse      `json:"letter"`
	Materialization MaterializeResponse `json:"materialization"`
}

type RetractResponse struct {
	Letter  LetterResponse `json:"letter"`
	Removed int            `json:"removed"`
}

type RevokeActionResponse struct {
	Removed int `json:"removed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	LetterID   string         `json:"letter_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ConfigResponse struct {
	Materialization materializationSection `json:"materialization"`
	Areas           areaSection            `json:"areas"`
}

type materializationSection struct {
	HorizonDays      int `json:"horizon_days"`
	MaxPostponements int `json:"max_postponements"`
}

type areaSection struct {
	Catalog map[string]struct {
		Description string `json:"description"`
	} `json:"catalog"`
}

// Conversion helpers

func letterResponse(l domain.GoalLetter) LetterResponse {
	return LetterResponse(l)
}

func goalResponse(g domain.AreaGoal) GoalResponse {
	return GoalResponse(g)
}

func actionResponse(a domain.RecurringAction) ActionResponse {
	return ActionResponse(a)
}

func occurrenceResponse(o domain.TaskOccurrence) OccurrenceResponse {
	return OccurrenceResponse(o)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		LetterID:   e.LetterID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func configResponse(cfg *config.Config) ConfigResponse {
	res := ConfigResponse{
		Materialization: materializationSection{
			HorizonDays:      cfg.Materialization.HorizonDays,
			MaxPostponements: cfg.Materialization.MaxPostponements,
		},
		Areas: areaSection{
			Catalog: map[string]struct {
				Description string `json:"description"`
			}{},
		},
	}
	for k, v := range cfg.Areas.Catalog {
		res.Areas.Catalog[k] = struct {
			Description string `json:"description"`
		}{Description: v.Description}
	}
	return res
}

func mapLetters(items []domain.GoalLetter) []LetterResponse {
	res := make([]LetterResponse, 0, len(items))
	for _, l := range items {
		res = append(res, letterResponse(l))
	}
	return res
}

func mapGoals(items []domain.AreaGoal) []GoalResponse {
	res := make([]GoalResponse, 0, len(items))
	for _, g := range items {
		res = append(res, goalResponse(g))
	}
	return res
}

func mapActions(items []domain.RecurringAction) []ActionResponse {
	res := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actionResponse(a))
	}
	return res
}

func mapOccurrences(items []domain.TaskOccurrence) []OccurrenceResponse {
	res := make([]OccurrenceResponse, 0, len(items))
	for _, o := range items {
		res = append(res, occurrenceResponse(o))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
