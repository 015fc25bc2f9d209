package domain

// Goal letter lifecycle states.
const (
	LetterDraft            = "draft"
	LetterUnderReview      = "under_review"
	LetterApproved         = "approved"
	LetterChangesRequested = "changes_requested"
)

// Evidence statuses for a task occurrence.
const (
	EvidenceNotRequired = "not_required"
	EvidenceNone        = "none"
	EvidencePending     = "pending"
	EvidenceApproved    = "approved"
	EvidenceRejected    = "rejected"
)

// Evidence events accepted by the engine.
const (
	EvidenceEventSubmit  = "submit"
	EvidenceEventApprove = "approve"
	EvidenceEventReject  = "reject"
)

type GoalLetter struct {
	ID         string  `json:"id"`
	PersonID   string  `json:"person_id"`
	Status     string  `json:"status" enum:"draft,under_review,approved,changes_requested"`
	ApprovedAt *string `json:"approved_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type AreaGoal struct {
	ID        string `json:"id"`
	LetterID  string `json:"letter_id"`
	Area      string `json:"area"`
	Target    string `json:"target"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type RecurringAction struct {
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

// TaskOccurrence is one dated instance of a recurring action. PersonID and
// LetterID are denormalized for range queries. The (ActionID, DueDate) pair
// is unique in storage and serves as the materialization idempotency key.
type TaskOccurrence struct {
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

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	LetterID   string `json:"letter_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
