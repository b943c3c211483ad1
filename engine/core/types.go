package core

// Input carries the payload handed to a function invocation.
type Input map[string]any

// Output carries the result produced by a function invocation.
type Output map[string]any

// -----------------------------------------------------------------------------
// Execution Status
// -----------------------------------------------------------------------------

type StatusType string

const (
	StatusPending       StatusType = "PENDING"
	StatusRunning       StatusType = "RUNNING"
	StatusAwaitingInput StatusType = "AWAITING_INPUT"
	StatusCompleted     StatusType = "COMPLETED"
	StatusFailed        StatusType = "FAILED"
	StatusCancelled     StatusType = "CANCELLED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether the status is absorbing: no transition
// ever leaves COMPLETED, FAILED or CANCELLED.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether from→to is an edge of the execution
// state graph:
//
//	PENDING → RUNNING
//	RUNNING → COMPLETED | FAILED | AWAITING_INPUT
//	AWAITING_INPUT → RUNNING
//	any non-terminal → CANCELLED
func ValidTransition(from, to StatusType) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusAwaitingInput
	case StatusAwaitingInput:
		return to == StatusRunning
	default:
		return false
	}
}

// ValidStepStatus reports whether s may appear on a step execution.
// Nested calls cannot suspend independently of their parent.
func ValidStepStatus(s StatusType) bool {
	return s != StatusAwaitingInput
}

// -----------------------------------------------------------------------------
// Trigger Type
// -----------------------------------------------------------------------------

type TriggerType string

const (
	TriggerManual   TriggerType = "MANUAL"
	TriggerWebhook  TriggerType = "WEBHOOK"
	TriggerSchedule TriggerType = "SCHEDULE"
	TriggerEmail    TriggerType = "EMAIL"
	TriggerChat     TriggerType = "CHAT"
)

func (t TriggerType) String() string {
	return string(t)
}

func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerManual, TriggerWebhook, TriggerSchedule, TriggerEmail, TriggerChat:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Function Reference
// -----------------------------------------------------------------------------

// FunctionRef names a registered function by namespace and name.
type FunctionRef struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (f FunctionRef) String() string {
	if f.Namespace == "" {
		return f.Name
	}
	return f.Namespace + "/" + f.Name
}

func (f FunctionRef) IsZero() bool {
	return f.Name == ""
}
