package marketplace

import "time"

// Action identifies a user-initiated mutating operation.
type Action string

const (
	ActionCreate   Action = "create"
	ActionPurchase Action = "purchase"
	ActionRetire   Action = "retire"
)

// Actions lists every action kind.
var Actions = []Action{ActionCreate, ActionPurchase, ActionRetire}

// State is a step of an action's lifecycle.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateSubmitting
	StateAwaitingConfirmation
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transition is emitted to observers on every state change.
type Transition struct {
	OperationID string
	Action      Action
	From        State
	To          State
	TxHash      string
	Err         error
	At          time.Time
}

// Observer receives transitions. It is called synchronously, outside the
// orchestrator's lock, and should not block. A panic in an observer is
// recovered and logged.
type Observer func(Transition)

// Status describes an action kind: its current state and how the last
// completed run ended.
type Status struct {
	Action      Action    `json:"action"`
	State       State     `json:"state"`
	OperationID string    `json:"operationId,omitempty"`
	LastOutcome State     `json:"lastOutcome"`
	LastError   string    `json:"lastError,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Receipt is returned by a mutating operation whose transaction was
// confirmed.
type Receipt struct {
	OperationID    string `json:"operationId"`
	Action         Action `json:"action"`
	Index          int    `json:"index"`
	TxHash         string `json:"txHash"`
	ApprovalTxHash string `json:"approvalTxHash,omitempty"`
}
