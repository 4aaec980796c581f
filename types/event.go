package types

// ============================================
// 事件系统
// ============================================

type EventType string

const (
	EventTowerProof        EventType = "tower-event"
	EventTowerError        EventType = "tower-error"
	EventBacklogSuccess    EventType = "backlog-success"
	EventBacklogError      EventType = "backlog-error"
	EventReconcileComplete EventType = "reconcile-complete"
)

type BaseEvent struct {
	EventType EventType
	EventData interface{}
}

func (e BaseEvent) Type() EventType   { return e.EventType }
func (e BaseEvent) Data() interface{} { return e.EventData }

// ProofEvent is the payload of EventTowerProof.
type ProofEvent struct {
	AttemptID string       `json:"attempt_id"`
	Proof     *ProofRecord `json:"proof"`
}

// ErrorEvent is the payload of EventTowerError and EventBacklogError.
type ErrorEvent struct {
	AttemptID string      `json:"attempt_id,omitempty"`
	Err       *TowerError `json:"error"`
}
