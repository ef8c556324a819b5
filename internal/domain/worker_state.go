package domain

// WorkerStatus is the coordination state of one worker slot.
type WorkerStatus string

const (
	// WorkerNormal: consuming its assigned queue.
	WorkerNormal WorkerStatus = "normal"
	// WorkerBlocking: this worker detected a condition that makes it unsafe
	// for siblings sharing the address pool to keep submitting.
	WorkerBlocking WorkerStatus = "blocking"
	// WorkerOnHold: paused because a sibling is blocking.
	WorkerOnHold WorkerStatus = "on_hold"
)

// WorkerProcessState is one row per (token, worker slot). Status changes go
// through a version-stamped compare-and-set so a concurrently delivered
// command can never overwrite a state it did not observe.
type WorkerProcessState struct {
	TokenID         string
	WorkerSlotID    string
	Status          WorkerStatus
	AssignedQueueID *string // nil while the slot is unassigned
	Version         int64   // bumped on every successful status write
	UpdatedAt       int64   // Unix timestamp in milliseconds
}

// Worker-control command kinds, published to the per-pool control topic.
const (
	CommandGoOnHold                     = "goOnHold"
	CommandGoToOriginal                 = "goToOriginal"
	CommandMarkBlockingToOriginalStatus = "markBlockingToOriginalStatus"
)

// WorkerCommand is the control message shape exposed to operations tooling.
type WorkerCommand struct {
	WorkerSlotID string `json:"workerSlotId"`
	TokenID      string `json:"tokenId"`
	CommandKind  string `json:"commandKind"`
}
