package domain

// TxStatus is the lifecycle status of a submitted transfer attempt.
type TxStatus string

// Status state machine:
//
//	ReadyToStart → Submitted → (Confirmed | Failed* | TerminallyFailed)
//
// Failed* statuses map one-to-one to the node's submission-error
// classification and are read by the external retry scheduler.
const (
	TxStatusReadyToStart TxStatus = "ready_to_start"
	TxStatusSubmitted    TxStatus = "submitted"
	TxStatusConfirmed    TxStatus = "confirmed"

	TxStatusFailedNodeUnreachable        TxStatus = "failed_node_unreachable"
	TxStatusFailedInsufficientGas        TxStatus = "failed_insufficient_gas"
	TxStatusFailedNonceTooLow            TxStatus = "failed_nonce_too_low"
	TxStatusFailedReplacementUnderpriced TxStatus = "failed_replacement_underpriced"
	TxStatusFailedNodeOutOfSync          TxStatus = "failed_node_out_of_sync"
	TxStatusFailedUnknown                TxStatus = "failed_unknown"
	TxStatusFailedMissingData            TxStatus = "failed_missing_data"

	TxStatusTerminallyFailed TxStatus = "terminally_failed"
)

// RetryableFailureStatuses are the submission failures an external scheduler
// may re-attempt before they are handed to the compensator.
var RetryableFailureStatuses = []TxStatus{
	TxStatusFailedNodeUnreachable,
	TxStatusFailedInsufficientGas,
	TxStatusFailedNonceTooLow,
	TxStatusFailedReplacementUnderpriced,
	TxStatusFailedNodeOutOfSync,
	TxStatusFailedUnknown,
}

// IsTerminal reports whether the status is an end state.
func (s TxStatus) IsTerminal() bool {
	return s == TxStatusConfirmed || s == TxStatusTerminallyFailed
}

// TransactionMeta is one row per submitted transfer attempt.
// Rows are archived, never hard-deleted, for audit.
//
// A row with a non-nil LockID is owned by exactly one in-flight processing
// batch; only the owner may clear it. The lock is a lease, not a permanent
// claim: LockAcquiredAt records when it was taken, and a lock older than the
// store's lease bound may be taken over, so a holder that died mid-batch
// cannot strand the row.
type TransactionMeta struct {
	TransactionUUID string
	TokenID         string
	SenderAddress   string
	SenderNonce     *uint64 // nil until a nonce is reserved
	TransactionHash *string // nil until broadcast
	Status          TxStatus
	LockID          *string // advisory batch lock, nil when unowned
	LockAcquiredAt  *int64  // lease start in Unix milliseconds, nil when unowned
	RetryCount      int
	NextActionAt    int64 // Unix timestamp in milliseconds
	CreatedAt       int64
	UpdatedAt       int64
}
