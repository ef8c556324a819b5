package domain

// TransferQueued is the work item published to the transfer queue when a
// transfer is admitted. The submission pipeline resolves everything else
// from the pending-transaction record.
type TransferQueued struct {
	TransactionUUID string `json:"transactionUuid"`
	TokenID         string `json:"tokenId"`
	SenderAddress   string `json:"senderAddress"`
}
