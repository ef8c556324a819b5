package domain

import "math/big"

// UnsettledDebit records one pessimistic reservation applied at admission
// time. The compensator reverses each entry individually so a debit split
// across rails is rolled back symmetrically.
type UnsettledDebit struct {
	Rail           string   `json:"rail"` // RailChain | RailCredit
	AccountAddress string   `json:"accountAddress"`
	AssetAddress   string   `json:"assetAddress"`
	Amount         *big.Int `json:"amount"`
}

// Delta returns the ledger delta that reserved this debit.
func (d UnsettledDebit) Delta() LedgerDelta {
	return DebitDelta(d.Rail, d.Amount)
}

// PendingTransaction is the ephemeral record of transfer intent, keyed by
// transaction UUID. It carries everything the submission pipeline needs to
// build the on-chain call and everything the compensator needs to reverse
// the admission-time ledger deltas. Deleted once the transaction reaches a
// terminal state.
type PendingTransaction struct {
	TransactionUUID    string
	TokenID            string
	SenderAddress      string
	DestinationAddress string
	AssetAddress       string
	Payload            []byte // signed meta-transaction payload, opaque
	UnsettledDebits    []UnsettledDebit
	CreatedAt          int64 // Unix timestamp in milliseconds
}

// HasRequiredFields reports whether the record carries everything needed to
// build and submit a raw transaction. Records failing this check are
// terminally failed without a broadcast attempt.
func (p *PendingTransaction) HasRequiredFields() bool {
	return p.TransactionUUID != "" &&
		p.SenderAddress != "" &&
		p.DestinationAddress != "" &&
		len(p.Payload) > 0
}
