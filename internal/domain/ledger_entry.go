package domain

import "math/big"

// Settlement rails. Every unsettled debit is reserved against exactly one rail.
const (
	RailChain  = "chain"
	RailCredit = "credit"
)

// LedgerKey identifies a ledger entry by (account, asset).
type LedgerKey struct {
	AccountAddress string
	AssetAddress   string
}

// LedgerEntry is the per-(account, asset) balance record.
// Corresponds to ledger_entries table in PostgreSQL.
//
// PessimisticSettled is derived, never written independently:
//
//	(ChainSettled - ChainUnsettledDebits) + (CreditSettled - CreditUnsettledDebits)
//
// The store maintains it in the same atomic write as the raw fields.
type LedgerEntry struct {
	AccountAddress        string
	AssetAddress          string
	ChainSettled          *big.Int // confirmed on-chain balance mirror
	ChainUnsettledDebits  *big.Int // pessimistic debits not yet confirmed on-chain
	CreditSettled         *big.Int // off-chain credit rail balance
	CreditUnsettledDebits *big.Int // credit-rail debits not yet settled
	PessimisticSettled    *big.Int // derived spendable amount
	UpdatedAt             int64    // Unix timestamp in milliseconds
}

// Key returns the entry's ledger key.
func (e *LedgerEntry) Key() LedgerKey {
	return LedgerKey{AccountAddress: e.AccountAddress, AssetAddress: e.AssetAddress}
}

// LedgerDelta is a set of signed deltas for the four raw balance fields.
// Nil fields are treated as zero.
type LedgerDelta struct {
	ChainSettled          *big.Int
	ChainUnsettledDebits  *big.Int
	CreditSettled         *big.Int
	CreditUnsettledDebits *big.Int
}

// zero is a shared immutable zero value; callers must not mutate results
// derived from it.
var zero = new(big.Int)

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return zero
	}
	return v
}

// NewUnsettledDebits returns the sum of the two unsettled-debit deltas.
// A positive result means the delta reserves new pessimistic spend and the
// write must be conditioned on the pre-write pessimistic balance.
func (d LedgerDelta) NewUnsettledDebits() *big.Int {
	sum := new(big.Int).Add(orZero(d.ChainUnsettledDebits), orZero(d.CreditUnsettledDebits))
	return sum
}

// PessimisticDelta returns the change this delta causes to the derived
// pessimistic settled balance.
func (d LedgerDelta) PessimisticDelta() *big.Int {
	v := new(big.Int).Add(orZero(d.ChainSettled), orZero(d.CreditSettled))
	v.Sub(v, orZero(d.ChainUnsettledDebits))
	v.Sub(v, orZero(d.CreditUnsettledDebits))
	return v
}

// Negate returns the delta with every field sign-flipped. Used by the
// compensator to reverse a previously applied debit.
func (d LedgerDelta) Negate() LedgerDelta {
	neg := func(v *big.Int) *big.Int {
		if v == nil {
			return nil
		}
		return new(big.Int).Neg(v)
	}
	return LedgerDelta{
		ChainSettled:          neg(d.ChainSettled),
		ChainUnsettledDebits:  neg(d.ChainUnsettledDebits),
		CreditSettled:         neg(d.CreditSettled),
		CreditUnsettledDebits: neg(d.CreditUnsettledDebits),
	}
}

// IsZero reports whether every field of the delta is zero.
func (d LedgerDelta) IsZero() bool {
	return orZero(d.ChainSettled).Sign() == 0 &&
		orZero(d.ChainUnsettledDebits).Sign() == 0 &&
		orZero(d.CreditSettled).Sign() == 0 &&
		orZero(d.CreditUnsettledDebits).Sign() == 0
}

// DebitDelta builds the delta reserving amount as an unsettled debit on the
// given rail.
func DebitDelta(rail string, amount *big.Int) LedgerDelta {
	switch rail {
	case RailCredit:
		return LedgerDelta{CreditUnsettledDebits: new(big.Int).Set(amount)}
	default:
		return LedgerDelta{ChainUnsettledDebits: new(big.Int).Set(amount)}
	}
}
