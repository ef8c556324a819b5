package chain

import (
	"fmt"
	"strings"
)

// Reason is the machine-classifiable cause of a failed node interaction.
type Reason string

const (
	ReasonNodeUnreachable        Reason = "node_unreachable"
	ReasonInsufficientGas        Reason = "insufficient_gas"
	ReasonNonceTooLow            Reason = "nonce_too_low"
	ReasonReplacementUnderpriced Reason = "replacement_underpriced"
	ReasonNodeOutOfSync          Reason = "node_out_of_sync"
	ReasonUnknown                Reason = "unknown"
)

// SubmitError is a typed node error carrying the classified reason.
type SubmitError struct {
	Reason  Reason
	Code    int
	Message string
}

func (e *SubmitError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chain node error: %s", e.Reason)
	}
	return fmt.Sprintf("chain node error (%s): %s", e.Reason, e.Message)
}

// classifyMessage maps a node error message onto a Reason. Node
// implementations phrase these differently; matching is on the stable
// substrings the major clients share.
func classifyMessage(msg string) Reason {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "intrinsic gas too low"),
		strings.Contains(m, "out of gas"),
		strings.Contains(m, "insufficient funds for gas"):
		return ReasonInsufficientGas
	case strings.Contains(m, "nonce too low"),
		strings.Contains(m, "already known"):
		return ReasonNonceTooLow
	case strings.Contains(m, "replacement transaction underpriced"),
		strings.Contains(m, "underpriced"):
		return ReasonReplacementUnderpriced
	case strings.Contains(m, "not synced"),
		strings.Contains(m, "syncing"),
		strings.Contains(m, "behind"):
		return ReasonNodeOutOfSync
	default:
		return ReasonUnknown
	}
}
