package connector

import "github.com/coredrift/pgcore/protocol"

// TxStatus is the Connector's client-side view of transaction state. It
// mirrors protocol.TransactionStatus but adds Pending, a purely
// client-side sentinel set when the caller has sent BEGIN but its own
// ReadyForQuery hasn't arrived yet (spec.md §4.5 "Transaction tracking").
type TxStatus int

const (
	TxIdle TxStatus = iota
	TxInTransactionBlock
	TxInFailedTransactionBlock
	TxPending
)

func (s TxStatus) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxInTransactionBlock:
		return "in transaction block"
	case TxInFailedTransactionBlock:
		return "in failed transaction block"
	case TxPending:
		return "pending"
	default:
		return "unknown"
	}
}

// ErrProtocolViolation is returned when a ReadyForQuery carries a
// transaction status byte other than 'I', 'T' or 'E'.
type ErrProtocolViolation struct {
	Detail string
}

func (e *ErrProtocolViolation) Error() string { return "connector: protocol violation: " + e.Detail }

// updateTransactionStatus applies one ReadyForQuery's status per spec.md
// §4.5: same status is a no-op; Idle following Pending is ignored (the
// BEGIN's own RFQ hasn't arrived yet); InTx/InFailedTx are stored directly.
// TxPending has no wire value. The decoder passes any status byte through,
// so an unrecognized one is rejected here with ErrProtocolViolation.
func (c *Connector) updateTransactionStatus(wire protocol.TransactionStatus) error {
	var next TxStatus
	switch wire {
	case protocol.TxIdle:
		next = TxIdle
	case protocol.TxInTransactionBlock:
		next = TxInTransactionBlock
	case protocol.TxInFailedTransaction:
		next = TxInFailedTransactionBlock
	default:
		return &ErrProtocolViolation{Detail: "unrecognized transaction status byte"}
	}

	if next == c.txStatus {
		return nil
	}

	if next == TxIdle {
		if c.txStatus == TxPending {
			// The BEGIN we just sent hasn't reported its own RFQ yet;
			// this Idle belongs to an earlier, already-acknowledged
			// statement. Leave txStatus as Pending.
			return nil
		}
		c.clearTransaction()
		return nil
	}

	c.txStatus = next
	return nil
}

// clearTransaction detaches any client-side transaction object and returns
// the Connector to Idle.
func (c *Connector) clearTransaction() {
	c.txStatus = TxIdle
}

// BeginPending marks that the caller has sent BEGIN and its RFQ is still
// outstanding, per the Pending/Idle-ignore edge case in spec.md §4.5.
func (c *Connector) BeginPending() { c.txStatus = TxPending }

// TransactionStatus reports the Connector's current client-side
// transaction state.
func (c *Connector) TransactionStatus() TxStatus { return c.txStatus }
