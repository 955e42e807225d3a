package connector

import (
	"fmt"

	"github.com/coredrift/pgcore/protocol"
)

// Prepend enqueues a "setup" message ahead of the caller's next message
// chain (ROLLBACK, DISCARD ALL, UNLISTEN *, SET statement_timeout, ...).
// Only messages that elicit their own ReadyForQuery are tracked in
// pendingRFQPrepended (spec.md §4.5 "Prepended messages").
func (c *Connector) Prepend(msg protocol.FrontendMessage) {
	c.prependQueue = append(c.prependQueue, msg)
	if elicitsReadyForQuery(msg) {
		c.pendingRFQPrepended++
	}
}

func elicitsReadyForQuery(msg protocol.FrontendMessage) bool {
	switch msg.(type) {
	case *protocol.QueryMessage, *protocol.SyncMessage:
		return true
	default:
		return false
	}
}

// flushPrepended writes every queued prepended message and transfers the
// pending RFQ count into sentRFQPrepended, per spec.md §4.5: "On flush, the
// count is transferred into sent_rfq_prepended."
func (c *Connector) flushPrepended() error {
	for _, msg := range c.prependQueue {
		if err := protocol.Encode(c.buf, msg); err != nil {
			return fmt.Errorf("connector: encoding prepended message: %w", err)
		}
	}
	c.prependQueue = c.prependQueue[:0]
	c.sentRFQPrepended += c.pendingRFQPrepended
	c.pendingRFQPrepended = 0
	return nil
}

// drainPrependedRFQ consumes exactly sentRFQPrepended ReadyForQuery
// messages (and whatever precedes each in Skip mode) before the caller's
// first real result is allowed to surface, making prepended setup
// invisible to callers while respecting protocol order (spec.md §4.5).
func (c *Connector) drainPrependedRFQ() error {
	if c.sentRFQPrepended == 0 {
		return nil
	}

	prevMode := c.loadingMode
	c.dec.SetLoadingMode(protocol.Skip)
	defer c.dec.SetLoadingMode(prevMode)

	for c.sentRFQPrepended > 0 {
		msg, err := c.dec.Decode()
		if err != nil {
			return fmt.Errorf("connector: draining prepended messages: %w", err)
		}
		switch m := msg.(type) {
		case *protocol.ReadyForQuery:
			c.opts.Metrics.ReadyForQuery("prepended")
			c.sentRFQPrepended--
			if err := c.updateTransactionStatus(m.Status); err != nil {
				return err
			}
		case *protocol.ErrorResponse:
			if m.IsFatal() {
				return &ServerError{Fields: m.Fields}
			}
			// Non-fatal errors from a prepended statement (e.g. a
			// ROLLBACK with nothing to roll back) are swallowed; the
			// prepended RFQ still needs draining.
		case *protocol.ParameterStatus:
			c.applyParameterStatus(m)
		case *protocol.NoticeResponse, *protocol.NotificationResponse:
			c.dispatchAsync(msg)
		default:
			// CommandComplete / EmptyQueryResponse / etc. from the
			// prepended statement itself — nothing to surface.
		}
	}
	return nil
}
