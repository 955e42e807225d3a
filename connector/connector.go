package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coredrift/pgcore/auth"
	"github.com/coredrift/pgcore/buffer"
	"github.com/coredrift/pgcore/internal/metrics"
	"github.com/coredrift/pgcore/protocol"
	"github.com/coredrift/pgcore/serverfeatures"
	"github.com/coredrift/pgcore/transport"
)

// Options configures a single Connector: the connection settings used both
// for the main transport (Open) and for any side-channel transport
// (CancelRequest, spec.md §4.5).
type Options struct {
	Host string
	Port int

	User     string
	Password string
	Database string

	ApplicationName string
	SearchPath       string

	// IsRedshift suppresses the ssl_renegotiation_limit startup parameter,
	// which Redshift's backend rejects (spec.md §4.7 step 3).
	IsRedshift bool

	SSLMode    transport.SSLMode
	TLS        transport.TLSConnector
	BufferSize int

	KrbServiceName string
	GSSProvider    auth.SaslProvider
	SASLProviders  map[string]auth.SaslProvider

	// EnableNotificationListener starts the asynchronous notification
	// listener once startup completes (spec.md §4.7 step 7, §5).
	EnableNotificationListener bool

	NoticeHandler       func(*protocol.NoticeResponse)
	NotificationHandler func(*protocol.NotificationResponse)

	// Metrics, if non-nil, records connect/auth/transfer/state observations.
	// Left nil, the Connector behaves identically but records nothing.
	Metrics *metrics.Collector
}

// Connector owns one wire-protocol session end to end: transport, codec,
// authentication, and state machine (spec.md §4.5). It is not safe for
// concurrent use by more than one goroutine at a time, except for the
// notification listener, which is coordinated via a semaphore (spec.md §5).
type Connector struct {
	opts Options

	state    State
	txStatus TxStatus

	transportConn *transport.Conn
	buf           *buffer.Buffer
	dec           *protocol.Decoder
	loadingMode   protocol.DataRowLoadingMode

	prependQueue        []protocol.FrontendMessage
	pendingRFQPrepended int
	sentRFQPrepended    int

	// messagesToSend holds user messages Add has queued for the next
	// Flush, in Add order. They are encoded only after flushPrepended has
	// written the prepended queue, so the wire order is always prepended
	// messages first, then user messages (spec.md §5 ordering guarantee).
	messagesToSend []protocol.FrontendMessage

	pendingServerErr *ServerError

	ProcessID         int32
	SecretKey         int32
	ParameterStatuses map[string]string
	Features          *serverfeatures.Features
	IsSecure          bool

	hasReader bool

	preparedCounter int
	portalCounter   int

	notifySem     sync.Mutex
	notifyDepthMu sync.Mutex
	notifyDepth   int
	listener      *notificationListener
}

// New constructs an unopened Connector. Call Open to run the startup
// sequence.
func New(opts Options) *Connector {
	return &Connector{
		opts:              opts,
		state:             Closed,
		loadingMode:       protocol.NonSequential,
		ParameterStatuses: make(map[string]string),
	}
}

// SetLoadingMode controls whether DataRow/CopyData payloads are
// materialized eagerly, left for lazy column reads, or skipped (spec.md
// §3's DataRowLoadingMode).
func (c *Connector) SetLoadingMode(mode protocol.DataRowLoadingMode) {
	c.loadingMode = mode
	if c.dec != nil {
		c.dec.SetLoadingMode(mode)
	}
}

func (c *Connector) applyParameterStatus(m *protocol.ParameterStatus) {
	c.ParameterStatuses[m.Name] = m.Value
	switch m.Name {
	case "server_version":
		if f, err := serverfeatures.Detect(m.Value); err == nil {
			if c.Features != nil {
				f.UseConformantStrings = c.Features.UseConformantStrings
			}
			c.Features = f
		}
	case "standard_conforming_strings":
		if c.Features != nil {
			c.Features.SetConformantStrings(m.Value)
		}
	}
}

// dispatchAsync invokes the configured Notice/Notification handler,
// swallowing any panic a user handler raises (spec.md §5: "user exceptions
// thrown by handlers are swallowed").
func (c *Connector) dispatchAsync(msg protocol.BackendMessage) {
	defer func() { recover() }()
	switch m := msg.(type) {
	case *protocol.NoticeResponse:
		if c.opts.NoticeHandler != nil {
			c.opts.NoticeHandler(m)
		}
	case *protocol.NotificationResponse:
		c.opts.Metrics.NotificationDispatched()
		if c.opts.NotificationHandler != nil {
			c.opts.NotificationHandler(m)
		}
	}
}

func (c *Connector) closeLingeringReader() {
	c.hasReader = false
}

// Add stages a user frontend message to be written on the next Flush, in
// the order Add was called. It does not touch the wire buffer directly —
// Flush encodes the prepended queue first and messagesToSend second, so
// the wire order is always "prepended messages first, in their prepend
// order, followed by user messages" (spec.md §5 ordering guarantee).
func (c *Connector) Add(msg protocol.FrontendMessage) error {
	if c.state != Ready && c.state != Executing {
		return &UsageError{Detail: fmt.Sprintf("Add called in state %s", c.state)}
	}
	c.messagesToSend = append(c.messagesToSend, msg)
	return nil
}

// Flush encodes any prepended setup messages first, then every message
// staged by Add, in that order, flushes the write buffer, and transitions
// Ready → Executing.
func (c *Connector) Flush() error {
	if c.state != Ready && c.state != Executing {
		return &UsageError{Detail: fmt.Sprintf("Flush called in state %s", c.state)}
	}
	if err := c.flushPrepended(); err != nil {
		c.transition(Broken)
		return err
	}
	for _, msg := range c.messagesToSend {
		if err := protocol.Encode(c.buf, msg); err != nil {
			c.messagesToSend = c.messagesToSend[:0]
			c.transition(Broken)
			return &ProtocolError{Detail: err.Error()}
		}
	}
	c.messagesToSend = c.messagesToSend[:0]
	if err := c.buf.Flush(); err != nil {
		c.transition(Broken)
		return &TransportError{Err: err}
	}
	if c.state == Ready {
		if err := c.transition(Executing); err != nil {
			return err
		}
	}
	return nil
}

// SendSingleMessage is a convenience for the common Add-then-Flush
// sequence used by simple-query callers.
func (c *Connector) SendSingleMessage(msg protocol.FrontendMessage) error {
	if err := c.Add(msg); err != nil {
		return err
	}
	return c.Flush()
}

// ReadMessage returns the next backend message visible to the caller,
// transparently draining hidden prepended-RFQ messages first (spec.md
// §4.5), applying ParameterStatus/Notice/Notification as side effects, and
// buffering a server ErrorResponse until its trailing RFQ (spec.md §7,
// taxonomy item 3) — at which point it is returned as the error alongside
// the RFQ message itself, with the Connector back in state Ready.
func (c *Connector) ReadMessage() (protocol.BackendMessage, error) {
	if c.state != Executing && c.state != Fetching && c.state != Copy {
		return nil, &UsageError{Detail: fmt.Sprintf("ReadMessage called in state %s", c.state)}
	}

	if err := c.drainPrependedRFQ(); err != nil {
		c.transition(Broken)
		return nil, err
	}

	for {
		msg, err := c.dec.Decode()
		if err != nil {
			c.transition(Broken)
			return nil, &TransportError{Err: err}
		}

		switch m := msg.(type) {
		case *protocol.ParameterStatus:
			c.applyParameterStatus(m)
			continue

		case *protocol.NoticeResponse:
			c.dispatchAsync(msg)
			continue

		case *protocol.NotificationResponse:
			c.dispatchAsync(msg)
			continue

		case *protocol.ErrorResponse:
			if m.IsFatal() {
				c.transition(Broken)
				return nil, &ServerError{Fields: m.Fields}
			}
			c.pendingServerErr = &ServerError{Fields: m.Fields}
			continue

		case *protocol.RowDescription:
			if c.state == Executing {
				if err := c.transition(Fetching); err != nil {
					return nil, err
				}
			}
			return m, nil

		case *protocol.CopyInResponse, *protocol.CopyOutResponse, *protocol.CopyBothResponse:
			if c.state == Executing {
				if err := c.transition(Copy); err != nil {
					return nil, err
				}
			}
			return m, nil

		case *protocol.ReadyForQuery:
			c.opts.Metrics.ReadyForQuery("user")
			if err := c.updateTransactionStatus(m.Status); err != nil {
				c.transition(Broken)
				return nil, err
			}
			if c.state == Fetching || c.state == Executing || c.state == Copy {
				if err := c.transition(Ready); err != nil {
					return nil, err
				}
			}
			if c.pendingServerErr != nil {
				pending := c.pendingServerErr
				c.pendingServerErr = nil
				return m, pending
			}
			return m, nil

		default:
			return m, nil
		}
	}
}

// Reset prepares a Ready connector for return to a pool: it detaches any
// in-progress transaction (prepending ROLLBACK) and queues either DISCARD
// ALL or, on servers that don't support it, UNLISTEN * plus a reset of the
// portal/prepared-statement counters — all without flushing (spec.md §4.5
// "Reset (pool return)").
func (c *Connector) Reset() error {
	if c.state != Ready {
		return &UsageError{Detail: fmt.Sprintf("Reset called in state %s", c.state)}
	}

	if c.txStatus == TxInTransactionBlock || c.txStatus == TxInFailedTransactionBlock || c.txStatus == TxPending {
		c.Prepend(&protocol.QueryMessage{SQL: "ROLLBACK"})
		c.clearTransaction()
	}

	if c.Features != nil && c.Features.SupportsDiscard {
		c.Prepend(&protocol.QueryMessage{SQL: "DISCARD ALL"})
	} else {
		c.Prepend(&protocol.QueryMessage{SQL: "UNLISTEN *"})
		c.preparedCounter = 0
		c.portalCounter = 0
	}
	return nil
}

// Close gracefully ends the session: best-effort Terminate if Ready, then
// full cleanup (spec.md §4.5 "Close").
func (c *Connector) Close() error {
	if c.state == Closed {
		return nil
	}
	if c.state == Ready {
		_ = protocol.Encode(c.buf, &protocol.TerminateMessage{})
		_ = c.buf.Flush()
	}
	c.state = Closed
	c.cleanup()
	return nil
}

// onEnterBroken runs the same cleanup as Close but without attempting a
// Terminate (spec.md §4.5 "Break").
func (c *Connector) onEnterBroken() {
	c.cleanup()
}

func (c *Connector) cleanup() {
	c.stopNotificationListener()
	if c.transportConn != nil {
		_ = c.transportConn.Close()
	}
	c.closeLingeringReader()
	c.clearTransaction()
	c.transportConn = nil
	c.buf = nil
	c.dec = nil
	c.ParameterStatuses = make(map[string]string)
	c.Features = nil
}

// CancelRequest opens a separate transport using the same connection
// settings, sends a single CancelRequest(pid, secret), and closes it. The
// Connector receiving the cancellation is left untouched (spec.md §4.5
// "Cancellation").
func (c *Connector) CancelRequest(ctx context.Context, timeout time.Duration) error {
	side, err := transport.Open(ctx, transport.Options{
		Host:       c.opts.Host,
		Port:       c.opts.Port,
		SSLMode:    c.opts.SSLMode,
		TLS:        c.opts.TLS,
		BufferSize: 32,
	}, timeout)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer side.Close()

	msg := &protocol.CancelRequestMessage{ProcessID: c.ProcessID, SecretKey: c.SecretKey}
	if err := protocol.Encode(side.Buffer, msg); err != nil {
		return &ProtocolError{Detail: err.Error()}
	}
	return side.Buffer.Flush()
}
