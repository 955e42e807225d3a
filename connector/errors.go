package connector

import (
	"fmt"

	"github.com/coredrift/pgcore/protocol"
)

// TransportError wraps a DNS/connect/socket/TLS failure. Fatal: the
// Connector transitions to Closed (if it never left Connecting) or Broken
// (spec.md §7, taxonomy item 1).
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return "connector: transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError covers unknown message codes and ordering violations.
// Fatal; breaks the connector (spec.md §7, taxonomy item 2).
type ProtocolError struct{ Detail string }

func (e *ProtocolError) Error() string { return "connector: protocol error: " + e.Detail }

// ServerError wraps an ErrorResponse. During Connecting it surfaces
// immediately; otherwise it's buffered until the trailing RFQ. Not fatal —
// the connector remains Ready (spec.md §7, taxonomy item 3).
type ServerError struct{ Fields protocol.Fields }

func (e *ServerError) Error() string {
	return fmt.Sprintf("connector: server error [%s]: %s", e.Fields[protocol.ErrorFieldCode], e.Fields[protocol.ErrorFieldMessage])
}

func (e *ServerError) Severity() string { return e.Fields[protocol.ErrorFieldSeverity] }
func (e *ServerError) Code() string     { return e.Fields[protocol.ErrorFieldCode] }

// AuthenticationError covers an unsupported auth method or a SASL/GSS
// failure. Fatal; breaks the connector (spec.md §7, taxonomy item 4).
type AuthenticationError struct{ Err error }

func (e *AuthenticationError) Error() string { return "connector: authentication error: " + e.Err.Error() }
func (e *AuthenticationError) Unwrap() error { return e.Err }

// TimeoutError covers the DNS or connect phase during open. Fatal during
// open (spec.md §7, taxonomy item 5).
type TimeoutError struct{ Detail string }

func (e *TimeoutError) Error() string { return "connector: timeout: " + e.Detail }

// UsageError is an operation attempted in the wrong state; it's raised
// without breaking the connector (spec.md §7, taxonomy item 6).
type UsageError struct{ Detail string }

func (e *UsageError) Error() string { return "connector: usage error: " + e.Detail }
