package protocol

import "github.com/coredrift/pgcore/buffer"

// StartupMessage is the first message sent on a new connection, with no type
// byte of its own (spec.md §4.7). Parameters must include at least "user".
type StartupMessage struct {
	ProtocolVersion int32
	Parameters      map[string]string
}

func (*StartupMessage) frontendMessage() {}

func (m *StartupMessage) Length() int32 {
	n := int32(4 + 4 + 1) // length + version + trailing zero
	for k, v := range m.Parameters {
		n += int32(len(k) + 1 + len(v) + 1)
	}
	return n
}

func (m *StartupMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteInt32(m.Length()); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.ProtocolVersion); err != nil {
		return err
	}
	for k, v := range m.Parameters {
		if err := buf.WriteString(k); err != nil {
			return err
		}
		if err := buf.WriteString(v); err != nil {
			return err
		}
	}
	return buf.WriteByte(0)
}

// SSLRequest is the 8-byte preamble sent before StartupMessage to negotiate
// TLS. It has no type byte and the server replies with a single 'S' or 'N'
// byte rather than a tagged message (spec.md §6).
type SSLRequest struct{}

func (*SSLRequest) frontendMessage() {}

func (m *SSLRequest) Length() int32 { return 8 }

func (m *SSLRequest) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteInt32(8); err != nil {
		return err
	}
	return buf.WriteInt32(SSLRequestCode)
}

// CancelRequestMessage is sent on a fresh side-channel connection to abort a
// running query (spec.md §4.5 "Cancellation").
type CancelRequestMessage struct {
	ProcessID int32
	SecretKey int32
}

func (*CancelRequestMessage) frontendMessage() {}

func (m *CancelRequestMessage) Length() int32 { return 16 }

func (m *CancelRequestMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteInt32(16); err != nil {
		return err
	}
	if err := buf.WriteInt32(CancelRequestCode); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.ProcessID); err != nil {
		return err
	}
	return buf.WriteInt32(m.SecretKey)
}

// PasswordMessage carries a cleartext, MD5-hashed, or SASL response payload
// depending on which AuthenticationRequest it answers.
type PasswordMessage struct {
	Payload []byte
}

func (*PasswordMessage) frontendMessage() {}

func (m *PasswordMessage) Length() int32 { return int32(4 + 1 + len(m.Payload)) }

func (m *PasswordMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('p'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	return buf.WriteBytes(m.Payload)
}

// SASLInitialResponseMessage is the 'p' message carrying a chosen SASL
// mechanism name and its initial client response (spec.md §4.4 EXPANSION).
type SASLInitialResponseMessage struct {
	Mechanism string
	Response  []byte
}

func (*SASLInitialResponseMessage) frontendMessage() {}

func (m *SASLInitialResponseMessage) Length() int32 {
	return int32(4 + 1 + len(m.Mechanism) + 1 + 4 + len(m.Response))
}

func (m *SASLInitialResponseMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('p'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	if err := buf.WriteString(m.Mechanism); err != nil {
		return err
	}
	if m.Response == nil {
		return buf.WriteInt32(-1)
	}
	if err := buf.WriteInt32(int32(len(m.Response))); err != nil {
		return err
	}
	return buf.WriteBytes(m.Response)
}

// SASLResponseMessage is the 'p' message carrying a subsequent SASL
// client-final (or intermediate) response with no mechanism name prefix.
type SASLResponseMessage struct {
	Response []byte
}

func (*SASLResponseMessage) frontendMessage() {}

func (m *SASLResponseMessage) Length() int32 { return int32(4 + 1 + len(m.Response)) }

func (m *SASLResponseMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('p'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	return buf.WriteBytes(m.Response)
}

// QueryMessage runs a simple-query-protocol statement, possibly containing
// multiple ';'-separated statements.
type QueryMessage struct {
	SQL string
}

func (*QueryMessage) frontendMessage() {}

func (m *QueryMessage) Length() int32 { return int32(1 + 4 + len(m.SQL) + 1) }

func (m *QueryMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('Q'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	return buf.WriteString(m.SQL)
}

// ParseMessage creates a prepared statement as part of the extended query
// protocol (spec.md §1, GLOSSARY "Extended query protocol").
type ParseMessage struct {
	StatementName string
	SQL           string
	ParameterOIDs []int32
}

func (*ParseMessage) frontendMessage() {}

func (m *ParseMessage) Length() int32 {
	return int32(1 + 4 + len(m.StatementName) + 1 + len(m.SQL) + 1 + 2 + 4*len(m.ParameterOIDs))
}

func (m *ParseMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('P'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	if err := buf.WriteString(m.StatementName); err != nil {
		return err
	}
	if err := buf.WriteString(m.SQL); err != nil {
		return err
	}
	if err := buf.WriteInt16(int16(len(m.ParameterOIDs))); err != nil {
		return err
	}
	for _, oid := range m.ParameterOIDs {
		if err := buf.WriteInt32(oid); err != nil {
			return err
		}
	}
	return nil
}

// FormatCode selects text (0) or binary (1) wire encoding for a bound
// parameter or result column.
type FormatCode int16

const (
	FormatText   FormatCode = 0
	FormatBinary FormatCode = 1
)

// BindMessage binds parameter values to a prepared statement, producing a
// portal.
type BindMessage struct {
	PortalName     string
	StatementName  string
	ParameterCodes []FormatCode
	Parameters     [][]byte // nil entry means SQL NULL
	ResultCodes    []FormatCode
}

func (*BindMessage) frontendMessage() {}

func (m *BindMessage) Length() int32 {
	n := int32(1 + 4 + len(m.PortalName) + 1 + len(m.StatementName) + 1)
	n += 2 + 2*int32(len(m.ParameterCodes))
	n += 2
	for _, p := range m.Parameters {
		n += 4
		if p != nil {
			n += int32(len(p))
		}
	}
	n += 2 + 2*int32(len(m.ResultCodes))
	return n
}

func (m *BindMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('B'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	if err := buf.WriteString(m.PortalName); err != nil {
		return err
	}
	if err := buf.WriteString(m.StatementName); err != nil {
		return err
	}
	if err := buf.WriteInt16(int16(len(m.ParameterCodes))); err != nil {
		return err
	}
	for _, c := range m.ParameterCodes {
		if err := buf.WriteInt16(int16(c)); err != nil {
			return err
		}
	}
	if err := buf.WriteInt16(int16(len(m.Parameters))); err != nil {
		return err
	}
	for _, p := range m.Parameters {
		if p == nil {
			if err := buf.WriteInt32(-1); err != nil {
				return err
			}
			continue
		}
		if err := buf.WriteInt32(int32(len(p))); err != nil {
			return err
		}
		if err := buf.WriteBytes(p); err != nil {
			return err
		}
	}
	if err := buf.WriteInt16(int16(len(m.ResultCodes))); err != nil {
		return err
	}
	for _, c := range m.ResultCodes {
		if err := buf.WriteInt16(int16(c)); err != nil {
			return err
		}
	}
	return nil
}

// DescribeTarget selects whether a Describe/Close message targets a
// statement ('S') or a portal ('P').
type DescribeTarget byte

const (
	DescribeStatement DescribeTarget = 'S'
	DescribePortal    DescribeTarget = 'P'
)

// DescribeMessage requests a statement or portal's parameter/result
// descriptions.
type DescribeMessage struct {
	Target DescribeTarget
	Name   string
}

func (*DescribeMessage) frontendMessage() {}

func (m *DescribeMessage) Length() int32 { return int32(1 + 4 + 1 + len(m.Name) + 1) }

func (m *DescribeMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('D'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(m.Target)); err != nil {
		return err
	}
	return buf.WriteString(m.Name)
}

// CloseMessage closes a prepared statement or portal, releasing it early.
type CloseMessage struct {
	Target DescribeTarget
	Name   string
}

func (*CloseMessage) frontendMessage() {}

func (m *CloseMessage) Length() int32 { return int32(1 + 4 + 1 + len(m.Name) + 1) }

func (m *CloseMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('C'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(m.Target)); err != nil {
		return err
	}
	return buf.WriteString(m.Name)
}

// ExecuteMessage runs a bound portal, optionally limiting the number of rows
// returned before a PortalSuspended.
type ExecuteMessage struct {
	PortalName string
	MaxRows    int32 // 0 means "no limit"
}

func (*ExecuteMessage) frontendMessage() {}

func (m *ExecuteMessage) Length() int32 { return int32(1 + 4 + len(m.PortalName) + 1 + 4) }

func (m *ExecuteMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('E'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	if err := buf.WriteString(m.PortalName); err != nil {
		return err
	}
	return buf.WriteInt32(m.MaxRows)
}

// FlushMessage requests the backend send any pending results without a full
// transaction-ending Sync.
type FlushMessage struct{}

func (*FlushMessage) frontendMessage() {}

func (m *FlushMessage) Length() int32 { return 5 }

func (m *FlushMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('H'); err != nil {
		return err
	}
	return buf.WriteInt32(4)
}

// SyncMessage closes out an extended-query round trip, returning the
// connector to Ready and eliciting a ReadyForQuery (spec.md §4.5 state
// machine).
type SyncMessage struct{}

func (*SyncMessage) frontendMessage() {}

func (m *SyncMessage) Length() int32 { return 5 }

func (m *SyncMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('S'); err != nil {
		return err
	}
	return buf.WriteInt32(4)
}

// TerminateMessage gracefully ends the session.
type TerminateMessage struct{}

func (*TerminateMessage) frontendMessage() {}

func (m *TerminateMessage) Length() int32 { return 5 }

func (m *TerminateMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('X'); err != nil {
		return err
	}
	return buf.WriteInt32(4)
}

// CopyDataMessage carries one chunk of COPY payload. It implements
// ChunkingFrontendMessage rather than SimpleFrontendMessage: large chunks
// (typically whole CopyData rows assembled by the caller) are written
// straight to the transport via buffer.Buffer.WriteDirect, the zero-copy
// escape hatch described in spec.md §4.2, instead of being staged through
// the write buffer twice.
type CopyDataMessage struct {
	Data []byte

	wroteHeader bool
	wroteBody   bool
}

func (*CopyDataMessage) frontendMessage() {}

// directThreshold is the payload size above which CopyData bypasses the
// write buffer entirely rather than copying through it.
const directThreshold = 4096

func (m *CopyDataMessage) WriteChunk(buf *buffer.Buffer) (done bool, direct []byte, err error) {
	if !m.wroteHeader {
		if err := buf.WriteByte('d'); err != nil {
			return false, nil, err
		}
		if err := buf.WriteInt32(int32(4 + len(m.Data))); err != nil {
			return false, nil, err
		}
		m.wroteHeader = true
		if len(m.Data) == 0 {
			return true, nil, nil
		}
		if len(m.Data) > directThreshold {
			return false, m.Data, nil
		}
		if err := buf.WriteBytes(m.Data); err != nil {
			return false, nil, err
		}
		return true, nil, nil
	}
	if !m.wroteBody {
		m.wroteBody = true
		return true, nil, nil
	}
	return true, nil, nil
}

// CopyDoneMessage signals normal end of a COPY-in data stream.
type CopyDoneMessage struct{}

func (*CopyDoneMessage) frontendMessage() {}

func (m *CopyDoneMessage) Length() int32 { return 5 }

func (m *CopyDoneMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('c'); err != nil {
		return err
	}
	return buf.WriteInt32(4)
}

// CopyFailMessage aborts a COPY-in data stream with an explanatory message,
// causing the server to fail the copy with that text as the error detail.
type CopyFailMessage struct {
	Reason string
}

func (*CopyFailMessage) frontendMessage() {}

func (m *CopyFailMessage) Length() int32 { return int32(1 + 4 + len(m.Reason) + 1) }

func (m *CopyFailMessage) writeBody(buf *buffer.Buffer) error {
	if err := buf.WriteByte('f'); err != nil {
		return err
	}
	if err := buf.WriteInt32(m.Length() - 1); err != nil {
		return err
	}
	return buf.WriteString(m.Reason)
}
