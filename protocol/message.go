// Package protocol implements the PostgreSQL frontend/backend wire protocol
// version 3 message codec: tagged frontend message types with their
// encoders, and tagged backend message types with a shared Decoder.
package protocol

import "github.com/coredrift/pgcore/buffer"

// ProtocolVersionNumber is the protocol version sent in the StartupMessage:
// major version 3, minor version 0, packed as (3<<16)|0.
const ProtocolVersionNumber int32 = 196608

// SSLRequestCode is the special "protocol version" sent in the SSL-request
// preamble before any startup message, per spec.md §6.
const SSLRequestCode int32 = 80877103

// CancelRequestCode is the special "protocol version" sent in a
// CancelRequest message.
const CancelRequestCode int32 = 80877102

// Authentication sub-message kinds, carried in the first int32 of an
// AuthenticationRequest ('R') backend message.
const (
	AuthTypeOk                = 0
	AuthTypeCleartextPassword = 3
	AuthTypeMD5Password       = 5
	AuthTypeSCMCreds          = 6
	AuthTypeGSS               = 7
	AuthTypeGSSContinue       = 8
	AuthTypeSSPI              = 9
	AuthTypeSASL              = 10
	AuthTypeSASLContinue      = 11
	AuthTypeSASLFinal         = 12
)

// TransactionStatus is the single-byte indicator carried on every
// ReadyForQuery message.
type TransactionStatus byte

const (
	TxIdle              TransactionStatus = 'I'
	TxInTransactionBlock TransactionStatus = 'T'
	TxInFailedTransaction TransactionStatus = 'E'
)

func (s TransactionStatus) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxInTransactionBlock:
		return "in transaction block"
	case TxInFailedTransaction:
		return "in failed transaction block"
	default:
		return "unknown"
	}
}

// DataRowLoadingMode controls whether DataRow/CopyData payload bytes are
// materialized eagerly, left in the buffer for lazy column reads, or
// discarded outright. See spec.md §3 and the GLOSSARY entry for "Sequential
// mode".
type DataRowLoadingMode int

const (
	// NonSequential fully materializes the row's column values on decode.
	NonSequential DataRowLoadingMode = iota
	// Sequential leaves a DataRow's payload in the Buffer for
	// column-at-a-time consumption via DataRow.NextColumn. CopyData is
	// materialized in this mode just as in NonSequential.
	Sequential
	// Skip discards the payload without exposing it to the caller.
	Skip
)

// frontendMessage, backendMessage are unexported marker methods so only
// types declared in this package can satisfy FrontendMessage/BackendMessage
// — mirroring the "closed sum type" design note in spec.md §9.
type FrontendMessage interface {
	frontendMessage()
}

type BackendMessage interface {
	backendMessage()
}

// SimpleFrontendMessage is a message whose encoded length is known up front
// and that must land contiguously within its own frame. Encode flushes the
// write buffer first if the declared length does not fit in the remaining
// space, then writes the message in one shot with no further flush allowed
// to interleave.
type SimpleFrontendMessage interface {
	FrontendMessage
	// Length returns the full encoded length of the message, including its
	// own type byte for the tagged messages (StartupMessage, SSLRequest and
	// CancelRequestMessage have none).
	Length() int32
	// writeBody writes the message, assuming Length() bytes of write space
	// have already been reserved.
	writeBody(buf *buffer.Buffer) error
}

// ChunkingFrontendMessage is a message whose encoding may span multiple
// buffer fills and may request a zero-copy direct write to the underlying
// stream, bypassing the write buffer — used for bulk COPY data and other
// large payloads (spec.md §4.2).
type ChunkingFrontendMessage interface {
	FrontendMessage
	// WriteChunk advances the message's encoding. If direct is non-nil the
	// caller must write it straight to the transport (bypassing the write
	// buffer) and call WriteChunk again. Otherwise, if done is false, the
	// caller must flush the write buffer and call WriteChunk again. done
	// is only true once nothing further remains to encode.
	WriteChunk(buf *buffer.Buffer) (done bool, direct []byte, err error)
}

// EncodeSimple reserves space for and writes a SimpleFrontendMessage.
func EncodeSimple(buf *buffer.Buffer, m SimpleFrontendMessage) error {
	if err := buf.Reserve(int(m.Length())); err != nil {
		return err
	}
	return m.writeBody(buf)
}

// EncodeChunking drives a ChunkingFrontendMessage to completion, flushing or
// writing directly as it requests.
func EncodeChunking(buf *buffer.Buffer, m ChunkingFrontendMessage) error {
	for {
		done, direct, err := m.WriteChunk(buf)
		if err != nil {
			return err
		}
		if direct != nil {
			if err := buf.WriteDirect(direct); err != nil {
				return err
			}
			continue
		}
		if done {
			return nil
		}
		if err := buf.Flush(); err != nil {
			return err
		}
	}
}

// Encode writes any FrontendMessage, dispatching to EncodeSimple or
// EncodeChunking depending on which contract it implements.
func Encode(buf *buffer.Buffer, m FrontendMessage) error {
	switch msg := m.(type) {
	case SimpleFrontendMessage:
		return EncodeSimple(buf, msg)
	case ChunkingFrontendMessage:
		return EncodeChunking(buf, msg)
	default:
		return ErrUnsupportedMessage
	}
}
