// Package transport opens the raw TCP (optionally TLS-wrapped) stream a
// Connector speaks the wire protocol over: DNS resolution bounded by a
// timeout, round-robin connect across resolved addresses, and the in-band
// SSL-request upgrade preamble.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coredrift/pgcore/buffer"
	"github.com/coredrift/pgcore/protocol"
)

// SSLMode governs whether and how the in-band TLS upgrade is attempted.
type SSLMode int

const (
	SSLDisable SSLMode = iota
	SSLPrefer
	SSLRequire
)

// ErrSSLRefused is returned when SSLMode is SSLRequire and the server
// replies 'N' to the SSL-request preamble.
var ErrSSLRefused = errors.New("transport: server refused SSL, but sslmode=require")

// IsTimeout reports whether err represents the DNS resolution or connect
// phase of Open running out of its allotted timeout, as opposed to a
// refused/reset connection or other transport failure. Callers use this to
// distinguish a TimeoutError from a plain TransportError (spec.md §7).
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Options configures Open.
type Options struct {
	Host string
	Port int

	SSLMode SSLMode
	// TLS performs the client handshake once the server has agreed to the
	// in-band upgrade ('S' reply). Required when SSLMode is not SSLDisable.
	TLS TLSConnector

	// BufferSize sizes the Framed Buffer wrapping the opened stream; 0
	// selects buffer.DefaultSize.
	BufferSize int
}

// Conn is an opened transport: a socket (possibly TLS-wrapped) with a
// Framed Buffer over it.
type Conn struct {
	raw      net.Conn
	Buffer   *buffer.Buffer
	IsSecure bool
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr reports the address actually connected to.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// SetReadDeadline sets a deadline on the underlying stream. Used by the
// notification listener to poll for available bytes without blocking
// normal operations indefinitely (see connector/notify.go).
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// NewConn wraps an already-connected stream (plaintext or already
// TLS-wrapped) in a Conn with a fresh Framed Buffer over it. Used for
// transports Open doesn't cover directly — Unix-domain sockets, or tests
// driving a Connector over net.Pipe.
func NewConn(raw net.Conn, bufferSize int) *Conn {
	if bufferSize <= 0 {
		bufferSize = buffer.DefaultSize
	}
	return &Conn{raw: raw, Buffer: buffer.New(raw, bufferSize)}
}

// Open performs raw_open(timeout) per the Transport component: DNS lookup
// bounded by the remaining timeout, round-robin TCP connect partitioning
// the remaining timeout across addresses left to try, optional in-band TLS
// upgrade, then a Framed Buffer over the resulting stream.
//
// On any failure the partially constructed stream/socket is closed in
// reverse order of construction before the error is returned.
func Open(ctx context.Context, opts Options, timeout time.Duration) (conn *Conn, err error) {
	deadline := time.Now().Add(timeout)

	addrs, err := resolve(ctx, opts.Host, deadline)
	if err != nil {
		return nil, err
	}

	raw, lastErr := dialRoundRobin(ctx, addrs, opts.Port, deadline)
	if raw == nil {
		return nil, fmt.Errorf("transport: connect to %s:%d: %w", opts.Host, opts.Port, lastErr)
	}

	defer func() {
		if err != nil {
			raw.Close()
		}
	}()

	stream := net.Conn(raw)
	isSecure := false

	if opts.SSLMode != SSLDisable {
		stream, isSecure, err = negotiateSSL(ctx, stream, opts)
		if err != nil {
			return nil, err
		}
	}

	size := opts.BufferSize
	if size <= 0 {
		size = buffer.DefaultSize
	}

	return &Conn{
		raw:      stream,
		Buffer:   buffer.New(stream, size),
		IsSecure: isSecure,
	}, nil
}

func resolve(ctx context.Context, host string, deadline time.Time) ([]net.IPAddr, error) {
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(rctx, host)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("transport: resolve %s: no addresses", host)
	}
	return addrs, nil
}

// dialRoundRobin tries each resolved address in turn, partitioning whatever
// time remains before deadline evenly across the addresses not yet tried.
// The first successful connect wins; if every address fails, the last
// address's error is returned.
func dialRoundRobin(ctx context.Context, addrs []net.IPAddr, port int, deadline time.Time) (net.Conn, error) {
	var lastErr error
	for i, addr := range addrs {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out before trying %s: %w", addr.String(), context.DeadlineExceeded)
		}
		left := len(addrs) - i
		share := remaining / time.Duration(left)

		dctx, cancel := context.WithTimeout(ctx, share)
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(dctx, "tcp", net.JoinHostPort(addr.String(), fmt.Sprint(port)))
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// negotiateSSL sends the SSL-request preamble and, if the server agrees,
// performs the TLS client handshake via opts.TLS.
func negotiateSSL(ctx context.Context, stream net.Conn, opts Options) (out net.Conn, secure bool, err error) {
	var preamble [8]byte
	preamble[3] = 8
	be := preamble[4:8]
	code := uint32(protocol.SSLRequestCode)
	be[0] = byte(code >> 24)
	be[1] = byte(code >> 16)
	be[2] = byte(code >> 8)
	be[3] = byte(code)
	if _, err := stream.Write(preamble[:]); err != nil {
		return nil, false, fmt.Errorf("transport: write SSL preamble: %w", err)
	}

	// Read the single reply byte straight off the socket, not through a
	// Framed Buffer, so a server that pipelines bytes immediately after it
	// doesn't get those bytes stranded in a buffer this function discards.
	var replyBuf [1]byte
	if _, err := io.ReadFull(stream, replyBuf[:]); err != nil {
		return nil, false, fmt.Errorf("transport: read SSL reply: %w", err)
	}
	reply := replyBuf[0]

	if reply != 'S' {
		if opts.SSLMode == SSLRequire {
			return nil, false, ErrSSLRefused
		}
		return stream, false, nil
	}

	if opts.TLS == nil {
		return nil, false, errors.New("transport: server agreed to SSL but no TLSConnector configured")
	}

	tlsConn, err := opts.TLS.ClientHandshake(ctx, stream, opts.Host)
	if err != nil {
		return nil, false, fmt.Errorf("transport: TLS handshake: %w", err)
	}
	return tlsConn, true, nil
}
