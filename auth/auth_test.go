package auth

import (
	"fmt"
	"net"
	"testing"

	"github.com/coredrift/pgcore/buffer"
	"github.com/coredrift/pgcore/protocol"
)

// TestMD5PasswordVector exercises the testable property from spec.md §8:
// user="u", password="p", salt=0x01020304.
func TestMD5PasswordVector(t *testing.T) {
	got := md5Password("u", "p", [4]byte{0x01, 0x02, 0x03, 0x04})
	if len(got) != 3+32 || got[:3] != "md5" {
		t.Fatalf("md5Password format = %q", got)
	}
	// md5hex(md5hex("pu") + "\x01\x02\x03\x04"), computed independently.
	const want = "md5facdc455923b0a58efea84a6d9ee0e76"
	if got != want {
		t.Fatalf("md5Password = %q, want %q", got, want)
	}
}

func pipePair(t *testing.T) (client, server *buffer.Buffer) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return buffer.New(c, 4096), buffer.New(s, 4096)
}

func writeAuth(t *testing.T, buf *buffer.Buffer, kind int32, payload []byte) {
	t.Helper()
	if err := buf.WriteByte('R'); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if err := buf.WriteInt32(int32(4 + 4 + len(payload))); err != nil {
		t.Fatalf("WriteInt32: %v", err)
	}
	if err := buf.WriteInt32(kind); err != nil {
		t.Fatalf("WriteInt32 kind: %v", err)
	}
	if len(payload) > 0 {
		if err := buf.WriteBytes(payload); err != nil {
			t.Fatalf("WriteBytes: %v", err)
		}
	}
	if err := buf.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

// readPasswordMessage reads one 'p' frame sent by the client and returns its
// payload. protocol.Decoder only decodes backend messages, so the frontend
// frame is read field by field here.
func readPasswordMessage(buf *buffer.Buffer) ([]byte, error) {
	tag, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	if tag != 'p' {
		return nil, fmt.Errorf("tag = %q, want 'p'", tag)
	}
	n, err := buf.ReadInt32()
	if err != nil {
		return nil, err
	}
	return buf.ReadBytes(int(n) - 4)
}

func writeReadyForQuery(t *testing.T, buf *buffer.Buffer, status byte) {
	t.Helper()
	if err := buf.WriteByte('Z'); err != nil {
		t.Fatalf("WriteByte: %v", err)
	}
	if err := buf.WriteInt32(5); err != nil {
		t.Fatalf("WriteInt32: %v", err)
	}
	if err := buf.WriteByte(status); err != nil {
		t.Fatalf("WriteByte status: %v", err)
	}
	if err := buf.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestAuthenticateCleartextThenReadyForQuery(t *testing.T) {
	client, server := pipePair(t)

	serverDone := make(chan error, 1)
	go func() {
		writeAuth(t, server, protocol.AuthTypeCleartextPassword, nil)

		payload, err := readPasswordMessage(server)
		if err != nil {
			serverDone <- err
			return
		}
		if string(payload) != "secret" {
			serverDone <- nil
			return
		}

		writeAuth(t, server, protocol.AuthTypeOk, nil)
		writeReadyForQuery(t, server, 'I')
		serverDone <- nil
	}()

	dec := protocol.NewDecoder(client, protocol.NonSequential)
	result, err := Authenticate(client, dec, Params{User: "u", Password: "secret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.TransactionStatus != protocol.TxIdle {
		t.Fatalf("TransactionStatus = %v, want Idle", result.TransactionStatus)
	}
	if result.Mechanism != "cleartext" {
		t.Fatalf("Mechanism = %q, want %q", result.Mechanism, "cleartext")
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestAuthenticateMD5ThenReadyForQuery(t *testing.T) {
	client, server := pipePair(t)
	salt := [4]byte{1, 2, 3, 4}
	want := md5Password("u", "secret", salt)

	serverDone := make(chan error, 1)
	go func() {
		writeAuth(t, server, protocol.AuthTypeMD5Password, salt[:])

		payload, err := readPasswordMessage(server)
		if err != nil {
			serverDone <- err
			return
		}
		if string(payload) != want {
			serverDone <- nil
			return
		}

		writeAuth(t, server, protocol.AuthTypeOk, nil)
		writeReadyForQuery(t, server, 'I')
		serverDone <- nil
	}()

	dec := protocol.NewDecoder(client, protocol.NonSequential)
	result, err := Authenticate(client, dec, Params{User: "u", Password: "secret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.Mechanism != "md5" {
		t.Fatalf("Mechanism = %q, want %q", result.Mechanism, "md5")
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestAuthenticateErrorResponseDuringConnecting(t *testing.T) {
	client, server := pipePair(t)

	serverDone := make(chan error, 1)
	go func() {
		body := []byte{}
		body = append(body, 'S')
		body = append(body, "FATAL\x00"...)
		body = append(body, 'M')
		body = append(body, "password authentication failed\x00"...)
		body = append(body, 0)

		if err := server.WriteByte('E'); err != nil {
			serverDone <- err
			return
		}
		if err := server.WriteInt32(int32(4 + len(body))); err != nil {
			serverDone <- err
			return
		}
		if err := server.WriteBytes(body); err != nil {
			serverDone <- err
			return
		}
		serverDone <- server.Flush()
	}()

	dec := protocol.NewDecoder(client, protocol.NonSequential)
	_, err := Authenticate(client, dec, Params{User: "u", Password: "wrong"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var authErr *PgAuthError
	if !asPgAuthError(err, &authErr) {
		t.Fatalf("got %T (%v), want *PgAuthError", err, err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func asPgAuthError(err error, target **PgAuthError) bool {
	if e, ok := err.(*PgAuthError); ok {
		*target = e
		return true
	}
	return false
}
