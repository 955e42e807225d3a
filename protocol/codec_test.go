package protocol

import (
	"net"
	"testing"

	"github.com/coredrift/pgcore/buffer"
)

func pipePair(t *testing.T) (client, server *buffer.Buffer) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return buffer.New(c, 4096), buffer.New(s, 4096)
}

func TestStartupMessageRoundTrip(t *testing.T) {
	client, server := pipePair(t)

	msg := &StartupMessage{
		ProtocolVersion: ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "alice"},
	}

	done := make(chan error, 1)
	go func() {
		if err := Encode(client, msg); err != nil {
			done <- err
			return
		}
		done <- client.Flush()
	}()

	length, err := server.ReadInt32()
	if err != nil {
		t.Fatalf("ReadInt32 length: %v", err)
	}
	if length != msg.Length() {
		t.Fatalf("length = %d, want %d", length, msg.Length())
	}
	version, err := server.ReadInt32()
	if err != nil {
		t.Fatalf("ReadInt32 version: %v", err)
	}
	if version != ProtocolVersionNumber {
		t.Fatalf("version = %d, want %d", version, ProtocolVersionNumber)
	}
	key, err := server.ReadNullTerminatedString()
	if err != nil {
		t.Fatalf("ReadNullTerminatedString key: %v", err)
	}
	if key != "user" {
		t.Fatalf("key = %q, want %q", key, "user")
	}
	value, err := server.ReadNullTerminatedString()
	if err != nil {
		t.Fatalf("ReadNullTerminatedString value: %v", err)
	}
	if value != "alice" {
		t.Fatalf("value = %q, want %q", value, "alice")
	}
	term, err := server.ReadByte()
	if err != nil {
		t.Fatalf("ReadByte terminator: %v", err)
	}
	if term != 0 {
		t.Fatalf("terminator = %d, want 0", term)
	}
	if err := <-done; err != nil {
		t.Fatalf("Encode: %v", err)
	}
}

func TestQueryMessageWireFormat(t *testing.T) {
	client, server := pipePair(t)

	done := make(chan error, 1)
	go func() {
		if err := Encode(client, &QueryMessage{SQL: "select 1"}); err != nil {
			done <- err
			return
		}
		done <- client.Flush()
	}()

	tag, err := server.ReadByte()
	if err != nil {
		t.Fatalf("ReadByte tag: %v", err)
	}
	if tag != 'Q' {
		t.Fatalf("tag = %q, want 'Q'", tag)
	}
	length, err := server.ReadInt32()
	if err != nil {
		t.Fatalf("ReadInt32 length: %v", err)
	}
	if length != int32(4+len("select 1")+1) {
		t.Fatalf("length = %d, want %d", length, 4+len("select 1")+1)
	}
	sql, err := server.ReadNullTerminatedString()
	if err != nil {
		t.Fatalf("ReadNullTerminatedString: %v", err)
	}
	if sql != "select 1" {
		t.Fatalf("sql = %q, want %q", sql, "select 1")
	}
	if err := <-done; err != nil {
		t.Fatalf("Encode: %v", err)
	}
}

func TestCommandCompleteRoundTrip(t *testing.T) {
	client, server := pipePair(t)

	done := make(chan error, 1)
	go func() {
		buf := client
		if err := buf.WriteByte('C'); err != nil {
			done <- err
			return
		}
		tag := "SELECT 1"
		if err := buf.WriteInt32(int32(4 + len(tag) + 1)); err != nil {
			done <- err
			return
		}
		if err := buf.WriteString(tag); err != nil {
			done <- err
			return
		}
		done <- buf.Flush()
	}()

	dec := NewDecoder(server, NonSequential)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}

	cc, ok := msg.(*CommandComplete)
	if !ok {
		t.Fatalf("got %T, want *CommandComplete", msg)
	}
	if cc.Tag != "SELECT 1" {
		t.Fatalf("Tag = %q, want %q", cc.Tag, "SELECT 1")
	}
}

func TestAuthenticationMD5PasswordDecode(t *testing.T) {
	client, server := pipePair(t)

	salt := [4]byte{1, 2, 3, 4}
	done := make(chan error, 1)
	go func() {
		buf := client
		if err := buf.WriteByte('R'); err != nil {
			done <- err
			return
		}
		if err := buf.WriteInt32(12); err != nil {
			done <- err
			return
		}
		if err := buf.WriteInt32(AuthTypeMD5Password); err != nil {
			done <- err
			return
		}
		if err := buf.WriteBytes(salt[:]); err != nil {
			done <- err
			return
		}
		done <- buf.Flush()
	}()

	dec := NewDecoder(server, NonSequential)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}

	auth, ok := msg.(*AuthenticationMD5Password)
	if !ok {
		t.Fatalf("got %T, want *AuthenticationMD5Password", msg)
	}
	if auth.Salt != salt {
		t.Fatalf("Salt = %v, want %v", auth.Salt, salt)
	}
}

func TestErrorResponseFields(t *testing.T) {
	client, server := pipePair(t)

	body := []byte{}
	body = append(body, 'S')
	body = append(body, "FATAL\x00"...)
	body = append(body, 'C')
	body = append(body, "28000\x00"...)
	body = append(body, 'M')
	body = append(body, "password authentication failed\x00"...)
	body = append(body, 0)

	done := make(chan error, 1)
	go func() {
		buf := client
		if err := buf.WriteByte('E'); err != nil {
			done <- err
			return
		}
		if err := buf.WriteInt32(int32(4 + len(body))); err != nil {
			done <- err
			return
		}
		if err := buf.WriteBytes(body); err != nil {
			done <- err
			return
		}
		done <- buf.Flush()
	}()

	dec := NewDecoder(server, NonSequential)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}

	errResp, ok := msg.(*ErrorResponse)
	if !ok {
		t.Fatalf("got %T, want *ErrorResponse", msg)
	}
	if !errResp.IsFatal() {
		t.Fatalf("IsFatal() = false, want true for severity %q", errResp.Severity())
	}
	if errResp.Code() != "28000" {
		t.Fatalf("Code() = %q, want 28000", errResp.Code())
	}
	if errResp.Message() != "password authentication failed" {
		t.Fatalf("Message() = %q", errResp.Message())
	}
}

func TestDataRowSequentialMode(t *testing.T) {
	client, server := pipePair(t)

	done := make(chan error, 1)
	go func() {
		buf := client
		if err := buf.WriteByte('D'); err != nil {
			done <- err
			return
		}
		// 2 columns: "ab" and NULL
		length := int32(4 + 2 + (4 + 2) + 4)
		if err := buf.WriteInt32(length); err != nil {
			done <- err
			return
		}
		if err := buf.WriteInt16(2); err != nil {
			done <- err
			return
		}
		if err := buf.WriteInt32(2); err != nil {
			done <- err
			return
		}
		if err := buf.WriteBytes([]byte("ab")); err != nil {
			done <- err
			return
		}
		if err := buf.WriteInt32(-1); err != nil {
			done <- err
			return
		}
		done <- buf.Flush()
	}()

	dec := NewDecoder(server, Sequential)
	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	row, ok := msg.(*DataRow)
	if !ok {
		t.Fatalf("got %T, want *DataRow", msg)
	}

	v1, ok1, err := row.NextColumn()
	if err != nil {
		t.Fatalf("NextColumn 1: %v", err)
	}
	if !ok1 || string(v1) != "ab" {
		t.Fatalf("column 1 = %q, ok=%v", v1, ok1)
	}

	v2, ok2, err := row.NextColumn()
	if err != nil {
		t.Fatalf("NextColumn 2: %v", err)
	}
	if !ok2 || v2 != nil {
		t.Fatalf("column 2 = %q, ok=%v, want NULL", v2, ok2)
	}

	_, ok3, err := row.NextColumn()
	if err != nil {
		t.Fatalf("NextColumn 3: %v", err)
	}
	if ok3 {
		t.Fatalf("expected no third column")
	}

	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestUnknownMessageType(t *testing.T) {
	client, server := pipePair(t)

	done := make(chan error, 1)
	go func() {
		buf := client
		if err := buf.WriteByte('~'); err != nil {
			done <- err
			return
		}
		if err := buf.WriteInt32(4); err != nil {
			done <- err
			return
		}
		done <- buf.Flush()
	}()

	dec := NewDecoder(server, NonSequential)
	_, err := dec.Decode()
	if _, ok := err.(*ErrUnknownMessageType); !ok {
		t.Fatalf("got %T (%v), want *ErrUnknownMessageType", err, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
}
