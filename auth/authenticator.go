// Package auth drives the PostgreSQL authentication sub-dialog that follows
// a StartupMessage: cleartext/MD5 password challenges, GSS/SSPI integrated
// security, and SASL mechanisms (SCRAM-SHA-256), all behind one read loop
// that ends at ReadyForQuery (spec.md §4.4).
package auth

import (
	"errors"
	"fmt"

	"github.com/coredrift/pgcore/buffer"
	"github.com/coredrift/pgcore/protocol"
)

// ErrUnsupportedAuthentication is returned when the server requests an
// authentication kind this core has no provider for.
var ErrUnsupportedAuthentication = errors.New("auth: unsupported authentication method requested by server")

// Params configures a single Authenticate call.
type Params struct {
	User     string
	Password string

	// Host and KrbServiceName are passed to GSS/SSPI providers only.
	Host           string
	KrbServiceName string

	// GSSProvider, if non-nil, is used for AuthenticationGSS/SSPI. Left
	// nil, those requests fail with ErrUnsupportedAuthentication — GSS/SSPI
	// is only engaged "if integrated security is configured" per spec.md
	// §4.4.
	GSSProvider SaslProvider

	// SASLProviders maps mechanism name (as advertised in
	// AuthenticationSASL) to a provider instance. A fresh instance must be
	// supplied per connection attempt since providers are stateful.
	SASLProviders map[string]SaslProvider
}

// Result carries what the Connector's startup sequence needs once the
// authentication sub-dialog has completed successfully: everything read
// past AuthenticationOk up to and including ReadyForQuery.
type Result struct {
	ProcessID         int32
	SecretKey         int32
	ParameterStatuses map[string]string
	TransactionStatus protocol.TransactionStatus

	// Mechanism names whichever authentication method the server actually
	// challenged with ("trust", "cleartext", "md5", "gss", "sspi", or a
	// SASL mechanism name such as "SCRAM-SHA-256"), for metrics labeling.
	// Populated as soon as it's known, even if authentication ultimately
	// fails.
	Mechanism string
}

// Authenticate drives the sub-dialog over buf/dec until ReadyForQuery, per
// spec.md §4.4: "Repeatedly reads single messages until a ReadyForQuery is
// received." Returns the accumulated connection state, or the server's
// ErrorResponse/a protocol error if the session was refused.
func Authenticate(buf *buffer.Buffer, dec *protocol.Decoder, p Params) (*Result, error) {
	result := &Result{ParameterStatuses: make(map[string]string), Mechanism: "trust"}

	for {
		msg, err := dec.Decode()
		if err != nil {
			return result, fmt.Errorf("auth: reading message: %w", err)
		}

		switch m := msg.(type) {
		case *protocol.AuthenticationOk:
			// continue reading

		case *protocol.AuthenticationCleartextPassword:
			result.Mechanism = "cleartext"
			if err := sendPassword(buf, p.Password); err != nil {
				return result, err
			}

		case *protocol.AuthenticationMD5Password:
			result.Mechanism = "md5"
			if err := sendPassword(buf, md5Password(p.User, p.Password, m.Salt)); err != nil {
				return result, err
			}

		case *protocol.AuthenticationGSS:
			result.Mechanism = "gss"
			if err := startSasl(buf, p.GSSProvider, p.Host, p.KrbServiceName, ""); err != nil {
				return result, err
			}

		case *protocol.AuthenticationSSPI:
			result.Mechanism = "sspi"
			if err := startSasl(buf, p.GSSProvider, p.Host, p.KrbServiceName, ""); err != nil {
				return result, err
			}

		case *protocol.AuthenticationGSSContinue:
			if p.GSSProvider == nil {
				return result, ErrUnsupportedAuthentication
			}
			token, _, err := p.GSSProvider.Continue(m.Data)
			if err != nil {
				return result, fmt.Errorf("auth: GSS/SSPI continuation: %w", err)
			}
			if len(token) > 0 {
				if err := sendPasswordBytes(buf, token); err != nil {
					return result, err
				}
			}

		case *protocol.AuthenticationSASL:
			provider, mech, err := selectSaslProvider(p.SASLProviders, m.Mechanisms)
			if err != nil {
				return result, err
			}
			result.Mechanism = mech
			if err := startSasl(buf, provider, p.Host, p.KrbServiceName, mech); err != nil {
				return result, err
			}

		case *protocol.AuthenticationSASLContinue:
			provider, err := activeSaslProvider(p.SASLProviders)
			if err != nil {
				return result, err
			}
			token, _, err := provider.Continue(m.Data)
			if err != nil {
				return result, fmt.Errorf("auth: SASL continuation: %w", err)
			}
			if err := sendSaslResponse(buf, token); err != nil {
				return result, err
			}

		case *protocol.AuthenticationSASLFinal:
			provider, err := activeSaslProvider(p.SASLProviders)
			if err != nil {
				return result, err
			}
			if _, _, err := provider.Continue(m.Data); err != nil {
				return result, fmt.Errorf("auth: SASL verification: %w", err)
			}

		case *protocol.ParameterStatus:
			result.ParameterStatuses[m.Name] = m.Value

		case *protocol.BackendKeyData:
			result.ProcessID = m.ProcessID
			result.SecretKey = m.SecretKey

		case *protocol.ErrorResponse:
			// "An ErrorResponse during Connecting state terminates the
			// session without a ReadyForQuery" (spec.md §4.4).
			return result, &PgAuthError{Fields: m.Fields}

		case *protocol.NoticeResponse:
			// ignored, matching the async-message filtering in
			// other_examples/612e657a_gregb-pq__conn.go.go's recv1.

		case *protocol.ReadyForQuery:
			result.TransactionStatus = m.Status
			return result, nil

		default:
			return result, fmt.Errorf("auth: unexpected message %T during authentication", m)
		}
	}
}

func sendPassword(buf *buffer.Buffer, password string) error {
	return sendPasswordBytes(buf, []byte(password))
}

func sendPasswordBytes(buf *buffer.Buffer, payload []byte) error {
	if err := protocol.Encode(buf, &protocol.PasswordMessage{Payload: payload}); err != nil {
		return err
	}
	return buf.Flush()
}

func sendSaslResponse(buf *buffer.Buffer, payload []byte) error {
	if err := protocol.Encode(buf, &protocol.SASLResponseMessage{Response: payload}); err != nil {
		return err
	}
	return buf.Flush()
}

func startSasl(buf *buffer.Buffer, provider SaslProvider, host, krbsrvname, mechanism string) error {
	if provider == nil {
		return ErrUnsupportedAuthentication
	}
	token, err := provider.Initialize(host, krbsrvname)
	if err != nil {
		return fmt.Errorf("auth: initializing SASL provider: %w", err)
	}
	var encodeErr error
	if mechanism != "" {
		encodeErr = protocol.Encode(buf, &protocol.SASLInitialResponseMessage{Mechanism: mechanism, Response: token})
	} else {
		encodeErr = protocol.Encode(buf, &protocol.PasswordMessage{Payload: token})
	}
	if encodeErr != nil {
		return encodeErr
	}
	return buf.Flush()
}

func selectSaslProvider(providers map[string]SaslProvider, offered []string) (SaslProvider, string, error) {
	for _, mech := range offered {
		if p, ok := providers[mech]; ok {
			return p, mech, nil
		}
	}
	return nil, "", fmt.Errorf("%w: server offered %v", ErrUnsupportedAuthentication, offered)
}

func activeSaslProvider(providers map[string]SaslProvider) (SaslProvider, error) {
	// Exactly one provider is ever selected per connection attempt; find
	// the one that has already been initialized. Only *ScramSHA256Provider
	// values are recognized here; a provider of any other type is never
	// found, and its SASLContinue/SASLFinal fails with the error below.
	for _, p := range providers {
		if sp, ok := p.(*ScramSHA256Provider); ok && sp.clientNonce != "" {
			return p, nil
		}
	}
	return nil, errors.New("auth: no SASL provider was selected")
}

// PgAuthError wraps an ErrorResponse seen during the authentication
// sub-dialog, before any ReadyForQuery (spec.md §7: Authentication error).
type PgAuthError struct {
	Fields protocol.Fields
}

func (e *PgAuthError) Error() string {
	return fmt.Sprintf("auth: server refused authentication: %s", e.Fields[protocol.ErrorFieldMessage])
}
