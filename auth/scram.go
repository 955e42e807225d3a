package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ScramSHA256Provider drives the SASL SCRAM-SHA-256 exchange (SASLInitial-
// Response/SASLContinue/SASLFinal) behind the SaslProvider seam. This
// mechanism is a supplement to spec.md's ORIGINAL authenticator scope,
// carried over from this module's teacher because real PostgreSQL servers
// advertise it by default — see DESIGN.md.
type ScramSHA256Provider struct {
	User     string
	Password string

	clientNonce     string
	gs2Header       string
	clientFirstBare string
	authMessage     string
	saltedPassword  []byte
	expectServerSig string
	step            int
}

func (p *ScramSHA256Provider) Name() string { return "SCRAM-SHA-256" }

// Initialize builds client-first-message. host/krbsrvname are unused for
// SCRAM (they only matter to the GSS/SSPI providers) but are part of the
// shared SaslProvider contract.
func (p *ScramSHA256Provider) Initialize(host, krbsrvname string) ([]byte, error) {
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("auth: generating SCRAM nonce: %w", err)
	}
	p.clientNonce = base64.StdEncoding.EncodeToString(nonceBytes)
	p.gs2Header = "n,,"
	p.clientFirstBare = fmt.Sprintf("n=%s,r=%s", scramEscapeUsername(p.User), p.clientNonce)
	return []byte(p.gs2Header + p.clientFirstBare), nil
}

// Continue advances the exchange. Step 0 consumes the server-first-message
// and produces client-final-message; step 1 consumes the server-final-
// message and verifies the server's signature, producing no further token.
func (p *ScramSHA256Provider) Continue(serverToken []byte) (token []byte, done bool, err error) {
	switch p.step {
	case 0:
		return p.continueFirst(serverToken)
	case 1:
		return p.continueFinal(serverToken)
	default:
		return nil, true, nil
	}
}

func (p *ScramSHA256Provider) continueFirst(serverFirst []byte) ([]byte, bool, error) {
	serverNonce, salt, iterations, err := parseScramServerFirst(string(serverFirst))
	if err != nil {
		return nil, false, fmt.Errorf("auth: parsing SCRAM server-first-message: %w", err)
	}
	if !strings.HasPrefix(serverNonce, p.clientNonce) {
		return nil, false, errors.New("auth: SCRAM server nonce does not start with client nonce")
	}

	p.saltedPassword = pbkdf2.Key([]byte(p.Password), salt, iterations, 32, sha256.New)

	clientKey := hmacSHA256(p.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(p.gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	p.authMessage = p.clientFirstBare + "," + string(serverFirst) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(p.authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	serverKey := hmacSHA256(p.saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(p.authMessage))
	p.expectServerSig = "v=" + base64.StdEncoding.EncodeToString(expectedSig)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	p.step = 1
	return []byte(clientFinalMsg), false, nil
}

func (p *ScramSHA256Provider) continueFinal(serverFinal []byte) ([]byte, bool, error) {
	if string(serverFinal) != p.expectServerSig {
		return nil, false, errors.New("auth: SCRAM server signature mismatch")
	}
	p.step = 2
	return nil, true, nil
}

func parseScramServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			if _, err := fmt.Sscanf(part[2:], "%d", &iterations); err != nil {
				return "", nil, 0, fmt.Errorf("decoding iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// scramEscapeUsername replaces "=" with "=3D" and "," with "=2C" per
// RFC 5802 §5.1.
func scramEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
