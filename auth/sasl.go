package auth

// SaslProvider drives a token exchange behind GSS/SSPI integrated security
// or a SASL mechanism such as SCRAM-SHA-256, so the Authenticator's main
// loop stays mechanism-agnostic (spec.md §4.4: "initialize the SASL-style
// provider with host, krbsrvname; send PasswordMessage with the provider's
// first token" / "feed into the provider; if it returns a non-empty token,
// send it").
type SaslProvider interface {
	// Name identifies the mechanism as offered in AuthenticationSASL's
	// mechanism list, or "" for providers driven by GSS/SSPI instead
	// (which aren't selected by name).
	Name() string

	// Initialize starts the exchange and returns the first token to send.
	Initialize(host, krbsrvname string) (token []byte, err error)

	// Continue feeds the server's challenge and returns the next client
	// token. done is true once the client side has nothing further to
	// send — the Authenticator keeps reading without responding again.
	Continue(serverToken []byte) (token []byte, done bool, err error)
}
