package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/coredrift/pgcore/auth"
	"github.com/coredrift/pgcore/protocol"
	"github.com/coredrift/pgcore/transport"
)

// Open runs the startup sequence end to end (spec.md §4.7):
//  1. Enter Connecting.
//  2. Transport open with remaining timeout.
//  3. Build and send the StartupMessage.
//  4. Run the Authenticator until ReadyForQuery; state becomes Ready.
//  5. Apply the Server-Feature Detector using the accumulated
//     server_version.
//  6. Start the notification listener, if enabled.
func (c *Connector) Open(ctx context.Context, timeout time.Duration) (err error) {
	if c.state != Closed {
		return &UsageError{Detail: fmt.Sprintf("Open called in state %s", c.state)}
	}

	c.state = Connecting

	defer func() {
		if err != nil {
			if c.transportConn != nil {
				c.transition(Broken)
			} else {
				c.state = Closed
			}
		}
	}()

	start := time.Now()
	tc, err := transport.Open(ctx, transport.Options{
		Host:       c.opts.Host,
		Port:       c.opts.Port,
		SSLMode:    c.opts.SSLMode,
		TLS:        c.opts.TLS,
		BufferSize: c.opts.BufferSize,
	}, timeout)
	if err != nil {
		c.opts.Metrics.ConnectPhase("connect", "error", time.Since(start))
		if transport.IsTimeout(err) {
			return &TimeoutError{Detail: err.Error()}
		}
		return &TransportError{Err: err}
	}
	c.opts.Metrics.ConnectPhase("connect", "ok", time.Since(start))
	return c.runStartup(tc)
}

// runStartup drives steps 3 onward of the startup sequence over an
// already-opened transport: StartupMessage, authentication, feature
// detection, and the notification listener. Split out from Open so tests
// can supply a transport.Conn built over something other than a real dial
// (e.g. transport.NewConn over a net.Pipe).
func (c *Connector) runStartup(tc *transport.Conn) error {
	c.transportConn = tc
	c.IsSecure = tc.IsSecure
	c.buf = tc.Buffer
	c.buf.OnRead = c.opts.Metrics.BytesRead
	c.buf.OnWrite = c.opts.Metrics.BytesWritten
	c.dec = protocol.NewDecoder(c.buf, c.loadingMode)

	startup := c.buildStartupMessage()
	if err := protocol.Encode(c.buf, startup); err != nil {
		return &ProtocolError{Detail: fmt.Sprintf("encoding startup message: %v", err)}
	}
	if err := c.buf.Flush(); err != nil {
		return &TransportError{Err: err}
	}

	authStart := time.Now()
	result, authErr := auth.Authenticate(c.buf, c.dec, auth.Params{
		User:           c.opts.User,
		Password:       c.opts.Password,
		Host:           c.opts.Host,
		KrbServiceName: c.opts.KrbServiceName,
		GSSProvider:    c.opts.GSSProvider,
		SASLProviders:  c.opts.SASLProviders,
	})
	c.opts.Metrics.ConnectPhase("auth", authOutcomeLabel(authErr), time.Since(authStart))
	mechanism := "unknown"
	if result != nil && result.Mechanism != "" {
		mechanism = result.Mechanism
	}
	c.opts.Metrics.AuthOutcome(mechanism, authOutcomeLabel(authErr))
	if authErr != nil {
		if pgErr, ok := authErr.(*auth.PgAuthError); ok {
			return &ServerError{Fields: pgErr.Fields}
		}
		return &AuthenticationError{Err: authErr}
	}

	c.ProcessID = result.ProcessID
	c.SecretKey = result.SecretKey
	for k, v := range result.ParameterStatuses {
		c.applyParameterStatus(&protocol.ParameterStatus{Name: k, Value: v})
	}
	if err := c.transition(Ready); err != nil {
		return err
	}
	if err := c.updateTransactionStatus(result.TransactionStatus); err != nil {
		return err
	}

	if c.opts.EnableNotificationListener {
		c.startNotificationListener()
	}

	return nil
}

func authOutcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// buildStartupMessage assembles the StartupMessage per spec.md §4.7 step 3:
// user (required), database (defaulting to user), optional
// application_name/search_path, and ssl_renegotiation_limit=0 unless the
// target is Redshift.
func (c *Connector) buildStartupMessage() *protocol.StartupMessage {
	params := map[string]string{
		"user": c.opts.User,
	}
	database := c.opts.Database
	if database == "" {
		database = c.opts.User
	}
	params["database"] = database

	if c.opts.ApplicationName != "" {
		params["application_name"] = c.opts.ApplicationName
	}
	if c.opts.SearchPath != "" {
		params["search_path"] = c.opts.SearchPath
	}
	if !c.opts.IsRedshift {
		params["ssl_renegotiation_limit"] = "0"
	}

	return &protocol.StartupMessage{
		ProtocolVersion: protocol.ProtocolVersionNumber,
		Parameters:      params,
	}
}
