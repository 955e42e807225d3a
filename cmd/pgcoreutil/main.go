// Command pgcoreutil is a diagnostics and ad hoc query tool built on top of
// pgcore. It is not part of the library's public API — it exists to give an
// operator a metrics endpoint, a JSON snapshot of a live Connector's state,
// and a way to fire one query or COPY from the command line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coredrift/pgcore/connector"
	"github.com/coredrift/pgcore/internal/config"
	"github.com/coredrift/pgcore/internal/metrics"
	"github.com/coredrift/pgcore/protocol"
	"github.com/coredrift/pgcore/transport"
)

func main() {
	dsn := flag.String("dsn", "", "connection string, e.g. \"host=localhost port=5432 user=postgres\"")
	servicePath := flag.String("service-defaults", "", "optional path to a service-defaults file merged beneath the DSN and environment")
	query := flag.String("query", "", "if set, run this simple-query statement once and print the results")
	diagAddr := flag.String("diag-addr", "", "if set, serve /metrics and /debug/connector on this address (e.g. :6060) until interrupted")
	connectTimeout := flag.Duration("connect-timeout", 10*time.Second, "startup timeout")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("pgcoreutil: -dsn is required")
	}

	cfg, err := config.Parse(*dsn)
	if err != nil {
		log.Fatalf("pgcoreutil: parsing dsn: %v", err)
	}
	cfg = cfg.Merge(config.FromEnvironment())
	if *servicePath != "" {
		defaults, err := config.LoadServiceDefaults(*servicePath)
		if err != nil {
			log.Fatalf("pgcoreutil: loading service defaults: %v", err)
		}
		cfg = cfg.Merge(defaults)
	}

	m := metrics.New()

	c := connector.New(connector.Options{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		ApplicationName: cfg.ApplicationName,
		SearchPath:      cfg.SearchPath,
		SSLMode:         sslModeFromConfig(cfg),
		BufferSize:      cfg.BufferSize,
		Metrics:         m,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *connectTimeout)
	defer cancel()
	if err := c.Open(ctx, *connectTimeout); err != nil {
		log.Fatalf("pgcoreutil: open: %v", err)
	}
	log.Printf("pgcoreutil: connected (pid=%d, server_version=%s)", c.ProcessID, c.ParameterStatuses["server_version"])

	var diag *diagServer
	if *diagAddr != "" {
		diag = newDiagServer(c, m)
		if err := diag.Start(*diagAddr); err != nil {
			log.Fatalf("pgcoreutil: diagnostics server: %v", err)
		}
	}

	if *query != "" {
		if err := runQuery(c, *query); err != nil {
			log.Printf("pgcoreutil: query failed: %v", err)
		}
	}

	if diag != nil {
		waitForSignal()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		diag.Stop(ctx)
	}

	if err := c.Close(); err != nil {
		log.Printf("pgcoreutil: close: %v", err)
	}
}

func sslModeFromConfig(cfg *config.Config) transport.SSLMode {
	switch cfg.SSLMode {
	case "require":
		return transport.SSLRequire
	case "prefer":
		return transport.SSLPrefer
	default:
		return transport.SSLDisable
	}
}

// runQuery drives one simple-query statement to completion, printing
// column values row by row to stdout.
func runQuery(c *connector.Connector, sql string) error {
	if err := c.SendSingleMessage(&protocol.QueryMessage{SQL: sql}); err != nil {
		return err
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			if _, ok := msg.(*protocol.ReadyForQuery); ok {
				fmt.Fprintf(w, "server error: %v\n", err)
				return nil
			}
			return err
		}

		switch m := msg.(type) {
		case *protocol.RowDescription:
			for _, f := range m.Fields {
				fmt.Fprintf(w, "%s\t", f.Name)
			}
			fmt.Fprintln(w)

		case *protocol.DataRow:
			for {
				value, ok, err := m.NextColumn()
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if value == nil {
					fmt.Fprint(w, "<NULL>\t")
				} else {
					fmt.Fprintf(w, "%s\t", value)
				}
			}
			fmt.Fprintln(w)

		case *protocol.CommandComplete:
			fmt.Fprintf(w, "-- %s\n", m.Tag)

		case *protocol.ReadyForQuery:
			return nil
		}
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
