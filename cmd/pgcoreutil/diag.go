package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coredrift/pgcore/connector"
	"github.com/coredrift/pgcore/internal/metrics"
)

// diagServer serves /metrics and /debug/connector for a single live
// Connector, grounded on the teacher's internal/api.Server but trimmed to
// one connector instead of a router over many tenants.
type diagServer struct {
	conn       *connector.Connector
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

func newDiagServer(c *connector.Connector, m *metrics.Collector) *diagServer {
	return &diagServer{conn: c, metrics: m, startTime: time.Now()}
}

func (s *diagServer) Start(addr string) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/debug/connector", s.connectorSnapshot).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("pgcoreutil: diagnostics server error: %v\n", err)
		}
	}()
	return nil
}

func (s *diagServer) Stop(ctx context.Context) {
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
}

type connectorSnapshot struct {
	State             string            `json:"state"`
	TransactionStatus string            `json:"transaction_status"`
	ProcessID         int32             `json:"process_id"`
	IsSecure          bool              `json:"is_secure"`
	ParameterStatuses map[string]string `json:"parameter_statuses"`
	UptimeSeconds     int               `json:"uptime_seconds"`
}

func (s *diagServer) connectorSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := connectorSnapshot{
		State:             s.conn.State().String(),
		TransactionStatus: s.conn.TransactionStatus().String(),
		ProcessID:         s.conn.ProcessID,
		IsSecure:          s.conn.IsSecure,
		ParameterStatuses: s.conn.ParameterStatuses,
		UptimeSeconds:     int(time.Since(s.startTime).Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
