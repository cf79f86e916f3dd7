// Package health reports per-subsystem status over the gRPC health
// protocol. Each subsystem is a named service; the empty service name
// follows the radio, the only subsystem the relay cannot run without.
package health

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Subsystems.
const (
	Radio      = "radio"
	Storage    = "storage"
	Beacon     = "beacon"
	TimeSource = "timesource"
	Events     = "events"
	API        = "api"
	Readings   = "readings"
)

// Status is a subsystem state as shown by the HTTP API.
type Status struct {
	Serving bool   `json:"serving"`
	Error   string `json:"error,omitempty"`
}

// Monitor tracks subsystem status.
type Monitor struct {
	hs  *health.Server
	log zerolog.Logger

	mu     sync.Mutex
	status map[string]Status
}

func NewMonitor(log zerolog.Logger) *Monitor {
	m := &Monitor{hs: health.NewServer(), log: log, status: make(map[string]Status)}
	m.hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Set records a subsystem as serving when err is nil and as not serving
// otherwise.
func (m *Monitor) Set(subsystem string, err error) {
	st := Status{Serving: err == nil}
	serving := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st.Error = err.Error()
		serving = healthpb.HealthCheckResponse_NOT_SERVING
		m.log.Error().Err(err).Str("subsystem", subsystem).Msg("subsystem not serving")
	}
	m.mu.Lock()
	m.status[subsystem] = st
	m.mu.Unlock()

	m.hs.SetServingStatus(subsystem, serving)
	if subsystem == Radio {
		m.hs.SetServingStatus("", serving)
	}
}

// Snapshot returns every recorded subsystem status.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}

// Failing returns the subsystems that are not serving, sorted.
func (m *Monitor) Failing() []string {
	var out []string
	for name, st := range m.Snapshot() {
		if !st.Serving {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Check answers a health check without a network round trip.
func (m *Monitor) Check(ctx context.Context, subsystem string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := m.hs.Check(ctx, &healthpb.HealthCheckRequest{Service: subsystem})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Server exposes a Monitor over gRPC.
type Server struct {
	server   *grpc.Server
	listener net.Listener
	done     chan struct{}
}

// Serve starts the gRPC health service on addr.
func Serve(addr string, m *Monitor) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s := &Server{server: grpc.NewServer(), listener: lis, done: make(chan struct{})}
	healthpb.RegisterHealthServer(s.server, m.hs)
	go func() {
		defer close(s.done)
		if err := s.server.Serve(lis); err != nil {
			m.log.Error().Err(err).Msg("health server stopped")
		}
	}()
	m.log.Info().Str("addr", lis.Addr().String()).Msg("health server listening")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Stop drains in-flight checks and closes the listener.
func (s *Server) Stop() {
	s.server.GracefulStop()
	<-s.done
}

// Shutdown marks every service as not serving, for use before Stop.
func (m *Monitor) Shutdown() { m.hs.Shutdown() }
