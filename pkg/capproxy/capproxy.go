// Package capproxy implements the host capability proxy: a per-principal
// Unix domain socket listener that receives capability execution requests
// from pack containers and hands them to capexec.Executor. The principal is
// derived from the accepting listener's own socket path, never the
// request payload — a malicious pack cannot claim a different identity.
//
// Grounded in original_source/.../tenpu/capability_proxy.py's UDS design
// (per-principal socket, length-prefix JSON framing, socket/dir
// permissions, stale-socket unlink-on-bind) and the RED instrumentation of
// _examples/Mindburn-Labs-helm/core/pkg/observability.
package capproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rumi-ai/rumi-core/pkg/audit"
	"github.com/rumi-ai/rumi-core/pkg/handler"
	"github.com/rumi-ai/rumi-core/pkg/paths"
	"github.com/rumi-ai/rumi-core/pkg/udsframe"
)

const instrumentationName = "github.com/rumi-ai/rumi-core/pkg/capproxy"

const (
	defaultSocketMode = 0o660
	relaxedSocketMode = 0o666
	dirMode           = 0o750
)

// Dispatcher is the subset of *capexec.Executor the proxy needs. The
// fingerprint used for trust pinning is never taken from the wire request —
// capexec recomputes it itself from the resolved handler, server-side.
type Dispatcher interface {
	Dispatch(ctx context.Context, principalID, permissionID string, args map[string]any) (handler.Response, error)
}

// Auditor is the subset of *audit.Logger the proxy records relaxed-socket-
// mode warnings to.
type Auditor interface {
	Record(ctx context.Context, severity audit.Severity, action, resource string, metadata map[string]any) error
}

type noopAuditor struct{}

func (noopAuditor) Record(context.Context, audit.Severity, string, string, map[string]any) error {
	return nil
}

// wireRequest/wireResponse is the JSON payload framed by udsframe. It
// intentionally carries no fingerprint: spec.md §6 defines the capability
// request as {permission_id, args, timeout_seconds, request_id?}, and a
// client-supplied fingerprint would let a pack skip trust pinning simply by
// omitting it.
type wireRequest struct {
	PermissionID string         `json:"permission_id"`
	Args         map[string]any `json:"args"`
}

// Server listens on one UDS per principal under dirs.CapabilitySockDir.
type Server struct {
	dirs       *paths.Dirs
	dispatcher Dispatcher
	log        *slog.Logger
	auditor    Auditor
	relaxedMode bool

	meter          metric.Meter
	requestCounter metric.Int64Counter

	mu        sync.Mutex
	listeners map[string]net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithRelaxedSocketMode opts into RUMI_CAPABILITY_SOCKET_MODE=0666,
// matching the original's documented escape hatch.
func WithRelaxedSocketMode() Option {
	return func(s *Server) { s.relaxedMode = true }
}

// WithAuditor wires the audit log that records relaxed-socket-mode warnings.
func WithAuditor(a Auditor) Option {
	return func(s *Server) { s.auditor = a }
}

// NewServer constructs a Server bound to dirs, dispatching through d.
func NewServer(dirs *paths.Dirs, d Dispatcher, opts ...Option) *Server {
	s := &Server{
		dirs:       dirs,
		dispatcher: d,
		log:        slog.Default(),
		auditor:    noopAuditor{},
		listeners:  map[string]net.Listener{},
		meter:      otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.requestCounter, _ = s.meter.Int64Counter("rumi.capability_proxy.requests")
	return s
}

// Listen opens (or reopens, unlinking any stale socket file) the UDS for
// principalID and begins accepting connections in a background goroutine.
func (s *Server) Listen(ctx context.Context, principalID string) error {
	socketPath := s.dirs.CapabilitySocketPath(principalID)

	if err := os.Chmod(s.dirs.CapabilitySockDir, dirMode); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("capproxy: failed to set socket directory mode", "error", err)
	}

	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("capproxy: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("capproxy: listen on %s: %w", socketPath, err)
	}

	mode := os.FileMode(defaultSocketMode)
	if s.relaxedMode {
		mode = relaxedSocketMode
		s.log.Warn("capproxy: using relaxed socket mode 0666", "principal_id", principalID)
		s.auditor.Record(ctx, audit.SeverityWarning, "capproxy.relaxed_socket_mode", principalID, map[string]any{"socket_path": socketPath})
	}
	if err := os.Chmod(socketPath, mode); err != nil {
		s.log.Warn("capproxy: failed to set socket mode", "error", err)
	}

	s.mu.Lock()
	s.listeners[principalID] = ln
	s.mu.Unlock()

	go s.acceptLoop(ctx, principalID, ln)
	return nil
}

// Close shuts down every listener this server opened.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, ln := range s.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.listeners, id)
	}
	return firstErr
}

func (s *Server) acceptLoop(ctx context.Context, principalID string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("capproxy: accept failed", "principal_id", principalID, "error", err)
			continue
		}
		go s.handleConn(ctx, principalID, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, principalID string, conn net.Conn) {
	defer conn.Close()

	raw, err := udsframe.ReadFrame(conn, udsframe.MaxRequestSize)
	if err != nil {
		s.log.Warn("capproxy: read request frame failed", "principal_id", principalID, "error", err)
		return
	}

	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeError(conn, "malformed request")
		return
	}

	s.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("permission_id", req.PermissionID)))

	resp, err := s.dispatcher.Dispatch(ctx, principalID, req.PermissionID, req.Args)
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		s.writeError(conn, "failed to encode response")
		return
	}
	if err := udsframe.WriteFrame(conn, body, udsframe.MaxResponseSize); err != nil {
		s.log.Warn("capproxy: write response frame failed", "principal_id", principalID, "error", err)
	}
}

func (s *Server) writeError(conn net.Conn, message string) {
	body, _ := json.Marshal(handler.Response{Success: false, Error: message})
	_ = udsframe.WriteFrame(conn, body, udsframe.MaxResponseSize)
}
