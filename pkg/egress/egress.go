// Package egress implements the per-pack egress proxy: a UDS listener,
// one per pack, speaking the same length-prefixed JSON protocol as
// capproxy (C9) over a distinct socket family, validating and forwarding
// allow-listed HTTP requests while defending against SSRF (reserved-range
// resolution checks, re-validated at dial time) and rate-limiting each
// pack's outbound connections.
//
// Grounded in the same UDS architecture capproxy.go is built on (per
// spec.md §4.6's explicit callout that C10 shares C9's framing) plus the
// token-bucket limiting idiom wired from golang.org/x/time/rate.
package egress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rumi-ai/rumi-core/pkg/paths"
	"github.com/rumi-ai/rumi-core/pkg/rumierr"
	"github.com/rumi-ai/rumi-core/pkg/udsframe"
)

// PermissionID is the grant permission consulted to resolve a pack's
// egress allow-list (grant.Config keys "allowed_domains", "allowed_ports",
// "blocked_domains").
const PermissionID = "egress.http"

const (
	defaultSocketMode = 0o660
	dirMode           = 0o750

	maxHeaderCount    = 64
	maxHeaderNameLen  = 128
	maxHeaderValueLen = 8 * 1024
	maxTimeoutSeconds = 120
	defaultMaxBody    = 1 * 1024 * 1024
)

var allowedMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
	http.MethodOptions: true,
}

// reservedRanges enumerates the address ranges spec.md §4.6 requires the
// proxy to refuse to connect to: loopback, link-local, private, and
// multicast/reserved space.
var reservedRanges = mustParseCIDRs(
	"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	"169.254.0.0/16", "::1/128", "fc00::/7", "fe80::/10",
	"224.0.0.0/4", "ff00::/8", "0.0.0.0/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("egress: invalid reserved range %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

func isReserved(ip net.IP) bool {
	for _, r := range reservedRanges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// AllowList restricts a pack's egress to specific domains/ports, with an
// explicit block-list that wins over an otherwise-matching allow entry.
type AllowList struct {
	Domains        []string
	Ports          []int
	BlockedDomains []string
}

func (a AllowList) blocksHost(host string) bool {
	for _, d := range a.BlockedDomains {
		if host == d {
			return true
		}
	}
	return false
}

func (a AllowList) allowsHost(host string) bool {
	if len(a.Domains) == 0 {
		return false
	}
	for _, d := range a.Domains {
		if strings.HasPrefix(d, "*.") {
			suffix := d[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) || host == d[2:] {
				return true
			}
			continue
		}
		if host == d {
			return true
		}
	}
	return false
}

func (a AllowList) allowsPort(port int) bool {
	if len(a.Ports) == 0 {
		return port == 443 || port == 80
	}
	for _, p := range a.Ports {
		if p == port {
			return true
		}
	}
	return false
}

// Resolver abstracts net.DefaultResolver for tests.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// wireRequest/wireResponse mirror spec.md §4.6/§6's egress protocol,
// framed by udsframe exactly like capproxy's capability protocol.
type wireRequest struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	TimeoutSeconds float64           `json:"timeout_seconds"`
}

type wireResponse struct {
	Success         bool              `json:"success"`
	StatusCode      int               `json:"status_code,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	Error           string            `json:"error,omitempty"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
}

// Server is a per-pack egress proxy listening on a UDS.
type Server struct {
	dirs     *paths.Dirs
	resolver Resolver
	log      *slog.Logger

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	allows    map[string]AllowList
	listeners map[string]net.Listener

	rateLimit rate.Limit
	burst     int
	maxBody   int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithResolver overrides DNS resolution (used by tests to simulate
// DNS-rebinding attacks deterministically).
func WithResolver(r Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithRateLimit sets the per-pack token bucket (default 10 req/s, burst 20).
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) { s.rateLimit = limit; s.burst = burst }
}

// WithMaxResponseBody overrides the 1 MiB default response body cap.
func WithMaxResponseBody(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// NewServer constructs an egress Server.
func NewServer(dirs *paths.Dirs, opts ...Option) *Server {
	s := &Server{
		dirs:      dirs,
		resolver:  net.DefaultResolver,
		log:       slog.Default(),
		limiters:  map[string]*rate.Limiter{},
		allows:    map[string]AllowList{},
		listeners: map[string]net.Listener{},
		rateLimit: 10,
		burst:     20,
		maxBody:   defaultMaxBody,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAllowList configures the domain/port allow-list for packID.
func (s *Server) SetAllowList(packID string, allow AllowList) {
	s.mu.Lock()
	s.allows[packID] = allow
	s.mu.Unlock()
}

func (s *Server) limiterFor(packID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[packID]
	if !ok {
		l = rate.NewLimiter(s.rateLimit, s.burst)
		s.limiters[packID] = l
	}
	return l
}

// checkSSRF resolves host and rejects it if any resolved address falls in a
// reserved range. Called once before dialing and again inside the HTTP
// transport's DialContext so a DNS answer that changes between the two
// checks (rebinding) cannot slip through — the dial-time check is
// authoritative, this pre-check only gives an early rejection.
func (s *Server) checkSSRF(ctx context.Context, host string) error {
	addrs, err := s.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("egress: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("egress: %s resolved to no addresses", host)
	}
	for _, a := range addrs {
		if isReserved(a.IP) {
			return rumierr.New(rumierr.TypeSecurity, rumierr.CategoryNet, 1, fmt.Sprintf("%s resolves to a reserved address %s", host, a.IP))
		}
	}
	return nil
}

// dialContextSSRF re-validates the address actually being dialed, closing
// the TOCTOU window between the allow-list check and the connection.
func (s *Server) dialContextSSRF(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egress: split host/port %s: %w", addr, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isReserved(ip) {
			return nil, rumierr.New(rumierr.TypeSecurity, rumierr.CategoryNet, 2, fmt.Sprintf("dial target %s is a reserved address", ip))
		}
	} else if err := s.checkSSRF(ctx, host); err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return dialer.DialContext(ctx, network, net.JoinHostPort(host, port))
}

// client builds an http.Client whose transport re-validates every dial and
// enforces the given wall-clock timeout.
func (s *Server) client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: s.dialContextSSRF,
		},
	}
}

// Authorize checks packID's allow-list, block-list and rate limiter for a
// request to targetHost/targetPort, and resolves+validates the host before
// any dial is attempted. On denial it returns the rejection reason (the
// value of the wire protocol's `rejection_reason` field) and a non-nil
// error; on success it returns "" and nil.
func (s *Server) Authorize(ctx context.Context, packID string, targetHost string, targetPort int) (string, error) {
	s.mu.Lock()
	allow := s.allows[packID]
	s.mu.Unlock()

	if allow.blocksHost(targetHost) {
		return "blocked_domain", rumierr.New(rumierr.TypeAccessDenied, rumierr.CategoryNet, 3, fmt.Sprintf("host %s is blocked", targetHost))
	}
	if !allow.allowsHost(targetHost) {
		return "domain_not_allowed", rumierr.New(rumierr.TypeAccessDenied, rumierr.CategoryNet, 4, fmt.Sprintf("host %s is not in the allow-list", targetHost))
	}
	if !allow.allowsPort(targetPort) {
		return "port_not_allowed", rumierr.New(rumierr.TypeAccessDenied, rumierr.CategoryNet, 5, fmt.Sprintf("port %d is not in the allow-list", targetPort))
	}
	if !s.limiterFor(packID).Allow() {
		return "rate_limited", rumierr.New(rumierr.TypeAccessDenied, rumierr.CategoryNet, 6, fmt.Sprintf("pack %s exceeded its egress rate limit", packID))
	}
	if err := s.checkSSRF(ctx, targetHost); err != nil {
		return "internal_ip", err
	}
	return "", nil
}

// Listen opens the UDS for packID and begins proxying framed egress
// requests.
func (s *Server) Listen(ctx context.Context, packID string) error {
	socketPath := s.dirs.EgressSocketPath(packID)

	if err := os.Chmod(s.dirs.EgressSockDir, dirMode); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("egress: failed to set socket directory mode", "error", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("egress: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("egress: listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, defaultSocketMode); err != nil {
		s.log.Warn("egress: failed to set socket mode", "error", err)
	}

	s.mu.Lock()
	s.listeners[packID] = ln
	s.mu.Unlock()

	go s.acceptLoop(ctx, packID, ln)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, packID string, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("egress: accept failed", "pack_id", packID, "error", err)
			continue
		}
		go s.handleConn(ctx, packID, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, packID string, conn net.Conn) {
	defer conn.Close()

	raw, err := udsframe.ReadFrame(conn, udsframe.MaxRequestSize)
	if err != nil {
		s.log.Warn("egress: read request frame failed", "pack_id", packID, "error", err)
		return
	}

	var req wireRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.writeResponse(conn, wireResponse{Success: false, Error: "malformed request"})
		return
	}

	resp := s.handleRequest(ctx, packID, req)
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp wireResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("egress: failed to encode response", "error", err)
		return
	}
	if err := udsframe.WriteFrame(conn, body, udsframe.MaxRequestSize); err != nil {
		s.log.Warn("egress: write response frame failed", "error", err)
	}
}

// handleRequest validates req against the egress protocol rules of
// spec.md §4.6 and, if it passes, issues the request with a fresh,
// TOCTOU-safe client and caps the response body.
func (s *Server) handleRequest(ctx context.Context, packID string, req wireRequest) wireResponse {
	method := strings.ToUpper(req.Method)
	if !allowedMethods[method] {
		return wireResponse{Success: false, Error: fmt.Sprintf("method %q is not permitted", req.Method), RejectionReason: "method_not_allowed"}
	}

	if len(req.Headers) > maxHeaderCount {
		return wireResponse{Success: false, Error: "too many headers", RejectionReason: "header_limit_exceeded"}
	}
	for name, value := range req.Headers {
		if len(name) > maxHeaderNameLen {
			return wireResponse{Success: false, Error: fmt.Sprintf("header name %q exceeds %d bytes", name, maxHeaderNameLen), RejectionReason: "header_limit_exceeded"}
		}
		if len(value) > maxHeaderValueLen {
			return wireResponse{Success: false, Error: fmt.Sprintf("header %q value exceeds %d bytes", name, maxHeaderValueLen), RejectionReason: "header_limit_exceeded"}
		}
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 || timeout > maxTimeoutSeconds {
		if timeout > maxTimeoutSeconds {
			return wireResponse{Success: false, Error: fmt.Sprintf("timeout_seconds %.0f exceeds max %d", timeout, maxTimeoutSeconds), RejectionReason: "timeout_too_large"}
		}
		timeout = 30
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Host == "" {
		return wireResponse{Success: false, Error: "url does not parse", RejectionReason: "invalid_url"}
	}

	host := parsed.Hostname()
	port := 443
	if p := parsed.Port(); p != "" {
		fmt.Sscanf(p, "%d", &port)
	} else if parsed.Scheme == "http" {
		port = 80
	}

	if reason, err := s.Authorize(ctx, packID, host, port); err != nil {
		return wireResponse{Success: false, Error: err.Error(), RejectionReason: reason}
	}

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
	defer cancel()

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, bodyReader)
	if err != nil {
		return wireResponse{Success: false, Error: fmt.Sprintf("build request: %v", err)}
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := s.client(time.Duration(timeout * float64(time.Second))).Do(httpReq)
	if err != nil {
		return wireResponse{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.ContentLength > s.maxBody {
		return wireResponse{Success: false, Error: "response exceeds max body size", RejectionReason: "response_too_large"}
	}

	limited := io.LimitReader(resp.Body, s.maxBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return wireResponse{Success: false, Error: fmt.Sprintf("read response body: %v", err)}
	}
	if int64(len(data)) > s.maxBody {
		return wireResponse{Success: false, Error: "response exceeds max body size", RejectionReason: "response_too_large"}
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vs := range resp.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}

	return wireResponse{Success: true, StatusCode: resp.StatusCode, Headers: headers, Body: string(data)}
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
