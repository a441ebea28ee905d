package egress

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeResolver struct {
	answers map[string][]net.IPAddr
}

func (f fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return f.answers[host], nil
}

func TestCheckSSRFRejectsReservedAddress(t *testing.T) {
	resolver := fakeResolver{answers: map[string][]net.IPAddr{
		"internal.evil.example": {{IP: net.ParseIP("169.254.169.254")}},
	}}
	srv := NewServer(nil, WithResolver(resolver))

	err := srv.checkSSRF(context.Background(), "internal.evil.example")
	require.Error(t, err)
}

func TestCheckSSRFAllowsPublicAddress(t *testing.T) {
	resolver := fakeResolver{answers: map[string][]net.IPAddr{
		"example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	srv := NewServer(nil, WithResolver(resolver))

	require.NoError(t, srv.checkSSRF(context.Background(), "example.com"))
}

func TestAuthorizeDeniesHostNotInAllowList(t *testing.T) {
	resolver := fakeResolver{answers: map[string][]net.IPAddr{
		"example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	srv := NewServer(nil, WithResolver(resolver))
	srv.SetAllowList("pack-1", AllowList{Domains: []string{"allowed.example.com"}})

	_, err := srv.Authorize(context.Background(), "pack-1", "example.com", 443)
	require.Error(t, err)
}

func TestAuthorizeAllowsWildcardSubdomain(t *testing.T) {
	resolver := fakeResolver{answers: map[string][]net.IPAddr{
		"api.example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	srv := NewServer(nil, WithResolver(resolver))
	srv.SetAllowList("pack-1", AllowList{Domains: []string{"*.example.com"}})

	_, err := srv.Authorize(context.Background(), "pack-1", "api.example.com", 443)
	require.NoError(t, err)
}

func TestAuthorizeEnforcesRateLimit(t *testing.T) {
	resolver := fakeResolver{answers: map[string][]net.IPAddr{
		"example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	srv := NewServer(nil, WithResolver(resolver), WithRateLimit(rate.Limit(1), 1))
	srv.SetAllowList("pack-1", AllowList{Domains: []string{"example.com"}})

	_, err := srv.Authorize(context.Background(), "pack-1", "example.com", 443)
	require.NoError(t, err)
	_, err = srv.Authorize(context.Background(), "pack-1", "example.com", 443)
	require.Error(t, err)
}

func TestAuthorizeRejectsBlockedDomain(t *testing.T) {
	resolver := fakeResolver{answers: map[string][]net.IPAddr{
		"evil.example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	srv := NewServer(nil, WithResolver(resolver))
	srv.SetAllowList("pack-1", AllowList{Domains: []string{"*.example.com"}, BlockedDomains: []string{"evil.example.com"}})

	reason, err := srv.Authorize(context.Background(), "pack-1", "evil.example.com", 443)
	require.Error(t, err)
	require.Equal(t, "blocked_domain", reason)
}

func TestHandleRequestRejectsInternalIPRejectionReason(t *testing.T) {
	resolver := fakeResolver{answers: map[string][]net.IPAddr{
		"evil.example": {{IP: net.ParseIP("127.0.0.1")}},
	}}
	srv := NewServer(nil, WithResolver(resolver))
	srv.SetAllowList("pack-1", AllowList{Domains: []string{"evil.example"}})

	resp := srv.handleRequest(context.Background(), "pack-1", wireRequest{Method: "GET", URL: "http://evil.example/", TimeoutSeconds: 5})
	require.False(t, resp.Success)
	require.Equal(t, "internal_ip", resp.RejectionReason)
}

func TestHandleRequestRejectsDisallowedMethod(t *testing.T) {
	srv := NewServer(nil)
	resp := srv.handleRequest(context.Background(), "pack-1", wireRequest{Method: "TRACE", URL: "http://example.com/", TimeoutSeconds: 5})
	require.False(t, resp.Success)
	require.Equal(t, "method_not_allowed", resp.RejectionReason)
}

func TestDialContextSSRFRejectsLiteralReservedIP(t *testing.T) {
	srv := NewServer(nil)
	_, err := srv.dialContextSSRF(context.Background(), "tcp", "127.0.0.1:80")
	require.Error(t, err)
}

func TestIsReservedCoversPrivateRanges(t *testing.T) {
	require.True(t, isReserved(net.ParseIP("10.0.0.5")))
	require.True(t, isReserved(net.ParseIP("192.168.1.1")))
	require.True(t, isReserved(net.ParseIP("169.254.169.254")))
	require.False(t, isReserved(net.ParseIP("8.8.8.8")))
}
