package resolve

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	tunnel "github.com/burrowhq/burrow/internal"
)

// SecretHeader authenticates every relay <-> control-plane internal call.
const SecretHeader = "X-Relay-Internal-Secret"

// newTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching for the control-plane client.
func newTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 16,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// ControlPlane issues the single authenticated alias-resolution call against
// the control plane. The zero value is a disabled client: with no base URL
// or no secret every lookup reports the alias as unknown, so tokens remain
// the only routable identity (fail closed).
type ControlPlane struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewControlPlane builds the client. resolver may be nil to use the default
// dialer.
func NewControlPlane(baseURL, secret string, resolver *dnscache.Resolver) *ControlPlane {
	return &ControlPlane{
		baseURL: baseURL,
		secret:  secret,
		client: &http.Client{
			Transport: newTransport(resolver),
			Timeout:   5 * time.Second,
		},
	}
}

// Enabled reports whether alias resolution is configured at all.
func (cp *ControlPlane) Enabled() bool {
	return cp != nil && cp.baseURL != "" && cp.secret != ""
}

// ResolveAlias asks the control plane which token owns alias. It returns
// tunnel.ErrAliasUnknown on 404 and tunnel.ErrUpstream on any transport or
// server failure.
func (cp *ControlPlane) ResolveAlias(ctx context.Context, alias string) (string, error) {
	if !cp.Enabled() {
		return "", tunnel.ErrAliasDisabled
	}

	u := cp.baseURL + "/internal/resolve-alias?alias=" + url.QueryEscape(alias)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", tunnel.ErrUpstream, err)
	}
	req.Header.Set(SecretHeader, cp.secret)

	resp, err := cp.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", tunnel.ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if err != nil {
			return "", fmt.Errorf("%w: read body: %v", tunnel.ErrUpstream, err)
		}
		token := gjson.GetBytes(body, "token").String()
		if !tunnel.ValidToken(token) {
			return "", fmt.Errorf("%w: resolver returned malformed token", tunnel.ErrUpstream)
		}
		return token, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", tunnel.ErrAliasUnknown
	default:
		return "", fmt.Errorf("%w: resolver status %d", tunnel.ErrUpstream, resp.StatusCode)
	}
}
