package shellcache

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"

	tee "github.com/always-cache/shellcache/pkg/response-writer-tee"
)

// Network performs the outbound fetch on a cache miss.
// A returned error means no response could be obtained at all;
// error statuses are responses, not errors.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NetworkFunc adapts an ordinary function to the Network interface.
type NetworkFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// OriginNetwork fetches over HTTP.
// Requests for the scope's origin are sent to the origin server address,
// other requests go where their URL points.
type OriginNetwork struct {
	client     *http.Client
	scopeHost  string
	origin     url.URL
	hostHeader string
}

// NewOriginNetwork returns a network sending same-origin requests to origin.
// If originHost is set, it is used for the Host header and TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewOriginNetwork(scope url.URL, origin url.URL, originHost string) *OriginNetwork {
	n := &OriginNetwork{
		client: &http.Client{
			// do not follow redirects, the caller gets them as-is
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		scopeHost:  scope.Host,
		origin:     origin,
		hostHeader: originHost,
	}
	if originHost != "" {
		n.client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return n
}

func (n *OriginNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	out := req.Clone(ctx)
	// server requests cannot be sent as client requests
	out.RequestURI = ""
	if out.URL.Host == n.scopeHost {
		out.URL.Scheme = n.origin.Scheme
		out.URL.Host = n.origin.Host
		out.Host = n.hostHeader
		if out.Host == "" {
			out.Host = n.scopeHost
		}
	}
	res, err := n.client.Do(out)
	if err != nil {
		return nil, err
	}
	// report the request as the caller addressed it, not the rewritten one
	res.Request = req
	return res, nil
}

// HandlerNetwork uses an http.Handler as the network, e.g. when the agent is used
// as middleware in front of the application's own handler.
type HandlerNetwork struct {
	Handler http.Handler
}

func (n HandlerNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	rs := tee.NewResponseSaver(nil)
	n.Handler.ServeHTTP(rs, req.WithContext(ctx))
	return rs.Response(req)
}
