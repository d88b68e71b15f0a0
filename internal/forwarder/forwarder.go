// Package forwarder performs the outbound upstream call: URL join, header
// sanitization, auth rewriting and timeout mapping. It applies no policy.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"keypool/internal/config"
)

var (
	// ErrUpstreamTimeout is returned when the provider deadline elapses.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnreachable is returned on any other transport failure.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// hopByHopHeaders are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// authHeaders are stripped from inbound requests before the pool credential
// is applied.
var authHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Api-Key",
	"Apikey",
	"Proxy-Authorization",
}

// Result is a fully-buffered upstream response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder owns the outbound HTTP client.
type Forwarder struct {
	client *http.Client
}

// New builds a Forwarder with a tuned transport. Per-request deadlines come
// from provider configuration, not the client.
func New() *Forwarder {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Forwarder{client: &http.Client{Transport: transport}}
}

// Forward relays the inbound request bearing the selected credential.
func (f *Forwarder) Forward(ctx context.Context, prov *config.ProviderConfig, material string, req *http.Request, body []byte) (*Result, error) {
	headers := sanitizeInbound(req.Header, true)
	headers.Set(prov.AuthHeader, "Bearer "+material)
	return f.send(ctx, prov, req, body, headers)
}

// PassThrough relays the inbound request with the caller's own headers,
// including their Authorization. Used for the cacheable read path.
func (f *Forwarder) PassThrough(ctx context.Context, prov *config.ProviderConfig, req *http.Request, body []byte) (*Result, error) {
	return f.send(ctx, prov, req, body, sanitizeInbound(req.Header, false))
}

func (f *Forwarder) send(ctx context.Context, prov *config.ProviderConfig, req *http.Request, body []byte, headers http.Header) (*Result, error) {
	target, err := joinURL(prov.BaseURL, req.URL)
	if err != nil {
		return nil, fmt.Errorf("compose upstream url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, prov.Timeout())
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = headers

	start := time.Now()
	resp, err := f.client.Do(out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrUpstreamTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrUpstreamTimeout
		}
		log.WithError(err).WithField("url", target).Debug("upstream call failed")
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnreachable, err)
	}

	log.WithFields(log.Fields{
		"url":        target,
		"status":     resp.StatusCode,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("upstream call")

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     sanitizeOutbound(resp.Header),
		Body:       respBody,
	}, nil
}

// joinURL composes base_url with the inbound path using URL-join semantics
// and carries the inbound query through.
func joinURL(base string, inbound *url.URL) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	joined := u.JoinPath(inbound.Path)
	joined.RawQuery = inbound.RawQuery
	return joined.String(), nil
}

// sanitizeInbound drops hop-by-hop headers, Host and Content-Encoding; when
// stripAuth is set it also drops every known auth-bearing header.
func sanitizeInbound(in http.Header, stripAuth bool) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		for _, v := range values {
			out.Add(key, v)
		}
	}
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	out.Del("Host")
	out.Del("Content-Encoding")
	if stripAuth {
		for _, h := range authHeaders {
			out.Del(h)
		}
	}
	return out
}

// sanitizeOutbound echoes response headers minus hop-by-hop and
// Content-Encoding; CORS and caching headers pass through untouched.
func sanitizeOutbound(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		for _, v := range values {
			out.Add(key, v)
		}
	}
	for _, h := range hopByHopHeaders {
		out.Del(h)
	}
	out.Del("Content-Encoding")
	out.Del("Content-Length")
	return out
}
