// Package service implements the relay logic: target resolution, header
// policy and the single upstream round trip per client request.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"cf-access-proxy-go/internal/config"
	"cf-access-proxy-go/internal/headerpolicy"
	"cf-access-proxy-go/internal/model"
)

// ErrInvalidTarget is returned when a forward-mode request does not carry an
// absolute http or https URL.
var ErrInvalidTarget = errors.New("request target must be an absolute http or https URL")

// RoundTripper performs exactly one upstream request.
type RoundTripper interface {
	RoundTrip(req *http.Request) (*model.ProxyResponse, error)
}

// RelayService handles the forwarding logic for relayed requests.
type RelayService struct {
	client  RoundTripper
	mode    model.Mode
	policy  headerpolicy.Policy
	logger  *slog.Logger
	baseURL *url.URL // reverse mode only
}

// NewRelayService creates a RelayService for the mode cfg was loaded for.
func NewRelayService(c RoundTripper, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	s := &RelayService{
		client: c,
		mode:   cfg.Mode(),
		policy: headerpolicy.Policy{
			Mode:                cfg.Mode(),
			Credentials:         cfg.Credentials(),
			StripAcceptEncoding: cfg.Upstream.StripsAcceptEncoding(),
		},
		logger: logger.With("component", "relay_service"),
	}

	if s.mode == model.ModeReverse {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream url: %w", err)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("upstream url %q has no host", cfg.Upstream.URL)
		}
		u.Host = canonicalHost(u)
		s.baseURL = u
	}

	return s, nil
}

// Mode returns the proxy mode the service relays for.
func (s *RelayService) Mode() model.Mode {
	return s.mode
}

// Forward sends pr upstream and returns the response with hop-by-hop headers
// removed. The caller is responsible for closing the response body.
//
// ErrInvalidTarget is returned when no upstream can be derived from pr.
// Any other error comes from the upstream leg and wraps the network error.
func (s *RelayService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := s.resolveTarget(pr.Target)
	if err != nil {
		return nil, err
	}

	header := s.policy.Rewrite(pr.Header, target.Host, pr.Host, pr.Scheme)

	body := pr.Body
	if pr.ContentLength == 0 || body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Host = header.Get("Host")
	header.Del("Host")
	if _, ok := header["User-Agent"]; !ok {
		// An empty value keeps the transport from adding its own.
		header["User-Agent"] = []string{""}
	}
	req.Header = header
	req.ContentLength = pr.ContentLength
	if body == http.NoBody {
		req.ContentLength = 0
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", target.Host,
		"path", target.Path,
	)

	resp, err := s.client.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = headerpolicy.StripHopByHop(resp.Header)
	return resp, nil
}

// resolveTarget derives the absolute upstream URL for a request target.
// Path and query are passed through byte-for-byte.
func (s *RelayService) resolveTarget(target *url.URL) (*url.URL, error) {
	if target == nil {
		return nil, ErrInvalidTarget
	}

	if s.mode == model.ModeReverse {
		u := &url.URL{
			Scheme:   s.baseURL.Scheme,
			Host:     s.baseURL.Host,
			Path:     target.Path,
			RawPath:  target.RawPath,
			RawQuery: target.RawQuery,
		}
		if u.Path == "" {
			u.Path = "/"
			u.RawPath = ""
		}
		return u, nil
	}

	if !target.IsAbs() || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, ErrInvalidTarget
	}
	u := &url.URL{
		Scheme:   target.Scheme,
		Host:     target.Host,
		Path:     target.Path,
		RawPath:  target.RawPath,
		RawQuery: target.RawQuery,
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}

// canonicalHost drops the port from u.Host when it is the scheme's default,
// so the upstream sees the same Host a browser would send.
func canonicalHost(u *url.URL) string {
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		host := u.Hostname()
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return u.Host
}
