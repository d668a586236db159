package client

import (
	"net/http"
	"time"

	"scenestream-proxy/work/config"
)

// Pool holds reusable keep-alive transports to upstream hosts, partitioned
// by URL scheme. Each partition carries its own socket budget so plaintext
// and TLS destinations never compete for connections. The pool performs no
// retries of its own; a failed socket is replaced on next use by the
// underlying transport.
type Pool struct {
	plain  *http.Client
	secure *http.Client
	cfg    *config.Config
}

// NewPool builds the two transport partitions with keep-alive enabled, a
// bounded per-destination socket count, and the configured idle duration.
// Client timeouts are left at zero: absolute deadlines are applied per
// request by the forwarder, since a stream may legitimately outlive any
// fixed client timeout.
func NewPool(cfg *config.Config) *Pool {
	return &Pool{
		plain:  &http.Client{Transport: newTransport(cfg)},
		secure: &http.Client{Transport: newTransport(cfg)},
		cfg:    cfg,
	}
}

func newTransport(cfg *config.Config) *http.Transport {
	return &http.Transport{
		MaxIdleConns:          cfg.MaxSocketsPerHost * 4,
		MaxIdleConnsPerHost:   cfg.MaxSocketsPerHost,
		MaxConnsPerHost:       cfg.MaxSocketsPerHost,
		IdleConnTimeout:       cfg.KeepAliveIdle,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     false,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// Do dispatches the request on the transport partition matching its scheme,
// after stamping the shared outbound headers.
func (p *Pool) Do(req *http.Request) (*http.Response, error) {
	p.setHeaders(req)
	if req.URL.Scheme == "https" {
		return p.secure.Do(req)
	}
	return p.plain.Do(req)
}

func (p *Pool) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
}

// CloseIdle drops all idle pooled connections in both partitions; used
// during shutdown and by the background maintenance sweep.
func (p *Pool) CloseIdle() {
	if t, ok := p.plain.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	if t, ok := p.secure.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
