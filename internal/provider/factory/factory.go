package factory

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"sgproxy/internal/config"
	"sgproxy/internal/provider"
	"sgproxy/internal/provider/sourcegraph"
)

const (
	defaultDialTimeout           = 10 * time.Second
	defaultKeepAlive             = 30 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultResponseHeaderTimeout = 60 * time.Second
)

// NewProvider constructs the configured upstream provider.
func NewProvider(cfg config.Config) (provider.Provider, error) {
	p, err := sourcegraph.New("sourcegraph", cfg.Upstream, newHTTPClient())
	if err != nil {
		return nil, fmt.Errorf("initialise sourcegraph provider: %w", err)
	}
	return p, nil
}

// newHTTPClient leaves Client.Timeout unset since it also bounds the body read.
// Stalled streams are cut by the translator's idle read timeout.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}
