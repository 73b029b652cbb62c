package sourcegraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"sgproxy/internal/config"
	"sgproxy/internal/models"
	"sgproxy/internal/provider"
)

const (
	streamPath  = "/.api/completions/stream"
	catalogPath = "/.api/modelconfig/supported-models.json"

	contentTypeJSON = "application/json; charset=utf-8"
	acceptStream    = "text/event-stream"
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	maxCatalogBytes = 16 << 20
	maxErrorBytes   = 64 * 1024
)

// Provider talks to a Sourcegraph instance's completions API.
type Provider struct {
	name       string
	baseURL    string
	headers    map[string]string
	client     *http.Client
	params     url.Values
	streamURL  string
	catalogURL string
}

// New constructs a Sourcegraph provider.
func New(name string, cfg config.UpstreamConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := cfg.BaseURL()
	if strings.TrimSpace(cfg.Domain) == "" && cfg.URL == "" {
		return nil, errors.New("upstream domain must not be empty")
	}

	params := url.Values{}
	params.Set("api-version", cfg.APIVersion)
	params.Set("client-name", cfg.ClientName)
	params.Set("client-version", cfg.ClientVersion)

	return &Provider{
		name:       name,
		baseURL:    baseURL,
		headers:    cfg.Headers,
		client:     client,
		params:     params,
		streamURL:  baseURL + streamPath,
		catalogURL: baseURL + catalogPath,
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

// CatalogURL is the address model listings are fetched from.
func (p *Provider) CatalogURL() string {
	return p.catalogURL
}

func (p *Provider) OpenStream(ctx context.Context, req models.UpstreamRequest, creds provider.Credentials) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	slog.Debug("upstream stream request", "url", p.streamURL, "model", req.Model, "max_tokens", req.MaxTokensToSample, "messages", len(req.Messages))

	httpReq, err := p.newRequest(ctx, http.MethodPost, p.streamURL+"?"+p.params.Encode(), bytes.NewReader(body), creds)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s stream request failed: %w", p.name, err)
	}
	return httpResp, nil
}

func (p *Provider) FetchCatalog(ctx context.Context, creds provider.Credentials) ([]byte, error) {
	httpReq, err := p.newRequest(ctx, http.MethodGet, p.catalogURL, nil, creds)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s catalog request failed: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBytes))
		return nil, &provider.CatalogFetchError{
			URL:    p.catalogURL,
			Status: httpResp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxCatalogBytes))
	if err != nil {
		return nil, fmt.Errorf("read catalog body: %w", err)
	}
	return body, nil
}

func (p *Provider) newRequest(ctx context.Context, method, target string, body io.Reader, creds provider.Credentials) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("X-Sourcegraph-Client", p.baseURL)
	req.Header.Set("X-Requested-With", "Sourcegraph")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptStream)
	req.Header.Set("Content-Type", contentTypeJSON)
	if creds.SessionToken != "" {
		req.Header.Set("Cookie", fmt.Sprintf("sgs=%s;", creds.SessionToken))
	}

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}
