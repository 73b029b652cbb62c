package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"sgproxy/internal/models"
)

// Credentials carries the session token extracted from the inbound request.
type Credentials struct {
	SessionToken string
}

// CredentialsFromAuthorization extracts the bearer token from an Authorization
// header value. Any other scheme yields empty credentials.
func CredentialsFromAuthorization(header string) Credentials {
	token, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return Credentials{}
	}
	fields := strings.Fields(token)
	if len(fields) == 0 {
		return Credentials{}
	}
	return Credentials{SessionToken: fields[0]}
}

// Provider defines the upstream operations the adapter relies on.
type Provider interface {
	Name() string
	// OpenStream starts a streaming completion. The caller owns the response
	// body and must close it; non-success statuses are returned, not converted
	// to errors.
	OpenStream(ctx context.Context, req models.UpstreamRequest, creds Credentials) (*http.Response, error)
	// FetchCatalog returns the raw model catalog document.
	FetchCatalog(ctx context.Context, creds Credentials) ([]byte, error)
	CatalogURL() string
}

// CatalogFetchError reports a non-success response from the catalog endpoint.
type CatalogFetchError struct {
	URL    string
	Status int
	Body   string
}

func (e *CatalogFetchError) Error() string {
	return fmt.Sprintf("Failed to fetch models from %s. Status code: %d", e.URL, e.Status)
}
