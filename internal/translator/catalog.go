package translator

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"sgproxy/internal/models"
)

const (
	ownerDelimiter = "::"
	unknownOwner   = "unknown"
)

var errInvalidCatalogJSON = errors.New("catalog body is not valid JSON")

// CatalogDecodeError reports an upstream catalog body that could not be parsed.
type CatalogDecodeError struct {
	URL string
	Err error
}

func (e *CatalogDecodeError) Error() string {
	if e.URL == "" {
		return "decode model catalog: " + e.Err.Error()
	}
	return "decode model catalog from " + e.URL + ": " + e.Err.Error()
}

func (e *CatalogDecodeError) Unwrap() error {
	return e.Err
}

// ReshapeCatalog extracts the model entries from the upstream catalog document.
// A missing models array yields an empty list.
func ReshapeCatalog(body []byte) ([]models.Model, error) {
	if !gjson.ValidBytes(body) {
		return nil, &CatalogDecodeError{Err: errInvalidCatalogJSON}
	}

	var out []models.Model
	gjson.GetBytes(body, "models").ForEach(func(_, entry gjson.Result) bool {
		ref := entry.Get("modelRef").String()
		out = append(out, models.Model{
			ID:      ref,
			OwnedBy: OwnerOf(ref),
		})
		return true
	})
	return out, nil
}

// OwnerOf returns the provider segment of a model reference such as
// "anthropic::2024-10-22::claude-3-5-sonnet-latest".
func OwnerOf(modelRef string) string {
	owner, _, found := strings.Cut(modelRef, ownerDelimiter)
	if !found {
		return unknownOwner
	}
	return owner
}
