package rpc

import (
	"context"
	"fmt"
	"net/http"
)

const registryValidatorsPath = "/api/v1/validators?only-known=false"

// UnknownValidatorName is the registry's placeholder for validators without metadata.
const UnknownValidatorName = "Unknown validator"

// ValidatorMeta is a registry entry.
type ValidatorMeta struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	Address        string  `json:"address"`
	Logo           string  `json:"logo"`
	DominanceRatio float64 `json:"dominanceRatio"`
}

// RegistryClient reads validator display metadata from the public registry.
type RegistryClient struct {
	http *HTTPClient
}

// NewRegistryClient builds a client over the given registry base URLs.
func NewRegistryClient(o Opts) *RegistryClient {
	return &RegistryClient{http: NewHTTPWithOpts(o)}
}

// Validators lists all validators, known or not.
func (r *RegistryClient) Validators(ctx context.Context) ([]ValidatorMeta, error) {
	var out []ValidatorMeta
	if err := r.http.doJSON(ctx, http.MethodGet, registryValidatorsPath, nil, &out); err != nil {
		return nil, fmt.Errorf("list registry validators: %w", err)
	}
	return out, nil
}
