package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/af-corp/meridian-gateway/internal/types"
	"github.com/tidwall/gjson"
)

// ErrModelListingUnsupported is returned by FetchModels for adapters without
// a models endpoint.
var ErrModelListingUnsupported = errors.New("provider does not support model listing")

const maxModelsBody = 4 << 20

// NormalizeBaseURL strips a trailing slash and a trailing "/v1" so endpoint
// paths that start with "/v1" are not doubled.
func NormalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	return strings.TrimRight(base, "/")
}

// FetchModels lists the models an OpenAI-compatible server offers.
func FetchModels(ctx context.Context, client *http.Client, adapter Adapter, baseURL, apiKey string) ([]types.ModelInfo, error) {
	endpoint := adapter.ModelsEndpoint()
	if endpoint == "" {
		return nil, fmt.Errorf("%w: %s", ErrModelListingUnsupported, adapter.Name())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, NormalizeBaseURL(baseURL)+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create models request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxModelsBody))
	if err != nil {
		return nil, fmt.Errorf("read models response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("models endpoint returned status %d", resp.StatusCode)
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, fmt.Errorf("%w: expected data array in models response", ErrInvalidResponse)
	}

	var models []types.ModelInfo
	for _, m := range data.Array() {
		id := m.Get("id")
		if id.Type != gjson.String {
			continue
		}
		models = append(models, types.ModelInfo{
			ID:      id.String(),
			Object:  "model",
			Created: m.Get("created").Int(),
			OwnedBy: m.Get("owned_by").String(),
		})
	}
	return models, nil
}
