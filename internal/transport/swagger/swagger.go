package swagger

import (
	"context"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/frahmantamala/credit-recovery/api"
)

// DocumentPath is where the router serves the OpenAPI document the UI loads.
const DocumentPath = "/openapi.yml"

func Handler() http.Handler {
	return httpSwagger.Handler(
		httpSwagger.URL(DocumentPath),
	)
}

// DocumentHandler serves the OpenAPI document compiled into the binary, so the server
// does not depend on its working directory.
func DocumentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPI)
	}
}

// Load parses and validates the OpenAPI document.
func Load(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	doc, err := loader.LoadFromData(api.OpenAPI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	return doc, nil
}
