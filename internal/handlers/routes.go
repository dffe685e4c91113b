package handlers

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// RegisterRoutes registers the analysis and config routes.
func RegisterRoutes(api huma.API, detect *DetectHandler, config *ConfigHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "detect",
		Method:      http.MethodPost,
		Path:        "/api/detect",
		Summary:     "Analyze an image",
		Description: "Runs the requested detection mode against the image. " +
			"Requests are admission-controlled per client; a 429 response " +
			"carries a Retry-After hint.",
		Tags: []string{"Detection"},
	}, detect.Detect)

	huma.Register(api, huma.Operation{
		OperationID: "get-limits",
		Method:      http.MethodGet,
		Path:        "/api/config/limits",
		Summary:     "Get quota configuration",
		Tags:        []string{"Config"},
	}, config.Limits)

	huma.Register(api, huma.Operation{
		OperationID: "get-usage",
		Method:      http.MethodGet,
		Path:        "/api/config/usage",
		Summary:     "Get current usage for the caller",
		Tags:        []string{"Config"},
	}, config.Usage)
}
