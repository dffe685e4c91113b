package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// DefaultBaseURL is the Gemini generateContent endpoint prefix.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models/"

const generationTemperature = 0.1

// Mode selects what the model is asked to detect in the image.
type Mode string

const (
	ModeText   Mode = "text"
	ModeObject Mode = "object"
	ModeLabel  Mode = "label"
)

// ParseMode validates a client-supplied mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeText, ModeObject, ModeLabel:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be text, object or label", s)
	}
}

const systemInstruction = "You are an image analysis AI. Respond in JSON following these rules: " +
	"bounding boxes (box_2d) use [ymin, xmin, ymax, xmax] normalized to 0-1000; " +
	"scores and confidences are in the 0.0-1.0 range; " +
	"return an empty array when nothing matches."

type modeSpec struct {
	prompt  string
	dataKey string
	schema  map[string]any
}

var modeSpecs = map[Mode]modeSpec{
	ModeText: {
		prompt:  "Detect all text in this image. Return each text block's content and bounding box.",
		dataKey: "text_blocks",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text_blocks": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"text":   map[string]any{"type": "string"},
							"box_2d": boxSchema(),
						},
						"required": []string{"text"},
					},
				},
			},
			"required": []string{"text_blocks"},
		},
	},
	ModeObject: {
		prompt: "Detect all objects in this image. Return each object's name, confidence score " +
			"and bounding box. Detect at most 10 objects.",
		dataKey: "objects",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"objects": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":   map[string]any{"type": "string"},
							"score":  map[string]any{"type": "number"},
							"box_2d": boxSchema(),
						},
						"required": []string{"name", "score"},
					},
				},
			},
			"required": []string{"objects"},
		},
	},
	ModeLabel: {
		prompt:  "Describe this image with classification labels and a relevance score for each.",
		dataKey: "labels",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"labels": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"description": map[string]any{"type": "string"},
							"score":       map[string]any{"type": "number"},
						},
						"required": []string{"description", "score"},
					},
				},
			},
			"required": []string{"labels"},
		},
	},
}

func boxSchema() map[string]any {
	return map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "integer"},
	}
}

// thinkingStrategies maps model families to the thinkingConfig they
// accept. A nil config means the key is omitted entirely, deferring
// to the API default.
var thinkingStrategies = []struct {
	genPrefix   string
	typeKeyword string
	config      map[string]any
}{
	{"gemini-2", "flash", map[string]any{"thinkingBudget": 0}},
	{"gemini-2", "pro", nil},
	{"gemini-3", "flash", map[string]any{"thinkingLevel": "MINIMAL"}},
	{"gemini-3", "pro", map[string]any{"thinkingLevel": "MINIMAL"}},
}

// finishReasons that mean the model refused or truncated the content.
var blockedFinishReasons = map[string]bool{
	"MAX_TOKENS":         true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SAFETY":             true,
}

// Detection is the mode-shaped result list returned by the model.
// Items hold the raw per-mode JSON objects; shaping them for a
// particular client is left to the HTTP layer.
type Detection struct {
	Mode  Mode
	Items []json.RawMessage
}

// Client calls the Gemini generateContent API through the backoff
// coordinator.
type Client struct {
	coordinator *Coordinator
	apiKey      string
	model       string
	baseURL     string
	logger      *zap.Logger

	warnedMu     sync.Mutex
	warnedModels map[string]bool
}

// NewClient creates a Gemini client. The coordinator owns retry and
// timeout behavior.
func NewClient(coordinator *Coordinator, apiKey, model string, logger *zap.Logger) *Client {
	return &Client{
		coordinator:  coordinator,
		apiKey:       apiKey,
		model:        model,
		baseURL:      DefaultBaseURL,
		logger:       logger,
		warnedModels: make(map[string]bool),
	}
}

// WithBaseURL points the client at a different endpoint. Test hook.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = baseURL

	return c
}

// Detect asks the model to analyze a base64-encoded JPEG image in the
// given mode. contextHint, when non-empty, is appended to the prompt.
func (c *Client) Detect(ctx context.Context, imageB64 string, mode Mode, contextHint string) (*Detection, error) {
	if c.apiKey == "" {
		return nil, ErrNoAPIKey
	}

	spec, ok := modeSpecs[mode]
	if !ok {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}

	payload, err := json.Marshal(c.buildPayload(spec, imageB64, contextHint))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	header := http.Header{}
	header.Set("x-goog-api-key", c.apiKey)
	header.Set("Content-Type", "application/json")

	resp, err := c.coordinator.Do(ctx, &Request{
		URL:    c.baseURL + c.model + ":generateContent",
		Header: header,
		Body:   payload,
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("gemini api error",
			zap.Int("status", resp.StatusCode),
			zap.String("mode", string(mode)),
		)

		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	items, err := extractItems(resp.Body, spec.dataKey)
	if err != nil {
		return nil, err
	}

	return &Detection{Mode: mode, Items: items}, nil
}

func (c *Client) buildPayload(spec modeSpec, imageB64, contextHint string) map[string]any {
	prompt := spec.prompt
	if contextHint != "" {
		prompt += " Context hint: " + contextHint
	}

	generationConfig := map[string]any{
		"responseMimeType": "application/json",
		"responseSchema":   spec.schema,
		"temperature":      generationTemperature,
	}

	if thinking := c.resolveThinkingConfig(); thinking != nil {
		generationConfig["thinkingConfig"] = thinking
	}

	return map[string]any{
		"systemInstruction": map[string]any{
			"parts": []map[string]any{{"text": systemInstruction}},
		},
		"contents": []map[string]any{{
			"parts": []map[string]any{
				{"text": prompt},
				{"inlineData": map[string]any{
					"mimeType": "image/jpeg",
					"data":     imageB64,
				}},
			},
		}},
		"generationConfig": generationConfig,
	}
}

// resolveThinkingConfig picks the thinking settings for the configured
// model family. Unknown models get no thinkingConfig at all, which is
// the safe side; the skip is logged once per model.
func (c *Client) resolveThinkingConfig() map[string]any {
	model := strings.ToLower(c.model)

	for _, s := range thinkingStrategies {
		if strings.HasPrefix(model, s.genPrefix) && strings.Contains(model, s.typeKeyword) {
			return s.config
		}
	}

	c.warnedMu.Lock()
	defer c.warnedMu.Unlock()

	if !c.warnedModels[c.model] {
		c.warnedModels[c.model] = true
		c.logger.Warn("unknown model family, omitting thinking config",
			zap.String("model", c.model),
		)
	}

	return nil
}

type generateContentResponse struct {
	Candidates []struct {
		FinishReason string `json:"finishReason"`
		Content      struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// extractItems pulls the mode's item list out of the first candidate's
// JSON text part.
func extractItems(body []byte, dataKey string) ([]json.RawMessage, error) {
	var resp generateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", ErrParse)
	}

	candidate := resp.Candidates[0]
	if blockedFinishReasons[candidate.FinishReason] {
		return nil, fmt.Errorf("%w: finish reason %s", ErrSafetyBlocked, candidate.FinishReason)
	}

	if len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty candidate content", ErrParse)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate.Content.Parts[0].Text), &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	var items []json.RawMessage
	if raw, ok := doc[dataKey]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParse, err)
		}
	}

	return items, nil
}
