// Package pitch expands a one-line idea into a structured draft pitch by
// calling an OpenAI-compatible chat-completions endpoint.
package pitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultSystemPrompt = `
You are an expert hackathon pitching assistant. Expand a very short, lazy idea into a crisp, actionable pitch that specifically benefits South Florida communities (Miami-Dade, Broward, Palm Beach, the Keys). Keep it practical and locally grounded (e.g., hurricanes, flooding, housing, transit, small businesses, multilingual).
Return strict JSON with keys:
-  developed_title (short, catchy)
-  problem (who is affected, local angle)
-  solution (what the product does)
-  mvp (what to build first; concise)
-  hours_estimate (integer, how many hours to ship MVP)
Guidelines:
-  Plain concise language.
-  Avoid jargon.
-  Assume a small dev team.
-  Be helpful and realistic.
`

const (
	maxDraftTitleLen = 120
	maxDraftTextLen  = 2000
	defaultHours     = 20
)

// ErrUnsupportedProvider is returned before any network call when the
// configured provider is not recognized.
var ErrUnsupportedProvider = errors.New("unsupported AI provider")

// UpstreamError carries the provider's failure message back to the caller.
// One attempt only; the caller decides whether a failed preview matters.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "pitch upstream: " + e.Message
}

// Config is the explicit configuration for the client. It is passed into New
// rather than read from the environment.
type Config struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	SystemPrompt string
}

// Draft is the unpersisted expansion preview returned to the caller.
type Draft struct {
	DevelopedTitle string `json:"developed_title"`
	Problem        string `json:"problem"`
	Solution       string `json:"solution"`
	MVP            string `json:"mvp"`
	HoursEstimate  int    `json:"hours_estimate"`
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1/chat/completions"
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
	Messages       []chatMessage  `json:"messages"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Expand sends the idea title to the provider and parses the structured draft.
// The reply must be JSON; string fields are coerced and clipped, and a
// missing or non-numeric hours_estimate defaults to 20.
func (c *Client) Expand(ctx context.Context, title string) (Draft, error) {
	if c.cfg.Provider != "openai" {
		return Draft{}, fmt.Errorf("%w: %s", ErrUnsupportedProvider, c.cfg.Provider)
	}

	payload := chatRequest{
		Model:          c.cfg.Model,
		Temperature:    0.7,
		ResponseFormat: responseFormat{Type: "json_object"},
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.SystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Original one-liner idea: %q.\nFocus on South Florida context.\nReturn JSON as specified.", title)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Draft{}, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Draft{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Draft{}, &UpstreamError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Draft{}, &UpstreamError{Message: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Draft{}, &UpstreamError{Message: strings.TrimSpace(string(raw))}
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return Draft{}, &UpstreamError{Message: "unparseable chat response: " + err.Error()}
	}
	if len(chat.Choices) == 0 {
		return Draft{}, &UpstreamError{Message: "chat response has no choices"}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &parsed); err != nil {
		return Draft{}, &UpstreamError{Message: "unparseable draft content: " + err.Error()}
	}

	return Draft{
		DevelopedTitle: clip(coerceString(parsed["developed_title"]), maxDraftTitleLen),
		Problem:        clip(coerceString(parsed["problem"]), maxDraftTextLen),
		Solution:       clip(coerceString(parsed["solution"]), maxDraftTextLen),
		MVP:            clip(coerceString(parsed["mvp"]), maxDraftTextLen),
		HoursEstimate:  CoerceHours(parsed["hours_estimate"]),
	}, nil
}

func coerceString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// CoerceHours rounds an arbitrary JSON value to the nearest hour with a floor
// of 1, falling back to the default when the value is missing or not a number.
// Finalize uses the same coercion on caller-edited drafts.
func CoerceHours(value any) int {
	var hours float64
	switch v := value.(type) {
	case float64:
		hours = v
	case int:
		hours = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return defaultHours
		}
		hours = parsed
	default:
		return defaultHours
	}
	if math.IsNaN(hours) || math.IsInf(hours, 0) {
		return defaultHours
	}
	rounded := int(math.Round(hours))
	if rounded < 1 {
		return 1
	}
	return rounded
}

// clip truncates to a character count, never splitting a rune.
func clip(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
