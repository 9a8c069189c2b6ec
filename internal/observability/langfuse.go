package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

const defaultLangfuseURL = "https://cloud.langfuse.com"

// LangfuseClient reports finished generations to Langfuse for LLM
// observability: model, token usage, credit cost and outcome per answer.
type LangfuseClient struct {
	baseURL    string
	publicKey  string
	secretKey  string
	httpClient *http.Client
	enabled    bool
}

// LangfuseConfig contains configuration for Langfuse integration
type LangfuseConfig struct {
	// BaseURL is the Langfuse API endpoint (defaults to cloud.langfuse.com)
	BaseURL string

	// PublicKey and SecretKey authenticate via Basic Auth.
	PublicKey string
	SecretKey string
}

// Generation is one finished model generation.
type Generation struct {
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name,omitempty"`
	TraceID        string         `json:"traceId,omitempty"`
	StartTime      time.Time      `json:"startTime"`
	EndTime        time.Time      `json:"endTime,omitempty"`
	Model          string         `json:"model"`
	Usage          *LangfuseUsage `json:"usage,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Level          string         `json:"level,omitempty"`
	StatusMessage  string         `json:"statusMessage,omitempty"`
}

// LangfuseUsage represents token usage and cost
type LangfuseUsage struct {
	PromptTokens     int     `json:"promptTokens,omitempty"`
	CompletionTokens int     `json:"completionTokens,omitempty"`
	TotalCost        float64 `json:"totalCost,omitempty"`
}

// NewLangfuseClient creates a client; it is disabled when keys are missing.
func NewLangfuseClient(cfg LangfuseConfig) *LangfuseClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultLangfuseURL
	}
	return &LangfuseClient{
		baseURL:    baseURL,
		publicKey:  cfg.PublicKey,
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		enabled:    cfg.PublicKey != "" && cfg.SecretKey != "",
	}
}

// NewLangfuseFromEnv creates a client from LANGFUSE_PUBLIC_KEY,
// LANGFUSE_SECRET_KEY and LANGFUSE_HOST.
func NewLangfuseFromEnv() *LangfuseClient {
	return NewLangfuseClient(LangfuseConfig{
		BaseURL:   os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	})
}

// Enabled reports whether the client will actually send anything.
func (c *LangfuseClient) Enabled() bool {
	return c.enabled
}

// TrackGeneration sends one generation event. Failures are returned but
// callers are expected to log and move on: observability never blocks
// the platform.
func (c *LangfuseClient) TrackGeneration(ctx context.Context, gen Generation) error {
	if !c.enabled {
		return nil
	}

	if gen.ID == "" {
		gen.ID = uuid.New().String()
	}

	event := map[string]any{
		"id":        uuid.New().String(),
		"type":      "generation-create",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"body":      gen,
	}
	payload := map[string]any{"batch": []any{event}}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal generation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/public/ingestion", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.publicKey, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("langfuse ingestion: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("langfuse ingestion: status %d", resp.StatusCode)
	}
	return nil
}
