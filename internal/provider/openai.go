package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const openaiBaseURL = "https://api.openai.com"

// OpenAIProvider streams completions from the OpenAI Responses API.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider)

// WithBaseURL overrides the API base URL (useful for proxies and tests).
func WithBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.baseURL = url
	}
}

// WithRateLimit caps outgoing requests per second across all sessions.
func WithRateLimit(rps float64, burst int) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewOpenAIProvider creates a provider using the platform API key.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: openaiBaseURL,
		client:  &http.Client{Timeout: 300 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Wire types for the Responses API.

type openaiRequest struct {
	Model            string            `json:"model"`
	Input            []json.RawMessage `json:"input"`
	Stream           bool              `json:"stream"`
	Tools            []openaiTool      `json:"tools,omitempty"`
	ToolChoice       string            `json:"tool_choice,omitempty"`
	Reasoning        *openaiReasoning  `json:"reasoning,omitempty"`
	SafetyIdentifier string            `json:"safety_identifier,omitempty"`
	PromptCacheKey   string            `json:"prompt_cache_key,omitempty"`
}

type openaiTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiReasoning struct {
	Summary string `json:"summary"`
}

type openaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Detail   string `json:"detail,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type openaiMessageItem struct {
	Type    string              `json:"type"`
	Role    string              `json:"role"`
	Content []openaiContentPart `json:"content"`
}

type openaiCallItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Stream issues one streaming call against /v1/responses.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	wireReq := openaiRequest{
		Model:            req.Model,
		Input:            encodeBlocks(req.Blocks),
		Stream:           true,
		Reasoning:        &openaiReasoning{Summary: "auto"},
		SafetyIdentifier: req.UserID,
		PromptCacheKey:   req.UserID,
	}

	if len(req.Tools) > 0 {
		wireReq.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			wireReq.Tools[i] = openaiTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		wireReq.ToolChoice = "auto"
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	key := p.apiKey
	if req.CustomKey != "" {
		key = req.CustomKey
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewTransportError("openai", ErrorCodeTimeout, err.Error(), err)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, p.handleErrorResponse(resp)
	}

	return &openaiStream{reader: bufio.NewReader(resp.Body), closer: resp.Body}, nil
}

func encodeBlocks(blocks []Block) []json.RawMessage {
	input := make([]json.RawMessage, 0, len(blocks))

	for _, b := range blocks {
		var item any
		switch b.Type {
		case BlockToolCall:
			item = openaiCallItem{
				Type:      "function_call",
				CallID:    b.CallID,
				Name:      b.Name,
				Arguments: b.Arguments,
			}
		case BlockToolOutput:
			item = openaiCallItem{
				Type:   "function_call_output",
				CallID: b.CallID,
				Output: b.Text,
				Status: "completed",
			}
		default:
			part := openaiContentPart{}
			if b.ImageURL != "" {
				part.Type = "input_image"
				part.Detail = "auto"
				part.ImageURL = b.ImageURL
			} else if b.Role == "assistant" {
				part.Type = "output_text"
				part.Text = b.Text
			} else {
				part.Type = "input_text"
				part.Text = b.Text
			}
			item = openaiMessageItem{
				Type:    "message",
				Role:    b.Role,
				Content: []openaiContentPart{part},
			}
		}

		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		input = append(input, data)
	}

	return input
}

func (p *OpenAIProvider) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}

	code := ErrorCodeUnknown
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		code = ErrorCodeAuthentication
	case http.StatusTooManyRequests:
		code = ErrorCodeRateLimit
	case http.StatusBadRequest:
		code = ErrorCodeInvalidRequest
	case http.StatusNotFound:
		code = ErrorCodeModelNotFound
	default:
		if resp.StatusCode >= 500 {
			code = ErrorCodeServerError
		}
	}

	message := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		message = errResp.Error.Message
	}

	return &TransportError{
		Provider:    "openai",
		Code:        code,
		Message:     message,
		StatusCode:  resp.StatusCode,
		IsRetryable: code == ErrorCodeRateLimit || code == ErrorCodeServerError,
	}
}

// openaiStream parses the SSE event sequence of a Responses API call into
// provider events.
type openaiStream struct {
	reader *bufio.Reader
	closer io.Closer
}

type openaiStreamEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Item  *struct {
		Type      string `json:"type"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
	Response *struct {
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"response"`
}

func (s *openaiStream) Recv() (*Event, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, NewTransportError("openai", ErrorCodeServerError, err.Error(), err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		data := bytes.TrimPrefix(line, []byte("data: "))
		if string(data) == "[DONE]" {
			return nil, io.EOF
		}

		var ev openaiStreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			return &Event{Type: EventContentDelta, Delta: ev.Delta}, nil

		case "response.reasoning_summary_text.delta":
			return &Event{Type: EventReasoningDelta, Delta: ev.Delta}, nil

		case "response.output_item.done":
			if ev.Item != nil && ev.Item.Type == "function_call" {
				return &Event{Type: EventToolCall, Call: &ToolCallEvent{
					CallID:    ev.Item.CallID,
					Name:      ev.Item.Name,
					Arguments: ev.Item.Arguments,
				}}, nil
			}

		case "response.completed":
			if ev.Response != nil && ev.Response.Usage != nil {
				return &Event{Type: EventUsage, Usage: &Usage{
					InputTokens:  ev.Response.Usage.InputTokens,
					OutputTokens: ev.Response.Usage.OutputTokens,
				}}, nil
			}
		}
	}
}

func (s *openaiStream) Close() error {
	return s.closer.Close()
}
