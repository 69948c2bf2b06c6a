package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Message represents a chat message in the provider's API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client communicates with an OpenAI-compatible chat-completion endpoint
// over HTTP. It does no retrying of its own; repair and redelivery policy
// live above it.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClientFromEnv builds a Client from AI_BASE_URL, AI_API_KEY and
// AI_MODEL.
func NewClientFromEnv() *Client {
	baseURL := strings.TrimSpace(os.Getenv("AI_BASE_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	model := strings.TrimSpace(os.Getenv("AI_MODEL"))
	if model == "" {
		model = "gpt-4o-mini"
	}
	return New(baseURL, os.Getenv("AI_API_KEY"), model)
}

func New(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// chatRequest is the JSON body for POST /chat/completions.
type chatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Stream         bool      `json:"stream"`
	ResponseFormat any       `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type jsonSchemaFormat struct {
	Type       string `json:"type"`
	JSONSchema struct {
		Name   string  `json:"name"`
		Schema *Schema `json:"schema"`
		Strict bool    `json:"strict"`
	} `json:"json_schema"`
}

// Chat sends messages to the configured model and returns the assistant's
// response. When schema is non-nil the provider is asked for structured
// JSON output.
func (c *Client) Chat(ctx context.Context, messages []Message, schema *Schema) (string, error) {
	cr := chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
	}
	if schema != nil {
		f := jsonSchemaFormat{Type: "json_schema"}
		f.JSONSchema.Name = "response"
		f.JSONSchema.Schema = schema
		f.JSONSchema.Strict = true
		cr.ResponseFormat = f
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: unexpected status %d", resp.StatusCode)
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat: empty choices")
	}

	return result.Choices[0].Message.Content, nil
}
