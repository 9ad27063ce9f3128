package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Groq implements the Interpreter interface against Groq's
// OpenAI-compatible chat completions API
type Groq struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewGroq creates a new Groq Interpreter instance
func NewGroq(apiKey string, modelName string) (*Groq, error) {
	return NewGroqWithURL("https://api.groq.com/openai/v1", apiKey, modelName)
}

// NewGroqWithURL creates a Groq Interpreter against a custom endpoint for testing
func NewGroqWithURL(baseURL, apiKey, modelName string) (*Groq, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("groq api key is required")
	}
	if modelName == "" {
		modelName = "llama-3.3-70b-versatile"
	}

	return &Groq{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   modelName,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type groqChatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []groqMessage `json:"messages"`
}

type groqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqChatResponse struct {
	Choices []struct {
		Message groqMessage `json:"message"`
	} `json:"choices"`
}

// Interpret extracts the canonical receipt fields from OCR text. Sampling
// is deterministic so retries yield stable output.
func (g *Groq) Interpret(ctx context.Context, ocrText string) (*ReceiptData, error) {
	reqBody := groqChatRequest{
		Model:       g.model,
		Temperature: 0,
		Messages: []groqMessage{
			{Role: "system", Content: interpretSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("OCR text:\n%s\n\nReturn the receipt JSON.", ocrText)},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: calling groq API: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: groq API status %d: %s", ErrBackendUnavailable, resp.StatusCode, string(body))
	}

	var chatResp groqChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrBackendUnavailable, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrMalformedResponse)
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	data, err := parseReceiptJSON(content)
	if err != nil {
		return nil, fmt.Errorf("parsing receipt data: %w", err)
	}

	return data, nil
}

// Close closes the Groq client (no-op for HTTP client)
func (g *Groq) Close() error {
	return nil
}
