package estimator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/npezzotti/pointing-poker/internal/types"
)

// OpenAI implements Client for any API that speaks the OpenAI chat
// completions wire format.
type OpenAI struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewOpenAI(httpClient *http.Client, baseURL, apiKey, model string) *OpenAI {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}

	return &OpenAI{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type estimatePayload struct {
	Points     float64  `json:"points"`
	Confidence string   `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Risks      []string `json:"risks"`
}

func (o *OpenAI) complete(ctx context.Context, req chatRequest) (string, error) {
	req.Model = o.model
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("estimator/openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("estimator/openai: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("estimator/openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("estimator/openai: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("estimator/openai: decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("estimator/openai: %s: %s", out.Error.Type, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("estimator/openai: empty choices")
	}

	return out.Choices[0].Message.Content, nil
}

func (o *OpenAI) Estimate(ctx context.Context, issue types.Issue) (types.Estimate, error) {
	temperature := 0.2
	content, err := o.complete(ctx, chatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: estimateSystemPrompt},
			{Role: RoleUser, Content: issuePrompt(issue)},
		},
		Temperature:    &temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return types.Estimate{}, err
	}

	return parseEstimate(content)
}

func (o *OpenAI) Chat(ctx context.Context, history []Message) (string, error) {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: ChatSystemPrompt})
	messages = append(messages, history...)

	content, err := o.complete(ctx, chatRequest{Messages: messages})
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(content), nil
}

// parseEstimate decodes the model's JSON answer. Models sometimes wrap JSON in
// a markdown fence, which is stripped first.
func parseEstimate(content string) (types.Estimate, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var p estimatePayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &p); err != nil {
		return types.Estimate{}, fmt.Errorf("estimator/openai: parse estimate: %w", err)
	}
	if p.Points <= 0 {
		return types.Estimate{}, fmt.Errorf("estimator/openai: non-positive estimate %v", p.Points)
	}

	confidence := types.Confidence(strings.ToLower(p.Confidence))
	switch confidence {
	case types.ConfidenceLow, types.ConfidenceMedium, types.ConfidenceHigh:
	default:
		confidence = types.ConfidenceMedium
	}

	return types.Estimate{
		Points:     SnapToDeck(p.Points),
		Confidence: confidence,
		Reasoning:  p.Reasoning,
		Risks:      p.Risks,
	}, nil
}
