package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Gateway sends prompts to the model provider and returns the assistant
// message, which carries either text content or tool-call requests.
type Gateway interface {
	Complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error)
	AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error)
}

// Client is the OpenRouter-compatible chat-completions gateway. Transient
// failures are retried with exponential backoff; the last attempt's error is
// returned to the caller.
type Client struct {
	client      *openai.Client
	visionModel string
	temperature float32
	maxRetries  int
	logger      *zap.Logger
}

func NewClient(apiKey, baseURL, visionModel string, temperature float64, maxRetries, timeoutSeconds int, logger *zap.Logger) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second}

	return &Client{
		client:      openai.NewClientWithConfig(cfg),
		visionModel: visionModel,
		temperature: float32(temperature),
		maxRetries:  maxRetries,
		logger:      logger,
	}
}

func (c *Client) Complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.temperature,
	}
	if len(tools) > 0 {
		req.Tools = tools
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return openai.ChatCompletionMessage{}, fmt.Errorf("llm returned no choices")
			}
			return resp.Choices[0].Message, nil
		}

		if !isTransient(err) {
			return openai.ChatCompletionMessage{}, fmt.Errorf("llm request failed: %w", err)
		}
		lastErr = err

		if attempt < c.maxRetries-1 {
			backoff := time.Duration(1<<attempt) * time.Second
			c.logger.Warn("LLM request failed, retrying",
				zap.Error(err),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return openai.ChatCompletionMessage{}, ctx.Err()
			}
		}
	}

	c.logger.Error("LLM request failed after all retries",
		zap.Error(lastErr),
		zap.Int("attempts", c.maxRetries))
	return openai.ChatCompletionMessage{}, fmt.Errorf("llm request failed after %d attempts: %w", c.maxRetries, lastErr)
}

// AnalyzeImage sends the image to the vision model as a base64 data URL and
// returns the model's free-text description.
func (c *Client) AnalyzeImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(image))

	messages := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
			},
		},
	}

	msg, err := c.Complete(ctx, c.visionModel, messages, nil)
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusRequestTimeout ||
			apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= 500
	}

	// RequestError covers non-2xx responses without a decodable API body.
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}
