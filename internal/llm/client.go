// Package llm is a minimal client for OpenAI-compatible chat completion
// endpoints, used for judging, branch naming and PR descriptions.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

type Client struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	HTTP        *http.Client
}

// FromEnv builds a client whose key is read from keyEnv. It reports false
// when keyEnv names a variable that is not set.
func FromEnv(baseURL, model, keyEnv string) (*Client, bool) {
	c := &Client{BaseURL: baseURL, Model: model}
	if keyEnv != "" {
		c.APIKey = os.Getenv(keyEnv)
		if c.APIKey == "" {
			return nil, false
		}
	}
	return c, true
}

func (c *Client) endpoint() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Complete sends a single user message and returns the first choice. With
// jsonMode the server is asked for a JSON object response.
func (c *Client) Complete(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	reqBody := map[string]interface{}{
		"model":       c.Model,
		"temperature": c.Temperature,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	if c.MaxTokens > 0 {
		reqBody["max_tokens"] = c.MaxTokens
	}
	if jsonMode {
		reqBody["response_format"] = map[string]string{"type": "json_object"}
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint(), bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var chatResult struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chatResult); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(chatResult.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return chatResult.Choices[0].Message.Content, nil
}

// StripFences removes a surrounding markdown code fence.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ExtractJSON returns the outermost {...} span of s, tolerating prose
// around it. Use only where a lenient parse is acceptable.
func ExtractJSON(s string) string {
	s = StripFences(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}
