package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/hyperasset/sentinel/internal/external"
)

// httpProvider is the shared shape behind all five C4 providers: a thin
// net/http client wrapped in retryablehttp, differing only in endpoint,
// auth header, and request/response envelope.
type httpProvider struct {
	name       string
	apiKey     string
	endpoint   string
	client     *retryablehttp.Client
	buildBody  func(prompt string, maxTokens int) (interface{}, error)
	buildAuth  func(req *retryablehttp.Request, apiKey string)
	parseReply func(body []byte) (string, error)
}

func newHTTPProvider(name, apiKey, endpoint string, timeout time.Duration,
	buildBody func(prompt string, maxTokens int) (interface{}, error),
	buildAuth func(req *retryablehttp.Request, apiKey string),
	parseReply func(body []byte) (string, error),
) *httpProvider {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &httpProvider{
		name:       name,
		apiKey:     apiKey,
		endpoint:   endpoint,
		client:     rc,
		buildBody:  buildBody,
		buildAuth:  buildAuth,
		parseReply: parseReply,
	}
}

func (p *httpProvider) Name() string { return p.name }

// Available reports whether this provider has a usable API key. A provider
// with an empty key is skipped by the gateway's fallback chain rather than
// attempted and failed.
func (p *httpProvider) Available() bool { return p.apiKey != "" }

func (p *httpProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if !p.Available() {
		return "", fmt.Errorf("llm provider %s: no API key configured", p.name)
	}

	body, err := p.buildBody(prompt, maxTokens)
	if err != nil {
		return "", fmt.Errorf("llm provider %s: build request body: %w", p.name, err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm provider %s: marshal request body: %w", p.name, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("llm provider %s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.buildAuth(req, p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm provider %s: request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm provider %s: read response: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm provider %s: returned status %d: %s", p.name, resp.StatusCode, string(respBody))
	}

	text, err := p.parseReply(respBody)
	if err != nil {
		return "", fmt.Errorf("llm provider %s: parse response: %w", p.name, err)
	}
	return text, nil
}

// chatCompletionBody is the OpenAI-compatible chat body shared by
// chatgpt, grok (xAI's API is OpenAI-compatible), and HyperCLOVA X.
func chatCompletionBody(model string) func(prompt string, maxTokens int) (interface{}, error) {
	return func(prompt string, maxTokens int) (interface{}, error) {
		return map[string]interface{}{
			"model":      model,
			"messages":   []map[string]string{{"role": "user", "content": prompt}},
			"max_tokens": maxTokens,
		}, nil
	}
}

func bearerAuth(req *retryablehttp.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

func chatCompletionReply(body []byte) (string, error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

// NewHyperCLOVAProvider builds the HyperCLOVA X provider (CLOVA Studio's
// OpenAI-compatible chat completions endpoint).
func NewHyperCLOVAProvider(apiKey string) external.LLMProvider {
	return newHTTPProvider("hyperclova", apiKey,
		"https://clovastudio.stream.ntruss.com/testapp/v1/chat-completions/HCX-003",
		30*time.Second,
		chatCompletionBody("HCX-003"), bearerAuth, chatCompletionReply)
}

// NewChatGPTProvider builds the OpenAI chat completions provider.
func NewChatGPTProvider(apiKey string) external.LLMProvider {
	return newHTTPProvider("chatgpt", apiKey,
		"https://api.openai.com/v1/chat/completions",
		30*time.Second,
		chatCompletionBody("gpt-4o-mini"), bearerAuth, chatCompletionReply)
}

// NewGrokProvider builds the xAI Grok provider (OpenAI-compatible API).
func NewGrokProvider(apiKey string) external.LLMProvider {
	return newHTTPProvider("grok", apiKey,
		"https://api.x.ai/v1/chat/completions",
		30*time.Second,
		chatCompletionBody("grok-2-latest"), bearerAuth, chatCompletionReply)
}

// NewClaudeProvider builds the Anthropic Messages API provider, whose
// request/response envelope differs from the OpenAI shape.
func NewClaudeProvider(apiKey string) external.LLMProvider {
	return newHTTPProvider("claude", apiKey,
		"https://api.anthropic.com/v1/messages",
		30*time.Second,
		func(prompt string, maxTokens int) (interface{}, error) {
			return map[string]interface{}{
				"model":      "claude-3-5-sonnet-20241022",
				"max_tokens": maxTokens,
				"messages":   []map[string]string{{"role": "user", "content": prompt}},
			}, nil
		},
		func(req *retryablehttp.Request, apiKey string) {
			req.Header.Set("x-api-key", apiKey)
			req.Header.Set("anthropic-version", "2023-06-01")
		},
		func(body []byte) (string, error) {
			var parsed struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return "", err
			}
			if len(parsed.Content) == 0 {
				return "", fmt.Errorf("empty content in response")
			}
			return parsed.Content[0].Text, nil
		},
	)
}

// NewGeminiProvider builds the Google Gemini generateContent provider,
// whose auth is a query-string API key rather than a header.
func NewGeminiProvider(apiKey string) external.LLMProvider {
	endpoint := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent?key=%s", apiKey)
	return newHTTPProvider("gemini", apiKey, endpoint, 30*time.Second,
		func(prompt string, maxTokens int) (interface{}, error) {
			return map[string]interface{}{
				"contents": []map[string]interface{}{
					{"parts": []map[string]string{{"text": prompt}}},
				},
				"generationConfig": map[string]interface{}{"maxOutputTokens": maxTokens},
			}, nil
		},
		func(*retryablehttp.Request, string) {}, // auth is embedded in the endpoint query string
		func(body []byte) (string, error) {
			var parsed struct {
				Candidates []struct {
					Content struct {
						Parts []struct {
							Text string `json:"text"`
						} `json:"parts"`
					} `json:"content"`
				} `json:"candidates"`
			}
			if err := json.Unmarshal(body, &parsed); err != nil {
				return "", err
			}
			if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
				return "", fmt.Errorf("empty candidates in response")
			}
			return parsed.Candidates[0].Content.Parts[0].Text, nil
		},
	)
}
