package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIProvider implements Provider for OpenAI-compatible chat-completions
// APIs (OpenAI, Groq, OpenRouter, DeepSeek, vLLM, etc.).
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
}

// NewOpenAIProvider builds a provider. apiBase defaults to the OpenAI API.
func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if name == "" {
		name = "openai"
	}
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 300 * time.Second},
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
}

type oaiToolCall struct {
	Index    int    `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaiRequest struct {
	Model         string           `json:"model"`
	Messages      []oaiMessage     `json:"messages"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	Stream        bool             `json:"stream"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content          string        `json:"content"`
			ReasoningContent string        `json:"reasoning_content"`
			ToolCalls        []oaiToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string        `json:"content"`
			ReasoningContent string        `json:"reasoning_content"`
			ToolCalls        []oaiToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (p *OpenAIProvider) buildBody(req ChatRequest, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	msgs := make([]oaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		om := oaiMessage{
			Role:       m.Role,
			Content:    m.Text(),
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			otc := oaiToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		msgs = append(msgs, om)
	}
	body := oaiRequest{Model: model, Messages: msgs, Tools: req.Tools, Stream: stream}
	if stream {
		body.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	return json.Marshal(body)
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body []byte) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: p.name, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Provider: p.name, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &Error{Provider: p.name, Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp.Body, nil
}

// Generate streams the response when onDelta is non-nil, accumulating
// tool-call fragments by index until the stream completes.
func (p *OpenAIProvider) Generate(ctx context.Context, req ChatRequest, onDelta func(StreamChunk)) (*ChatResponse, error) {
	stream := onDelta != nil
	body, err := p.buildBody(req, stream)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: "encode request: " + err.Error()}
	}

	respBody, err := p.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	if !stream {
		var oaiResp oaiResponse
		if err := json.NewDecoder(respBody).Decode(&oaiResp); err != nil {
			return nil, &Error{Provider: p.name, Message: "decode response: " + err.Error()}
		}
		return p.parseResponse(&oaiResp)
	}
	return p.parseStream(ctx, respBody, onDelta)
}

func (p *OpenAIProvider) parseResponse(r *oaiResponse) (*ChatResponse, error) {
	if r.Error != nil {
		return nil, &Error{Provider: p.name, Message: r.Error.Message}
	}
	if len(r.Choices) == 0 {
		return nil, &Error{Provider: p.name, Message: "empty choices in response"}
	}
	c := r.Choices[0]
	msg := Message{
		Role:      "assistant",
		Content:   c.Message.Content,
		Reasoning: c.Message.ReasoningContent,
	}
	for _, tc := range c.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: tc.Function.Arguments,
		})
	}
	return &ChatResponse{Message: msg, Usage: r.Usage, FinishReason: c.FinishReason}, nil
}

func (p *OpenAIProvider) parseStream(ctx context.Context, body io.Reader, onDelta func(StreamChunk)) (*ChatResponse, error) {
	result := &ChatResponse{FinishReason: "stop"}
	msg := Message{Role: "assistant"}
	acc := make(map[int]*ToolCall)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			result.Usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
		delta := choice.Delta
		if delta.ReasoningContent != "" {
			msg.Reasoning += delta.ReasoningContent
			onDelta(StreamChunk{Reasoning: delta.ReasoningContent})
		}
		if delta.Content != "" {
			msg.Content += delta.Content
			onDelta(StreamChunk{Content: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			cur, ok := acc[tc.Index]
			if !ok {
				cur = &ToolCall{}
				acc[tc.Index] = cur
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = strings.TrimSpace(tc.Function.Name)
			}
			cur.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Provider: p.name, Message: "read stream: " + err.Error()}
	}

	if len(acc) > 0 {
		idxs := make([]int, 0, len(acc))
		for i := range acc {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			msg.ToolCalls = append(msg.ToolCalls, *acc[i])
		}
	}
	result.Message = msg
	return result, nil
}

// FromEnvOrConfig resolves provider settings with env vars taking precedence.
func FromEnvOrConfig(name, apiKey, baseURL, model string, env func(string) string) (*OpenAIProvider, error) {
	if v := env("JIMI_API_KEY"); v != "" {
		apiKey = v
	}
	if v := env("JIMI_BASE_URL"); v != "" {
		baseURL = v
	}
	if v := env("JIMI_MODEL"); v != "" {
		model = v
	}
	if model == "" {
		return nil, fmt.Errorf("no model configured: set provider.model or JIMI_MODEL")
	}
	return NewOpenAIProvider(name, apiKey, baseURL, model), nil
}
