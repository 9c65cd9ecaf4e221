package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quantfolio/researchd/pkg/types"
)

// OpenAIBackend talks to any OpenAI-compatible chat-completions endpoint
// (OpenAI itself, Ollama, vLLM, and most gateways).
type OpenAIBackend struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewOpenAI creates a backend for the given endpoint. baseURL is the API
// root, e.g. "https://api.openai.com/v1".
func NewOpenAI(baseURL, model, apiKey string, client *http.Client) *OpenAIBackend {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAIBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		client:  client,
	}
}

func (b *OpenAIBackend) Name() string { return "openai:" + b.model }

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Tools      []chatTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
	Stream     bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Decide sends the conversation and returns the model's next action: a tool
// call when the model requested one, otherwise a final answer parsed from
// the message content.
func (b *OpenAIBackend) Decide(ctx context.Context, req DecisionRequest) (types.Action, error) {
	payload := chatRequest{
		Model:    b.model,
		Messages: make([]chatMessage, 0, len(req.Messages)),
		Stream:   false,
	}
	for _, msg := range req.Messages {
		cm := chatMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			args, err := json.Marshal(call.Args)
			if err != nil {
				return types.Action{}, fmt.Errorf("marshal tool arguments: %w", err)
			}
			tc := chatToolCall{ID: callID(call), Type: "function"}
			tc.Function.Name = call.Tool
			tc.Function.Arguments = string(args)
			cm.ToolCalls = append(cm.ToolCalls, tc)
		}
		payload.Messages = append(payload.Messages, cm)
	}
	if len(req.Tools) > 0 {
		payload.ToolChoice = "auto"
		for _, schema := range req.Tools {
			ct := chatTool{Type: "function"}
			ct.Function.Name = schema.Name
			ct.Function.Description = schema.Description
			ct.Function.Parameters = schema.InputSchema
			payload.Tools = append(payload.Tools, ct)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.Action{}, fmt.Errorf("marshal chat payload: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return types.Action{}, fmt.Errorf("create chat request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(hreq)
	if err != nil {
		return types.Action{}, Transient(fmt.Errorf("chat http call: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return types.Action{}, Transient(fmt.Errorf("read chat response: %w", err))
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("chat status %d: %s", resp.StatusCode, trim(string(respBody), 300))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return types.Action{}, Transient(err)
		}
		return types.Action{}, err
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return types.Action{}, fmt.Errorf("parse chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return types.Action{}, fmt.Errorf("chat response had no choices")
	}

	msg := out.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0]
		args := types.Record{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return types.Action{}, fmt.Errorf("parse tool arguments for %s: %w", tc.Function.Name, err)
			}
		}
		return types.Action{
			Type:    types.ActionToolCall,
			Thought: msg.Content,
			ToolCall: &types.ToolCall{
				Tool: tc.Function.Name,
				Args: args,
			},
		}, nil
	}

	return types.Action{
		Type:  types.ActionFinalAnswer,
		Final: parseFinal(msg.Content),
	}, nil
}

// parseFinal decodes the content as a JSON object when possible, otherwise
// wraps the raw text so downstream nodes always see a record.
func parseFinal(content string) types.Record {
	content = strings.TrimSpace(content)
	// Models often fence JSON in markdown blocks.
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}
	if strings.HasPrefix(content, "{") {
		var rec types.Record
		if err := json.Unmarshal([]byte(content), &rec); err == nil {
			return rec
		}
	}
	return types.Record{"output": content}
}

func callID(call types.ToolCall) string {
	return fmt.Sprintf("call_%s_%d", call.Tool, call.Attempt)
}

func trim(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
