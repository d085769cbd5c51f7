// Package task runs the work a node advertises. The same Executor backs the
// direct node service and the relay uplink, so both paths behave
// identically.
package task

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Task kinds accepted on the wire.
const (
	KindEcho  = "echo"
	KindChat  = "llm.chat"
	KindAgent = "agent"
)

// Supported reports whether kind is one of the accepted task kinds.
func Supported(kind string) bool {
	switch kind {
	case KindEcho, KindChat, KindAgent:
		return true
	}
	return false
}

// maxTokensCeiling is the hard upper bound on a single completion regardless
// of configuration.
const maxTokensCeiling = 2048

// exhaustedMessage is returned when the agent loop hits its iteration cap
// without producing a terminal answer. It is a result, not an error.
const exhaustedMessage = "I couldn't complete the task within the remote iteration limit."

// Message is one turn of a chat conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef describes a tool to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatResponse is a single model completion.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// ChatProvider is the LLM backend for llm.chat and agent tasks.
type ChatProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDef, maxTokens int) (*ChatResponse, error)
}

// Tool is one callable capability exposed to the agent loop.
type Tool interface {
	Name() string
	Definition() ToolDef
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Executor runs one task and returns its textual result.
type Executor interface {
	Run(ctx context.Context, kind, prompt string) (string, error)
}

// Config controls the local executor.
type Config struct {
	// AllowAgentTasks gates the agent kind; echo and llm.chat are always on.
	AllowAgentTasks bool
	// MaxTokens is the per-completion budget, clamped to 2048.
	MaxTokens int
	// AgentMaxIterations caps the tool loop.
	AgentMaxIterations int
}

// DefaultConfig returns the stock executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxTokens:          1024,
		AgentMaxIterations: 8,
	}
}

// LocalExecutor runs tasks in-process using a ChatProvider and an allowlist
// of tools.
type LocalExecutor struct {
	cfg      Config
	provider ChatProvider
	tools    []Tool
	log      *zap.Logger
}

// NewLocalExecutor creates an executor. provider may be nil, in which case
// llm.chat and agent tasks fail with a clear error. tools should contain
// only safe, web-only operations.
func NewLocalExecutor(cfg Config, provider ChatProvider, tools []Tool, log *zap.Logger) *LocalExecutor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.AgentMaxIterations <= 0 {
		cfg.AgentMaxIterations = 8
	}
	return &LocalExecutor{cfg: cfg, provider: provider, tools: tools, log: log}
}

// Run dispatches one task by kind.
func (e *LocalExecutor) Run(ctx context.Context, kind, prompt string) (string, error) {
	switch kind {
	case KindEcho:
		return prompt, nil
	case KindChat:
		return e.runChat(ctx, prompt)
	case KindAgent:
		return e.runAgent(ctx, prompt)
	default:
		return "", fmt.Errorf("unsupported kind: %s", kind)
	}
}

func (e *LocalExecutor) maxTokens() int {
	if e.cfg.MaxTokens > maxTokensCeiling {
		return maxTokensCeiling
	}
	return e.cfg.MaxTokens
}

func (e *LocalExecutor) runChat(ctx context.Context, prompt string) (string, error) {
	if e.provider == nil {
		return "", fmt.Errorf("no chat provider configured")
	}
	resp, err := e.provider.Chat(ctx, []Message{{Role: "user", Content: prompt}}, nil, e.maxTokens())
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return resp.Content, nil
}

// runAgent is a minimal tool-using loop for remote execution: no filesystem,
// no shell, no subagents. The model either answers or requests tool calls;
// each round of results is fed back until it answers or the cap is hit.
func (e *LocalExecutor) runAgent(ctx context.Context, prompt string) (string, error) {
	if !e.cfg.AllowAgentTasks {
		return "", fmt.Errorf("this node does not allow agent tasks")
	}
	if e.provider == nil {
		return "", fmt.Errorf("no chat provider configured")
	}

	defs := make([]ToolDef, 0, len(e.tools))
	byName := make(map[string]Tool, len(e.tools))
	for _, tool := range e.tools {
		defs = append(defs, tool.Definition())
		byName[tool.Name()] = tool
	}

	messages := []Message{
		{
			Role: "system",
			Content: "You are a helpful remote agent. " +
				"Solve the user's request. You MAY use the available tools if needed. " +
				"Keep the answer concise and directly usable.",
		},
		{Role: "user", Content: prompt},
	}

	for i := 0; i < e.cfg.AgentMaxIterations; i++ {
		resp, err := e.provider.Chat(ctx, messages, defs, e.maxTokens())
		if err != nil {
			return "", fmt.Errorf("agent chat: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			if e.log != nil {
				args, _ := json.Marshal(tc.Arguments)
				e.log.Info("remote tool call",
					zap.String("tool", tc.Name),
					zap.ByteString("args", truncateBytes(args, 200)))
			}
			result := e.executeTool(ctx, byName, tc)
			messages = append(messages, Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    result,
			})
		}
		messages = append(messages, Message{Role: "user", Content: "Continue with the task using the tool results."})
	}
	return exhaustedMessage, nil
}

// executeTool runs one call; unknown tools and tool failures become textual
// results so the model can recover instead of aborting the task.
func (e *LocalExecutor) executeTool(ctx context.Context, byName map[string]Tool, tc ToolCall) string {
	tool, ok := byName[tc.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", tc.Name)
	}
	result, err := tool.Execute(ctx, tc.Arguments)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return result
}

func truncateBytes(b []byte, max int) []byte {
	if len(b) > max {
		return b[:max]
	}
	return b
}
