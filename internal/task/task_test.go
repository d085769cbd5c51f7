package task_test

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/task"
)

// fakeProvider scripts a sequence of chat responses and records calls.
type fakeProvider struct {
	responses []*task.ChatResponse
	calls     int
	maxTokens []int
}

func (p *fakeProvider) Chat(_ context.Context, _ []task.Message, _ []task.ToolDef, maxTokens int) (*task.ChatResponse, error) {
	p.maxTokens = append(p.maxTokens, maxTokens)
	if p.calls < len(p.responses) {
		resp := p.responses[p.calls]
		p.calls++
		return resp, nil
	}
	p.calls++
	return &task.ChatResponse{Content: "done"}, nil
}

type fakeTool struct {
	name   string
	result string
	calls  int
}

func (t *fakeTool) Name() string { return t.name }
func (t *fakeTool) Definition() task.ToolDef {
	return task.ToolDef{Name: t.name}
}
func (t *fakeTool) Execute(context.Context, map[string]any) (string, error) {
	t.calls++
	return t.result, nil
}

func TestSupported(t *testing.T) {
	for _, kind := range []string{"echo", "llm.chat", "agent"} {
		if !task.Supported(kind) {
			t.Errorf("%s should be supported", kind)
		}
	}
	if task.Supported("shell") {
		t.Error("shell must not be supported")
	}
}

func TestRun_echo(t *testing.T) {
	exec := task.NewLocalExecutor(task.DefaultConfig(), nil, nil, zap.NewNop())
	got, err := exec.Run(context.Background(), task.KindEcho, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Errorf("echo: got %q", got)
	}
}

func TestRun_unsupportedKind(t *testing.T) {
	exec := task.NewLocalExecutor(task.DefaultConfig(), nil, nil, zap.NewNop())
	_, err := exec.Run(context.Background(), "shell", "rm -rf /")
	if err == nil || !strings.Contains(err.Error(), "unsupported kind: shell") {
		t.Errorf("got %v", err)
	}
}

func TestRun_chatClampsMaxTokens(t *testing.T) {
	cfg := task.DefaultConfig()
	cfg.MaxTokens = 9999
	p := &fakeProvider{responses: []*task.ChatResponse{{Content: "hi"}}}
	exec := task.NewLocalExecutor(cfg, p, nil, zap.NewNop())

	got, err := exec.Run(context.Background(), task.KindChat, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hi" {
		t.Errorf("content: got %q", got)
	}
	if p.maxTokens[0] != 2048 {
		t.Errorf("maxTokens: got %d, want 2048", p.maxTokens[0])
	}
}

func TestRun_chatWithoutProvider(t *testing.T) {
	exec := task.NewLocalExecutor(task.DefaultConfig(), nil, nil, zap.NewNop())
	_, err := exec.Run(context.Background(), task.KindChat, "hello")
	if err == nil || !strings.Contains(err.Error(), "no chat provider") {
		t.Errorf("got %v", err)
	}
}

func TestRun_agentDisabled(t *testing.T) {
	exec := task.NewLocalExecutor(task.DefaultConfig(), &fakeProvider{}, nil, zap.NewNop())
	_, err := exec.Run(context.Background(), task.KindAgent, "hello")
	if err == nil || !strings.Contains(err.Error(), "does not allow agent tasks") {
		t.Errorf("got %v", err)
	}
}

func TestRun_agentToolLoop(t *testing.T) {
	cfg := task.DefaultConfig()
	cfg.AllowAgentTasks = true
	tool := &fakeTool{name: "web_fetch", result: "page body"}
	p := &fakeProvider{responses: []*task.ChatResponse{
		{ToolCalls: []task.ToolCall{{ID: "1", Name: "web_fetch", Arguments: map[string]any{"url": "http://x"}}}},
		{Content: "answer"},
	}}
	exec := task.NewLocalExecutor(cfg, p, []task.Tool{tool}, zap.NewNop())

	got, err := exec.Run(context.Background(), task.KindAgent, "summarize http://x")
	if err != nil {
		t.Fatal(err)
	}
	if got != "answer" {
		t.Errorf("got %q", got)
	}
	if tool.calls != 1 {
		t.Errorf("tool calls: got %d, want 1", tool.calls)
	}
}

func TestRun_agentIterationCap(t *testing.T) {
	cfg := task.DefaultConfig()
	cfg.AllowAgentTasks = true
	cfg.AgentMaxIterations = 3
	tool := &fakeTool{name: "web_fetch", result: "more"}
	// Every response asks for another tool call; the loop must give up.
	loop := &task.ChatResponse{ToolCalls: []task.ToolCall{{ID: "1", Name: "web_fetch", Arguments: map[string]any{}}}}
	p := &fakeProvider{responses: []*task.ChatResponse{loop, loop, loop, loop, loop}}
	exec := task.NewLocalExecutor(cfg, p, []task.Tool{tool}, zap.NewNop())

	got, err := exec.Run(context.Background(), task.KindAgent, "never ends")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "iteration limit") {
		t.Errorf("got %q, want exhaustion message", got)
	}
	if p.calls != 3 {
		t.Errorf("provider calls: got %d, want 3", p.calls)
	}
}

func TestRun_agentUnknownToolBecomesResult(t *testing.T) {
	cfg := task.DefaultConfig()
	cfg.AllowAgentTasks = true
	p := &fakeProvider{responses: []*task.ChatResponse{
		{ToolCalls: []task.ToolCall{{ID: "1", Name: "shell", Arguments: map[string]any{}}}},
		{Content: "recovered"},
	}}
	exec := task.NewLocalExecutor(cfg, p, nil, zap.NewNop())

	got, err := exec.Run(context.Background(), task.KindAgent, "try something")
	if err != nil {
		t.Fatal(err)
	}
	if got != "recovered" {
		t.Errorf("got %q", got)
	}
}

func TestAllowedTools(t *testing.T) {
	tools := task.AllowedTools([]string{"web_search", "web_fetch", "shell"}, "key")
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name()] = true
	}
	if !names["web_search"] || !names["web_fetch"] {
		t.Errorf("tools: %v", names)
	}
	if names["shell"] {
		t.Error("shell must never be built")
	}
}
