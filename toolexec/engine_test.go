package toolexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-toolkit/mcp-bridge-go/clientmgr"
)

// elicitFunc lets a scripted tool raise an elicitation mid-call.
type elicitFunc func(ctx context.Context, message string) (*mcp.ElicitResult, error)

// fakeManager runs a scripted tool body and routes its elicitations through
// whatever handler the engine registered, like the real manager does.
type fakeManager struct {
	mu        sync.Mutex
	handlers  map[string]clientmgr.ElicitationHandler
	connected bool
	script    func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error)

	// Optional hooks to observe and stall handler cleanup. Set before use.
	clearStarted chan struct{}
	clearRelease chan struct{}
}

func newFakeManager(script func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error)) *fakeManager {
	return &fakeManager{
		handlers:  make(map[string]clientmgr.ElicitationHandler),
		connected: true,
		script:    script,
	}
}

func (f *fakeManager) ListServers() []string { return []string{"srv", "other"} }

func (f *fakeManager) IsConnected(serverID string) bool { return f.connected }

func (f *fakeManager) ExecuteTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	elicit := func(ctx context.Context, message string) (*mcp.ElicitResult, error) {
		f.mu.Lock()
		h := f.handlers[serverID]
		f.mu.Unlock()
		if h == nil {
			return nil, fmt.Errorf("no elicitation handler for %q", serverID)
		}
		return h(ctx, &mcp.ElicitRequest{Params: &mcp.ElicitParams{Message: message}})
	}
	return f.script(ctx, elicit)
}

func (f *fakeManager) ListTools(ctx context.Context, serverID string) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (f *fakeManager) ListResources(ctx context.Context, serverID string) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{}, nil
}

func (f *fakeManager) ReadResource(ctx context.Context, serverID, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeManager) ListPrompts(ctx context.Context, serverID string) (*mcp.ListPromptsResult, error) {
	return &mcp.ListPromptsResult{}, nil
}

func (f *fakeManager) GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func (f *fakeManager) SetElicitationHandler(serverID string, h clientmgr.ElicitationHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h == nil {
		delete(f.handlers, serverID)
		return
	}
	f.handlers[serverID] = h
}

func (f *fakeManager) ClearElicitationHandler(serverID string) {
	if f.clearStarted != nil {
		f.clearStarted <- struct{}{}
	}
	if f.clearRelease != nil {
		<-f.clearRelease
	}
	f.SetElicitationHandler(serverID, nil)
}

func (f *fakeManager) SetElicitationCallback(cb clientmgr.ElicitationCallback) {}

func (f *fakeManager) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func textResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

func TestExecuteCompletes(t *testing.T) {
	mgr := newFakeManager(func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error) {
		return textResult("done"), nil
	})
	e := NewEngine(mgr)

	out, err := e.Execute(t.Context(), "srv", "greet", map[string]any{"name": "you"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !out.Completed || out.Result == nil {
		t.Fatalf("Expected completed outcome, got %+v", out)
	}
	if e.Busy() {
		t.Error("Engine should be idle after completion")
	}
	if mgr.handlerCount() != 0 {
		t.Error("Elicitation handler should be cleared after completion")
	}
}

func TestExecuteNotConnected(t *testing.T) {
	mgr := newFakeManager(nil)
	mgr.connected = false
	e := NewEngine(mgr)

	_, err := e.Execute(t.Context(), "srv", "greet", nil)
	if !errors.Is(err, ErrServerNotConnected) {
		t.Fatalf("Expected ErrServerNotConnected, got %v", err)
	}
}

func TestExecuteParksAndResumes(t *testing.T) {
	mgr := newFakeManager(func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error) {
		res, err := elicit(ctx, "What is your name?")
		if err != nil {
			return nil, err
		}
		if res.Action != "accept" {
			return textResult("declined"), nil
		}
		return textResult(fmt.Sprintf("hello %v", res.Content["name"])), nil
	})
	e := NewEngine(mgr)

	out, err := e.Execute(t.Context(), "srv", "greet", nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.Completed {
		t.Fatal("Expected the execution to park on elicitation")
	}
	p := out.Elicitation
	if p == nil || p.RequestID == "" || p.ExecutionID == "" {
		t.Fatalf("Malformed elicitation payload: %+v", p)
	}
	if want, got := "What is your name?", p.Request.Message; want != got {
		t.Errorf("Unexpected message: want %q, got %q", want, got)
	}
	if !e.Busy() {
		t.Error("Engine should be busy while parked")
	}

	out, err = e.Respond(t.Context(), p.RequestID, &mcp.ElicitResult{
		Action:  "accept",
		Content: map[string]any{"name": "you"},
	})
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if !out.Completed {
		t.Fatalf("Expected completion after respond, got %+v", out)
	}
	text := out.Result.Content[0].(*mcp.TextContent).Text
	if want := "hello you"; text != want {
		t.Errorf("Unexpected result: want %q, got %q", want, text)
	}
	if e.Busy() {
		t.Error("Engine should be idle after completion")
	}
}

func TestSequentialElicitations(t *testing.T) {
	mgr := newFakeManager(func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error) {
		first, err := elicit(ctx, "first")
		if err != nil {
			return nil, err
		}
		second, err := elicit(ctx, "second")
		if err != nil {
			return nil, err
		}
		return textResult(fmt.Sprintf("%v/%v", first.Content["v"], second.Content["v"])), nil
	})
	e := NewEngine(mgr)

	out, err := e.Execute(t.Context(), "srv", "wizard", nil)
	if err != nil {
		t.Fatal(err)
	}
	firstID := out.Elicitation.RequestID

	out, err = e.Respond(t.Context(), firstID, &mcp.ElicitResult{Action: "accept", Content: map[string]any{"v": "a"}})
	if err != nil {
		t.Fatalf("First respond failed: %v", err)
	}
	if out.Completed {
		t.Fatal("Expected a second elicitation")
	}
	if out.Elicitation.RequestID == firstID {
		t.Error("Second elicitation must carry a fresh request id")
	}
	if want, got := "second", out.Elicitation.Request.Message; want != got {
		t.Errorf("Unexpected second message: want %q, got %q", want, got)
	}

	out, err = e.Respond(t.Context(), out.Elicitation.RequestID, &mcp.ElicitResult{Action: "accept", Content: map[string]any{"v": "b"}})
	if err != nil {
		t.Fatalf("Second respond failed: %v", err)
	}
	if text := out.Result.Content[0].(*mcp.TextContent).Text; text != "a/b" {
		t.Errorf("Unexpected result: %q", text)
	}
}

func TestConcurrentExecuteRefused(t *testing.T) {
	mgr := newFakeManager(func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error) {
		if _, err := elicit(ctx, "hold"); err != nil {
			return nil, err
		}
		return textResult("ok"), nil
	})
	e := NewEngine(mgr)

	out, err := e.Execute(t.Context(), "srv", "slow", nil)
	if err != nil {
		t.Fatal(err)
	}

	// The lock is global: a different server is refused too.
	if _, err := e.Execute(t.Context(), "other", "fast", nil); !errors.Is(err, ErrExecutionActive) {
		t.Fatalf("Expected ErrExecutionActive, got %v", err)
	}

	if _, err := e.Respond(t.Context(), out.Elicitation.RequestID, &mcp.ElicitResult{Action: "decline"}); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	// Slot is free again.
	if _, err := e.Execute(t.Context(), "other", "fast", nil); errors.Is(err, ErrExecutionActive) {
		t.Error("Engine should accept a new execution after the previous finished")
	}
}

func TestRespondErrors(t *testing.T) {
	t.Run("no active execution", func(t *testing.T) {
		e := NewEngine(newFakeManager(nil))
		_, err := e.Respond(t.Context(), "r1", &mcp.ElicitResult{Action: "accept"})
		if !errors.Is(err, ErrNoActiveExecution) {
			t.Fatalf("Expected ErrNoActiveExecution, got %v", err)
		}
	})

	t.Run("unknown request id", func(t *testing.T) {
		mgr := newFakeManager(func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error) {
			_, err := elicit(ctx, "q")
			if err != nil {
				return nil, err
			}
			return textResult("ok"), nil
		})
		e := NewEngine(mgr)

		out, err := e.Execute(t.Context(), "srv", "t", nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.Respond(t.Context(), "bogus", &mcp.ElicitResult{Action: "accept"}); !errors.Is(err, ErrUnknownRequest) {
			t.Fatalf("Expected ErrUnknownRequest, got %v", err)
		}
		// The real one still works.
		if _, err := e.Respond(t.Context(), out.Elicitation.RequestID, &mcp.ElicitResult{Action: "accept"}); err != nil {
			t.Fatalf("Respond failed: %v", err)
		}
	})
}

func TestToolFailure(t *testing.T) {
	mgr := newFakeManager(func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error) {
		return nil, errors.New("tool exploded")
	})
	e := NewEngine(mgr)

	_, err := e.Execute(t.Context(), "srv", "bad", nil)
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("Expected *ToolError, got %v", err)
	}
	if want, got := "tool exploded", toolErr.Message; want != got {
		t.Errorf("Unexpected message: want %q, got %q", want, got)
	}
	if e.Busy() {
		t.Error("Engine should be idle after a failed execution")
	}
}

func TestTeardownHoldsSlotUntilCleanup(t *testing.T) {
	mgr := newFakeManager(func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error) {
		return textResult("done"), nil
	})
	mgr.clearStarted = make(chan struct{}, 2)
	mgr.clearRelease = make(chan struct{})
	e := NewEngine(mgr)

	execErr := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), "srv", "t", nil)
		execErr <- err
	}()

	select {
	case <-mgr.clearStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("Teardown never started")
	}

	// Cleanup is still in progress: the slot must not be reusable yet, or a
	// new execution could install a handler the old teardown then wipes.
	if _, err := e.Execute(t.Context(), "other", "t", nil); !errors.Is(err, ErrExecutionActive) {
		t.Fatalf("Expected ErrExecutionActive while teardown runs, got %v", err)
	}

	close(mgr.clearRelease)
	select {
	case err := <-execErr:
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return")
	}

	if _, err := e.Execute(t.Context(), "other", "t", nil); err != nil {
		t.Fatalf("Expected the slot to be free after teardown, got %v", err)
	}
	if mgr.handlerCount() != 0 {
		t.Error("Elicitation handler should be cleared after completion")
	}
}

func TestRespondStopsWaitingWhenCanceled(t *testing.T) {
	block := make(chan struct{})
	mgr := newFakeManager(func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error) {
		if _, err := elicit(ctx, "q"); err != nil {
			return nil, err
		}
		<-block
		return textResult("ok"), nil
	})
	e := NewEngine(mgr)

	out, err := e.Execute(t.Context(), "srv", "slow", nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	respErr := make(chan error, 1)
	go func() {
		_, err := e.Respond(ctx, out.Elicitation.RequestID, &mcp.ElicitResult{Action: "accept"})
		respErr <- err
	}()

	cancel()
	select {
	case err := <-respErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Respond did not return after its context was canceled")
	}

	// The execution itself keeps running and still finishes.
	close(block)
	deadline := time.Now().Add(2 * time.Second)
	for e.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("Engine still busy after the tool finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestElicitationTimeout(t *testing.T) {
	mgr := newFakeManager(func(ctx context.Context, elicit elicitFunc) (*mcp.CallToolResult, error) {
		_, err := elicit(ctx, "anyone there?")
		if err != nil {
			return nil, err
		}
		return textResult("ok"), nil
	})
	e := NewEngine(mgr, WithElicitationTimeout(30*time.Millisecond))

	out, err := e.Execute(t.Context(), "srv", "t", nil)
	if err != nil {
		t.Fatal(err)
	}
	requestID := out.Elicitation.RequestID

	// Nobody answers; the timeout fails the handler, the tool call fails, and
	// the engine frees up.
	deadline := time.Now().Add(2 * time.Second)
	for e.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("Engine still busy after elicitation timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := e.Respond(t.Context(), requestID, &mcp.ElicitResult{Action: "accept"}); !errors.Is(err, ErrNoActiveExecution) {
		t.Fatalf("Expected ErrNoActiveExecution for expired execution, got %v", err)
	}
}
