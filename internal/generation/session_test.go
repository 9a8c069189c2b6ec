package generation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeedo-sys/platform/internal/chat"
	"github.com/skeedo-sys/platform/internal/cost"
	"github.com/skeedo-sys/platform/internal/credit"
	"github.com/skeedo-sys/platform/internal/provider"
	"github.com/skeedo-sys/platform/internal/tool"
	"github.com/skeedo-sys/platform/pkg/observability"
)

const testModel = "test-model"

// echoTool records its invocations and returns a fixed result.
type echoTool struct {
	name    string
	calls   []json.RawMessage
	result  *tool.CallResult
	callErr *tool.CallError
	fatal   error
	onCall  func()
}

func (e *echoTool) Name() string                  { return e.name }
func (e *echoTool) Description() string           { return "echoes" }
func (e *echoTool) Parameters() json.RawMessage   { return json.RawMessage(`{"type":"object"}`) }
func (e *echoTool) SystemInstructions() string    { return "Use " + e.name + " when asked." }
func (e *echoTool) Enabled(tool.CallContext) bool { return true }

func (e *echoTool) Call(ctx context.Context, cc tool.CallContext, args json.RawMessage) (*tool.CallResult, error) {
	e.calls = append(e.calls, args)
	if e.onCall != nil {
		e.onCall()
	}
	if e.fatal != nil {
		return nil, e.fatal
	}
	if e.callErr != nil {
		return nil, e.callErr
	}
	if e.result != nil {
		return e.result, nil
	}
	return &tool.CallResult{Content: `{"echo":true}`}, nil
}

type fixture struct {
	tree    *chat.Tree
	user    *chat.Message
	ledger  *credit.MemoryLedger
	mock    *provider.MockProvider
	deps    Deps
	session *Session
}

// newFixture builds a one-turn conversation with 100 credits and a mock
// provider replaying the given scripts.
func newFixture(t *testing.T, params Params, scripts ...[]provider.Event) *fixture {
	t.Helper()

	conv := chat.NewConversation("ws-1", "user-1")
	tree, err := chat.NewTree(conv, nil)
	require.NoError(t, err)

	user := chat.NewMessage(conv.ID, chat.RoleUser, "what is the refund policy?")
	require.NoError(t, tree.Attach(user))

	ledger := credit.NewMemoryLedger()
	require.NoError(t, ledger.Credit(context.Background(), "ws-1", 100))

	mock := provider.NewMockProvider(scripts...)
	registry := provider.NewRegistry()
	registry.Register(mock)
	require.NoError(t, registry.Bind(testModel, "mock"))

	calc := cost.NewCalculator(
		map[string]float64{testModel + "-input": 1, testModel + "-output": 2},
		map[string]float64{testModel: 10},
	)

	deps := Deps{Providers: registry, Ledger: ledger, Costs: calc, Tools: tool.NewRegistry()}

	params.Tree = tree
	params.UserMessage = user
	if params.Model == "" {
		params.Model = testModel
	}

	session, err := NewSession(deps, params)
	require.NoError(t, err)

	return &fixture{tree: tree, user: user, ledger: ledger, mock: mock, deps: deps, session: session}
}

func usageEvent(in, out int) provider.Event {
	return provider.Event{Type: provider.EventUsage, Usage: &provider.Usage{InputTokens: in, OutputTokens: out}}
}

func contentEvent(delta string) provider.Event {
	return provider.Event{Type: provider.EventContentDelta, Delta: delta}
}

func toolCallEvent(callID, name, args string) provider.Event {
	return provider.Event{Type: provider.EventToolCall, Call: &provider.ToolCallEvent{CallID: callID, Name: name, Arguments: args}}
}

func collectEvents(s *Session) []Event {
	var events []Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events
}

func TestRunStreamsAndSettles(t *testing.T) {
	f := newFixture(t, Params{}, []provider.Event{
		{Type: provider.EventReasoningDelta, Delta: "thinking"},
		contentEvent("Refunds take "),
		contentEvent("5 days."),
		usageEvent(10, 4),
	})

	answer, err := f.session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, f.session.State())

	assert.Equal(t, "Refunds take 5 days.", answer.Content)
	assert.Equal(t, "thinking", answer.Reasoning)
	assert.False(t, answer.InProgress)
	assert.Equal(t, f.user.ID, answer.ParentID)

	// 10 input at rate 1 plus 4 output at rate 2.
	assert.Equal(t, 18.0, answer.Cost)
	assert.Equal(t, 18.0, f.tree.Conversation().Cost)

	balance, _ := f.ledger.Balance(context.Background(), "ws-1")
	assert.Equal(t, 82.0, balance)

	// The reservation is fully released after settlement.
	available, _ := f.ledger.Available(context.Background(), "ws-1")
	assert.Equal(t, 82.0, available)

	events := collectEvents(f.session)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventMessage, last.Kind)
	assert.Equal(t, answer.ID, last.Message.ID)
}

func TestRunInsufficientCredit(t *testing.T) {
	f := newFixture(t, Params{}, []provider.Event{contentEvent("never sent")})
	// Drain the workspace below the 10-credit estimate.
	require.NoError(t, f.ledger.Deduct(context.Background(), "ws-1", 95, false))

	_, err := f.session.Run(context.Background())
	assert.ErrorIs(t, err, credit.ErrInsufficientCredit)
	assert.Equal(t, StateFailed, f.session.State())

	// The placeholder is ended, nothing was billed.
	balance, _ := f.ledger.Balance(context.Background(), "ws-1")
	assert.Equal(t, 5.0, balance)
	assert.Empty(t, f.mock.Requests())

	events := collectEvents(f.session)
	require.NotEmpty(t, events)
	assert.Equal(t, EventFailed, events[len(events)-1].Kind)
}

func TestRunModelNotSupported(t *testing.T) {
	f := newFixture(t, Params{Model: "unbound-model"})

	_, err := f.session.Run(context.Background())
	assert.ErrorIs(t, err, provider.ErrModelNotSupported)

	// Failing fast means no reservation was ever taken.
	available, _ := f.ledger.Available(context.Background(), "ws-1")
	assert.Equal(t, 100.0, available)
	assert.Equal(t, 1, f.tree.Len())
}

func TestRunToolRound(t *testing.T) {
	f := newFixture(t, Params{},
		[]provider.Event{
			toolCallEvent("c1", "echo", `{"query":"refunds"}`),
			usageEvent(10, 2),
		},
		[]provider.Event{
			contentEvent("Found it."),
			usageEvent(20, 3),
		},
	)
	echo := &echoTool{name: "echo", result: &tool.CallResult{Content: `{"answer":"5 days"}`, Cost: 0.5}}
	f.deps.Tools.Register(echo)

	answer, err := f.session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Found it.", answer.Content)

	// The tool saw the model's arguments.
	require.Len(t, echo.calls, 1)
	assert.JSONEq(t, `{"query":"refunds"}`, string(echo.calls[0]))

	// Both rounds' usage plus the tool cost settle together.
	wantCost := (10*1 + 2*2) + (20*1 + 3*2) + 0.5
	assert.Equal(t, float64(wantCost), answer.Cost)

	// The second round's input replays the call and its output.
	reqs := f.mock.Requests()
	require.Len(t, reqs, 2)
	blocks := reqs[1].Blocks
	require.GreaterOrEqual(t, len(blocks), 2)
	callBlock := blocks[len(blocks)-2]
	outBlock := blocks[len(blocks)-1]
	assert.Equal(t, provider.BlockToolCall, callBlock.Type)
	assert.Equal(t, "c1", callBlock.CallID)
	assert.Equal(t, provider.BlockToolOutput, outBlock.Type)
	assert.Equal(t, `{"answer":"5 days"}`, outBlock.Text)

	// A tool event was emitted before the final message.
	events := collectEvents(f.session)
	var sawTool bool
	for _, ev := range events {
		if ev.Kind == EventToolInvoked && ev.Tool == "echo" {
			sawTool = true
		}
	}
	assert.True(t, sawTool)
}

func TestRunToolErrorContinues(t *testing.T) {
	f := newFixture(t, Params{},
		[]provider.Event{toolCallEvent("c1", "echo", `{}`), usageEvent(5, 1)},
		[]provider.Event{contentEvent("Sorry, that failed."), usageEvent(8, 2)},
	)
	echo := &echoTool{name: "echo", callErr: tool.NewCallError("echo", "index unavailable", nil)}
	f.deps.Tools.Register(echo)

	answer, err := f.session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Sorry, that failed.", answer.Content)

	// The failure went back to the model as function output.
	reqs := f.mock.Requests()
	require.Len(t, reqs, 2)
	outBlock := reqs[1].Blocks[len(reqs[1].Blocks)-1]
	assert.Equal(t, provider.BlockToolOutput, outBlock.Type)
	assert.Contains(t, outBlock.Text, "index unavailable")
}

func TestRunUnknownToolContinues(t *testing.T) {
	f := newFixture(t, Params{},
		[]provider.Event{toolCallEvent("c1", "no_such_tool", `{}`), usageEvent(5, 1)},
		[]provider.Event{contentEvent("done"), usageEvent(8, 2)},
	)

	answer, err := f.session.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", answer.Content)

	reqs := f.mock.Requests()
	require.Len(t, reqs, 2)
	outBlock := reqs[1].Blocks[len(reqs[1].Blocks)-1]
	assert.Contains(t, outBlock.Text, "unknown tool")
}

func TestRunFatalToolErrorAborts(t *testing.T) {
	f := newFixture(t, Params{},
		[]provider.Event{toolCallEvent("c1", "echo", `{}`), usageEvent(5, 1)},
	)
	echo := &echoTool{name: "echo", fatal: errors.New("connection reset")}
	f.deps.Tools.Register(echo)

	_, err := f.session.Run(context.Background())
	var toolErr *ToolExecutionError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "echo", toolErr.Tool)

	// Nothing billed, reservation returned.
	available, _ := f.ledger.Available(context.Background(), "ws-1")
	assert.Equal(t, 100.0, available)
}

func TestRunTransportFailureReleasesReservation(t *testing.T) {
	f := newFixture(t, Params{}, []provider.Event{contentEvent("partial answ")})
	f.mock.StreamErr = map[int]error{
		0: provider.NewTransportError("openai", provider.ErrorCodeServerError, "bad gateway", nil),
	}

	_, err := f.session.Run(context.Background())
	var te *provider.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateFailed, f.session.State())

	// Streamed content survives, the message is no longer in progress.
	path, _ := f.tree.ActivePath("")
	leaf := path[len(path)-1].Message
	assert.Equal(t, "partial answ", leaf.Content)
	assert.False(t, leaf.InProgress)
	assert.Zero(t, leaf.Cost)

	available, _ := f.ledger.Available(context.Background(), "ws-1")
	assert.Equal(t, 100.0, available)
}

func TestRunToolRoundCap(t *testing.T) {
	// Every round issues another tool call; the cap forces settlement.
	f := newFixture(t, Params{MaxToolRounds: 1},
		[]provider.Event{toolCallEvent("c1", "echo", `{}`), usageEvent(5, 1)},
		[]provider.Event{toolCallEvent("c2", "echo", `{}`), usageEvent(5, 1)},
	)
	f.deps.Tools.Register(&echoTool{name: "echo"})

	answer, err := f.session.Run(context.Background())
	assert.ErrorIs(t, err, ErrToolRoundsExceeded)
	require.NotNil(t, answer)
	assert.Equal(t, StateTerminated, f.session.State())

	// Consumed usage is still settled.
	wantCost := 2 * (5*1 + 1*2.0)
	balance, _ := f.ledger.Balance(context.Background(), "ws-1")
	assert.Equal(t, 100-wantCost, balance)
	assert.Equal(t, wantCost, answer.Cost)

	available, _ := f.ledger.Available(context.Background(), "ws-1")
	assert.Equal(t, 100-wantCost, available)

	// Cut short is its own terminal shape, distinct from a failure.
	events := collectEvents(f.session)
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Kind)
	assert.Equal(t, answer.ID, last.Message.ID)
	assert.ErrorIs(t, last.Err, ErrToolRoundsExceeded)
}

func TestRunCustomKeyBillsNothing(t *testing.T) {
	f := newFixture(t, Params{CustomKey: "sk-workspace-own"}, []provider.Event{
		contentEvent("free answer"),
		usageEvent(1000, 1000),
	})

	answer, err := f.session.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, answer.Cost)

	balance, _ := f.ledger.Balance(context.Background(), "ws-1")
	assert.Equal(t, 100.0, balance)

	// The custom key reached the provider request.
	require.Len(t, f.mock.Requests(), 1)
	assert.Equal(t, "sk-workspace-own", f.mock.Requests()[0].CustomKey)
}

func TestRunCancellationSettlesPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFixture(t, Params{}, []provider.Event{contentEvent("never")})
	f.mock.StreamErr = map[int]error{0: context.Canceled}

	answer, err := f.session.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, answer)
	assert.False(t, answer.InProgress)
	assert.Equal(t, StateTerminated, f.session.State())

	// Forced settlement: reservation released, only reported usage billed.
	available, _ := f.ledger.Available(context.Background(), "ws-1")
	balance, _ := f.ledger.Balance(context.Background(), "ws-1")
	assert.Equal(t, balance, available)

	events := collectEvents(f.session)
	last := events[len(events)-1]
	assert.Equal(t, EventTerminated, last.Kind)
	require.NotNil(t, last.Message)
}

func TestInputAssembly(t *testing.T) {
	f := newFixture(t, Params{
		Assistant: &chat.Assistant{ID: "a1", Instructions: "You are a support agent."},
	}, []provider.Event{contentEvent("ok"), usageEvent(1, 1)})

	// Give the turn a quote to pin.
	f.user.Quote = "refunds take 5 days"

	echo := &echoTool{name: "echo"}
	f.deps.Tools.Register(echo)

	_, err := f.session.Run(context.Background())
	require.NoError(t, err)

	reqs := f.mock.Requests()
	require.Len(t, reqs, 1)
	blocks := reqs[0].Blocks
	require.Len(t, blocks, 3)

	// Leading system block carries instructions and tool guidance.
	assert.Equal(t, "system", blocks[0].Role)
	assert.Contains(t, blocks[0].Text, "You are a support agent.")
	assert.Contains(t, blocks[0].Text, "echo")

	// The quote precedes the quoting turn.
	assert.Equal(t, "system", blocks[1].Role)
	assert.Contains(t, blocks[1].Text, "refunds take 5 days")

	assert.Equal(t, "user", blocks[2].Role)
	assert.Equal(t, "what is the refund policy?", blocks[2].Text)

	// Tool definitions were advertised.
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "echo", reqs[0].Tools[0].Name)
}

func TestInputAssemblyMultiTurn(t *testing.T) {
	f := newFixture(t, Params{}, []provider.Event{contentEvent("ok"), usageEvent(1, 1)})

	// Extend the conversation past the fixture's first turn.
	a1 := chat.NewMessage(f.tree.Conversation().ID, chat.RoleAssistant, "it depends")
	a1.ParentID = f.user.ID
	require.NoError(t, f.tree.Attach(a1))

	u2 := chat.NewMessage(f.tree.Conversation().ID, chat.RoleUser, "on what?")
	u2.ParentID = a1.ID
	require.NoError(t, f.tree.Attach(u2))

	session, err := NewSession(f.deps, Params{Tree: f.tree, UserMessage: u2, Model: testModel})
	require.NoError(t, err)

	_, err = session.Run(context.Background())
	require.NoError(t, err)

	blocks := f.mock.Requests()[0].Blocks
	require.Len(t, blocks, 3)
	assert.Equal(t, "user", blocks[0].Role)
	assert.Equal(t, "what is the refund policy?", blocks[0].Text)
	assert.Equal(t, "assistant", blocks[1].Role)
	assert.Equal(t, "it depends", blocks[1].Text)
	assert.Equal(t, "on what?", blocks[2].Text)
}

func TestSlowConsumerKeepsTerminalEvent(t *testing.T) {
	script := make([]provider.Event, 0, 50)
	for i := 0; i < 48; i++ {
		script = append(script, contentEvent("x"))
	}
	script = append(script, usageEvent(1, 1))

	f := newFixture(t, Params{EventBuffer: 4}, script)

	_, err := f.session.Run(context.Background())
	require.NoError(t, err)

	// Deltas were dropped to fit the buffer, but the terminal event is
	// always the last one delivered.
	events := collectEvents(f.session)
	require.NotEmpty(t, events)
	assert.LessOrEqual(t, len(events), 4)
	assert.Equal(t, EventMessage, events[len(events)-1].Kind)
}

func TestNewSessionValidation(t *testing.T) {
	conv := chat.NewConversation("ws-1", "user-1")
	tree, err := chat.NewTree(conv, nil)
	require.NoError(t, err)
	user := chat.NewMessage(conv.ID, chat.RoleUser, "hi")
	require.NoError(t, tree.Attach(user))

	deps := Deps{
		Providers: provider.NewRegistry(),
		Ledger:    credit.NewMemoryLedger(),
		Costs:     cost.NewCalculator(nil, nil),
	}

	_, err = NewSession(deps, Params{UserMessage: user, Model: testModel})
	assert.Error(t, err)

	_, err = NewSession(deps, Params{Tree: tree, Model: testModel})
	assert.Error(t, err)

	_, err = NewSession(deps, Params{Tree: tree, UserMessage: user})
	assert.Error(t, err)

	// A pinned assistant model satisfies the model requirement.
	s, err := NewSession(deps, Params{
		Tree:        tree,
		UserMessage: user,
		Assistant:   &chat.Assistant{ID: "a1", Model: testModel},
	})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

// fakeTracker records Track and Done calls.
type fakeTracker struct {
	tracked  []string
	reserved []float64
	done     []string
}

func (ft *fakeTracker) Track(_ *chat.Tree, messageID, _ string, reserved float64) {
	ft.tracked = append(ft.tracked, messageID)
	ft.reserved = append(ft.reserved, reserved)
}

func (ft *fakeTracker) Done(messageID string) {
	ft.done = append(ft.done, messageID)
}

func TestRunRegistersWithTracker(t *testing.T) {
	f := newFixture(t, Params{}, []provider.Event{contentEvent("ok"), usageEvent(3, 2)})

	tracker := &fakeTracker{}
	deps := f.deps
	deps.Tracker = tracker

	session, err := NewSession(deps, Params{Tree: f.tree, UserMessage: f.user, Model: testModel})
	require.NoError(t, err)

	answer, err := session.Run(context.Background())
	require.NoError(t, err)

	// Tracked with the held estimate, untracked at settlement.
	require.Equal(t, []string{answer.ID}, tracker.tracked)
	assert.Equal(t, []float64{10}, tracker.reserved)
	assert.Equal(t, []string{answer.ID}, tracker.done)
}

// scopedTool is enabled only when a search namespace is in scope.
type scopedTool struct {
	echoTool
}

func (s *scopedTool) Enabled(cc tool.CallContext) bool {
	return len(cc.Namespaces) > 0
}

func TestScopeGatedToolAdvertising(t *testing.T) {
	newScoped := func() *scopedTool {
		return &scopedTool{echoTool{name: "kb_search"}}
	}
	script := []provider.Event{contentEvent("ok"), usageEvent(1, 1)}

	t.Run("off without files or knowledge base", func(t *testing.T) {
		f := newFixture(t, Params{Assistant: &chat.Assistant{ID: "a1"}}, script)
		f.deps.Tools.Register(newScoped())

		_, err := f.session.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, f.mock.Requests(), 1)
		assert.Empty(t, f.mock.Requests()[0].Tools)
	})

	t.Run("on when the conversation has an attached file", func(t *testing.T) {
		f := newFixture(t, Params{}, script)
		f.user.FileID = "file-1"
		f.deps.Tools.Register(newScoped())

		_, err := f.session.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, f.mock.Requests(), 1)
		require.Len(t, f.mock.Requests()[0].Tools, 1)
		assert.Equal(t, "kb_search", f.mock.Requests()[0].Tools[0].Name)
	})

	t.Run("on when the assistant has a knowledge base", func(t *testing.T) {
		f := newFixture(t, Params{
			Assistant: &chat.Assistant{ID: "a1", HasKnowledge: true},
		}, script)
		f.deps.Tools.Register(newScoped())

		_, err := f.session.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, f.mock.Requests(), 1)
		require.Len(t, f.mock.Requests()[0].Tools, 1)
	})
}

func TestPendingCallRecordedOnPlaceholder(t *testing.T) {
	f := newFixture(t, Params{},
		[]provider.Event{toolCallEvent("c1", "echo", `{"query":"refunds"}`), usageEvent(5, 1)},
		[]provider.Event{contentEvent("done"), usageEvent(8, 2)},
	)

	echo := &echoTool{name: "echo"}
	var pending *chat.ToolCall
	echo.onCall = func() {
		path, _ := f.tree.ActivePath("")
		pending = path[len(path)-1].Message.Call
	}
	f.deps.Tools.Register(echo)

	answer, err := f.session.Run(context.Background())
	require.NoError(t, err)

	// The invocation sat on the placeholder while the tool ran and was
	// cleared once its output was fed back.
	require.NotNil(t, pending)
	assert.Equal(t, "c1", pending.ID)
	assert.Equal(t, "echo", pending.Name)
	assert.Equal(t, map[string]any{"query": "refunds"}, pending.Arguments)
	assert.Nil(t, answer.Call)
}

// gateProvider blocks inside Stream until released.
type gateProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gateProvider) Name() string { return "gate" }

func (p *gateProvider) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	close(p.entered)
	<-p.release
	return nil, provider.NewTransportError("gate", provider.ErrorCodeServerError, "gone", nil)
}

func activeSessionsGauge(t *testing.T) float64 {
	t.Helper()
	fams, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range fams {
		if fam.GetName() == "platform_active_sessions" {
			return fam.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestRunTracksActiveSessionGauge(t *testing.T) {
	observability.InitMetrics()

	gate := &gateProvider{entered: make(chan struct{}), release: make(chan struct{})}
	registry := provider.NewRegistry()
	registry.Register(gate)
	require.NoError(t, registry.Bind(testModel, "gate"))

	conv := chat.NewConversation("ws-1", "user-1")
	tree, err := chat.NewTree(conv, nil)
	require.NoError(t, err)
	user := chat.NewMessage(conv.ID, chat.RoleUser, "hi")
	require.NoError(t, tree.Attach(user))

	ledger := credit.NewMemoryLedger()
	require.NoError(t, ledger.Credit(context.Background(), "ws-1", 100))

	session, err := NewSession(Deps{
		Providers: registry,
		Ledger:    ledger,
		Costs:     cost.NewCalculator(nil, map[string]float64{testModel: 1}),
	}, Params{Tree: tree, UserMessage: user, Model: testModel})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = session.Run(context.Background())
	}()

	<-gate.entered
	assert.Equal(t, 1.0, activeSessionsGauge(t))

	close(gate.release)
	<-done
	assert.Equal(t, 0.0, activeSessionsGauge(t))
}
