// Package generation runs one streamed assistant answer: assemble the
// conversation input, reserve credit, stream the model, resolve tool
// calls, settle the real cost.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skeedo-sys/platform/internal/chat"
	"github.com/skeedo-sys/platform/internal/cost"
	"github.com/skeedo-sys/platform/internal/credit"
	"github.com/skeedo-sys/platform/internal/provider"
	"github.com/skeedo-sys/platform/internal/tool"
	"github.com/skeedo-sys/platform/pkg/observability"
	"github.com/skeedo-sys/platform/pkg/vectorstore"
)

// DefaultMaxToolRounds caps how many times one session re-enters the
// model after resolving tool calls.
const DefaultMaxToolRounds = 5

// State is the phase a session is in.
type State string

const (
	StateAssembling     State = "assembling"
	StateReserving      State = "reserving"
	StateStreaming      State = "streaming"
	StateResolvingTools State = "resolving_tools"
	StateSettling       State = "settling"
	StateCompleted      State = "completed"
	// StateTerminated marks a generation cut short but settled: its
	// partial answer was kept and billed.
	StateTerminated State = "terminated"
	// StateFailed marks a generation that billed nothing.
	StateFailed State = "failed"
)

// ImageSource resolves stored image attachments to inline data URLs for
// model input.
type ImageSource interface {
	DataURL(ctx context.Context, imageID string) (string, error)
}

// Tracker registers in-flight generations so a reaper can end the ones
// whose session died without settling.
type Tracker interface {
	Track(tree *chat.Tree, messageID, workspaceID string, reserved float64)
	Done(messageID string)
}

// Deps are the shared services a session runs against.
type Deps struct {
	Providers *provider.Registry
	Ledger    credit.Ledger
	Costs     *cost.Calculator

	// Tools may be nil for tool-less deployments.
	Tools *tool.Registry

	// Images may be nil when image attachments are not served.
	Images ImageSource

	// Recorder, when set, receives a Record for every settled
	// generation.
	Recorder Recorder

	// Tracker, when set, is notified when a generation starts and ends.
	Tracker Tracker
}

// Params describe one generation.
type Params struct {
	// Tree is the conversation being extended.
	Tree *chat.Tree

	// UserMessage is the attached user turn to answer.
	UserMessage *chat.Message

	// Assistant is the persona answering, or nil for a plain chat.
	Assistant *chat.Assistant

	// Model is the model key to generate with. An assistant with a
	// pinned model overrides it.
	Model string

	// CustomKey is a workspace-supplied provider credential. When set,
	// the session bills nothing.
	CustomKey string

	// MaxToolRounds overrides DefaultMaxToolRounds when positive.
	MaxToolRounds int

	// EventBuffer overrides the delta backlog size when positive.
	EventBuffer int
}

// Session drives one generation from input assembly to settlement.
// Create with NewSession, consume Events, then Run exactly once.
type Session struct {
	deps   Deps
	params Params

	model   string
	emitter *emitter

	mu      sync.Mutex
	state   State
	started time.Time

	usageInput  int
	usageOutput int
	toolCost    float64
}

// NewSession validates the parameters and prepares a session.
func NewSession(deps Deps, params Params) (*Session, error) {
	if params.Tree == nil {
		return nil, errors.New("generation: tree is required")
	}
	if params.UserMessage == nil {
		return nil, errors.New("generation: user message is required")
	}
	if deps.Providers == nil || deps.Ledger == nil || deps.Costs == nil {
		return nil, errors.New("generation: providers, ledger and costs are required")
	}

	model := params.Model
	if params.Assistant != nil && params.Assistant.Model != "" {
		model = params.Assistant.Model
	}
	if model == "" {
		return nil, errors.New("generation: model is required")
	}

	return &Session{
		deps:    deps,
		params:  params,
		model:   model,
		emitter: newEmitter(params.EventBuffer),
		state:   StateAssembling,
	}, nil
}

// Events returns the rendering event stream. It is closed after the
// terminal event.
func (s *Session) Events() <-chan Event {
	return s.emitter.Events()
}

// State returns the current session phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes the generation and returns the settled assistant message.
// On failure the returned error classifies the cause; a non-nil message
// alongside an error means partial content was kept and settled.
func (s *Session) Run(ctx context.Context) (*chat.Message, error) {
	start := time.Now()
	s.started = start
	conv := s.params.Tree.Conversation()

	ctx, span := otel.Tracer("generation").Start(ctx, "generation.run",
		trace.WithAttributes(
			attribute.String("model", s.model),
			attribute.String("conversation.id", conv.ID),
			attribute.String("workspace.id", conv.WorkspaceID),
		))
	defer span.End()
	observability.SessionStarted()
	defer observability.SessionEnded()
	defer func() {
		generationDuration.WithLabelValues(s.model).Observe(time.Since(start).Seconds())
	}()

	// Resolve the provider before touching the ledger: an unsupported
	// model must fail without reserving anything.
	prov, err := s.deps.Providers.Resolve(s.model)
	if err != nil {
		return s.fail(nil, nil, err)
	}

	blocks, imageTokens, err := s.assemble(ctx)
	if err != nil {
		return s.fail(nil, nil, err)
	}

	answer := chat.NewMessage(conv.ID, chat.RoleAssistant, "")
	answer.ParentID = s.params.UserMessage.ID
	answer.Model = s.model
	answer.InProgress = true
	if s.params.Assistant != nil {
		answer.AssistantID = s.params.Assistant.ID
	}
	if err := s.params.Tree.Attach(answer); err != nil {
		return s.fail(nil, nil, err)
	}

	s.setState(StateReserving)
	var reservation *credit.Reservation
	if s.params.CustomKey == "" {
		estimate := s.deps.Costs.Estimate(s.model) +
			s.deps.Costs.Calculate(float64(imageTokens), s.model, cost.Input)
		reservation, err = s.deps.Ledger.Reserve(ctx, conv.WorkspaceID, estimate)
		if err != nil {
			return s.fail(answer, nil, err)
		}
	}

	if s.deps.Tracker != nil {
		reserved := 0.0
		if reservation != nil {
			reserved = reservation.Amount
		}
		s.deps.Tracker.Track(s.params.Tree, answer.ID, conv.WorkspaceID, reserved)
	}

	cc := s.callContext(conv)
	var defs []provider.ToolDefinition
	if s.deps.Tools != nil {
		defs = s.deps.Tools.Definitions(cc)
	}

	maxRounds := s.params.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}

	rounds := 0
	for {
		s.setState(StateStreaming)
		stream, err := prov.Stream(ctx, provider.Request{
			Model:     s.model,
			Blocks:    blocks,
			Tools:     defs,
			UserID:    conv.UserID,
			CustomKey: s.params.CustomKey,
		})
		if err != nil {
			return s.fail(answer, reservation, err)
		}

		pending, err := s.consume(stream, answer)
		closeErr := stream.Close()
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-stream: keep what was produced and
				// settle whatever usage the provider reported.
				return s.settle(ctx, answer, reservation, rounds, ctx.Err())
			}
			return s.fail(answer, reservation, err)
		}
		if closeErr != nil {
			log.Printf("generation %s: closing stream: %v", answer.ID, closeErr)
		}

		if len(pending) == 0 {
			break
		}
		if rounds >= maxRounds {
			return s.settle(ctx, answer, reservation, rounds, ErrToolRoundsExceeded)
		}
		rounds++

		s.setState(StateResolvingTools)
		for _, call := range pending {
			blocks = append(blocks, provider.Block{
				Type:      provider.BlockToolCall,
				CallID:    call.CallID,
				Name:      call.Name,
				Arguments: call.Arguments,
			})

			// The pending invocation lives on the placeholder until
			// its output is fed back.
			var args map[string]any
			_ = json.Unmarshal([]byte(call.Arguments), &args)
			if err := s.params.Tree.SetCall(answer.ID, &chat.ToolCall{ID: call.CallID, Name: call.Name, Arguments: args}); err != nil {
				return s.fail(answer, reservation, err)
			}

			output, err := s.invokeTool(ctx, cc, call)
			if err != nil {
				return s.fail(answer, reservation, err)
			}

			blocks = append(blocks, provider.Block{
				Type:   provider.BlockToolOutput,
				CallID: call.CallID,
				Text:   output,
			})
			if err := s.params.Tree.SetCall(answer.ID, nil); err != nil {
				return s.fail(answer, reservation, err)
			}
			s.emitter.send(Event{Kind: EventToolInvoked, Tool: call.Name})
		}
	}

	return s.settle(ctx, answer, reservation, rounds, nil)
}

// consume drains one provider stream into the answer message, returning
// the tool calls the model issued during it.
func (s *Session) consume(stream provider.Stream, answer *chat.Message) ([]provider.ToolCallEvent, error) {
	var pending []provider.ToolCallEvent

	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return pending, nil
			}
			return pending, err
		}
		streamEventsTotal.WithLabelValues(string(ev.Type)).Inc()

		switch ev.Type {
		case provider.EventContentDelta:
			if err := s.params.Tree.AppendContent(answer.ID, ev.Delta); err != nil {
				return pending, err
			}
			s.emitter.send(Event{Kind: EventContent, Delta: ev.Delta})

		case provider.EventReasoningDelta:
			if err := s.params.Tree.AppendReasoning(answer.ID, ev.Delta); err != nil {
				return pending, err
			}
			s.emitter.send(Event{Kind: EventReasoning, Delta: ev.Delta})

		case provider.EventToolCall:
			if ev.Call != nil {
				pending = append(pending, *ev.Call)
			}

		case provider.EventUsage:
			if ev.Usage != nil {
				s.usageInput += ev.Usage.InputTokens
				s.usageOutput += ev.Usage.OutputTokens
			}
		}
	}
}

// invokeTool resolves one model-issued call. Recoverable failures come
// back as an error payload for the model; only unexpected failures
// abort the generation.
func (s *Session) invokeTool(ctx context.Context, cc tool.CallContext, call provider.ToolCallEvent) (string, error) {
	if s.deps.Tools == nil {
		toolCallsTotal.WithLabelValues(call.Name, "unknown").Inc()
		return `{"error":"unknown tool"}`, nil
	}
	t, ok := s.deps.Tools.Get(call.Name)
	if !ok {
		toolCallsTotal.WithLabelValues(call.Name, "unknown").Inc()
		return `{"error":"unknown tool"}`, nil
	}

	res, err := t.Call(ctx, cc, json.RawMessage(call.Arguments))
	if err != nil {
		var callErr *tool.CallError
		if errors.As(err, &callErr) {
			toolCallsTotal.WithLabelValues(call.Name, "error").Inc()
			log.Printf("generation: tool %s returned error: %v", call.Name, err)
			return callErr.Output(), nil
		}
		toolCallsTotal.WithLabelValues(call.Name, "fatal").Inc()
		return "", &ToolExecutionError{Tool: call.Name, Err: err}
	}

	toolCallsTotal.WithLabelValues(call.Name, "ok").Inc()
	s.toolCost += res.Cost
	return res.Content, nil
}

// assemble builds the model input for the user message's branch: one
// leading system block, then the ancestor turns root first. It also
// returns the estimated token weight of image attachments on the path.
func (s *Session) assemble(ctx context.Context) ([]provider.Block, int, error) {
	chain, err := s.params.Tree.Ancestors(s.params.UserMessage.ID)
	if err != nil {
		return nil, 0, err
	}

	conv := s.params.Tree.Conversation()
	cc := s.callContext(conv)

	var instructions []string
	if s.params.Assistant != nil && s.params.Assistant.Instructions != "" {
		instructions = append(instructions, s.params.Assistant.Instructions)
	}
	if s.deps.Tools != nil {
		instructions = append(instructions, s.deps.Tools.Instructions(cc)...)
	}

	var blocks []provider.Block
	if len(instructions) > 0 {
		blocks = append(blocks, provider.TextBlock("system", strings.Join(instructions, "\n\n")))
	}

	imageTokens := 0
	for i := len(chain) - 1; i >= 0; i-- {
		msg := chain[i]

		if msg.Quote != "" {
			blocks = append(blocks, provider.TextBlock("system",
				"The user is referring to this in particular:\n\n"+msg.Quote))
		}

		if msg.ImageID != "" && s.deps.Images != nil {
			url, err := s.deps.Images.DataURL(ctx, msg.ImageID)
			if err != nil {
				return nil, 0, fmt.Errorf("resolving image %s: %w", msg.ImageID, err)
			}
			if url != "" {
				blocks = append(blocks, provider.ImageBlock(url))
				imageTokens += cost.ImageTokens(msg.ImageWidth, msg.ImageHeight)
			}
		}

		if msg.Content != "" {
			blocks = append(blocks, provider.TextBlock(string(msg.Role), msg.Content))
		}
	}

	return blocks, imageTokens, nil
}

// callContext builds the tool scope of this generation. A search
// namespace only enters the scope when it can hold anything: the
// workspace scope requires an attached file on the conversation, the
// assistant scope requires a knowledge base. Scope-gated tools stay off
// the provider request entirely when neither applies.
func (s *Session) callContext(conv *chat.Conversation) tool.CallContext {
	cc := tool.CallContext{
		WorkspaceID:    conv.WorkspaceID,
		UserID:         conv.UserID,
		ConversationID: conv.ID,
	}
	if s.params.Tree.HasFiles() {
		cc.Namespaces = append(cc.Namespaces, vectorstore.WorkspaceNamespace(conv.WorkspaceID))
	}
	if s.params.Assistant != nil {
		cc.AssistantID = s.params.Assistant.ID
		if s.params.Assistant.HasKnowledge {
			cc.Namespaces = append(cc.Namespaces, vectorstore.AssistantNamespace(s.params.Assistant.ID))
		}
	}
	return cc
}

// settle deducts the real cost, releases the reservation and finalizes
// the answer. cause, when non-nil, marks a forced settlement (cancel or
// round cap): partial content is kept and the error is still reported.
func (s *Session) settle(ctx context.Context, answer *chat.Message, reservation *credit.Reservation, rounds int, cause error) (*chat.Message, error) {
	s.setState(StateSettling)
	toolRoundsPerSession.Observe(float64(rounds))

	// Claim the generation back from the reaper before touching the
	// ledger, so a concurrent sweep cannot release the hold twice.
	if s.deps.Tracker != nil {
		s.deps.Tracker.Done(answer.ID)
	}

	// Settlement must not be lost to the caller's cancellation.
	sctx := context.WithoutCancel(ctx)

	var realCost float64
	if s.params.CustomKey == "" {
		realCost = s.deps.Costs.CalculateUsage(s.model, s.usageInput, s.usageOutput) + s.toolCost
	}

	workspaceID := s.params.Tree.Conversation().WorkspaceID
	if realCost > 0 {
		if err := s.deps.Ledger.Deduct(sctx, workspaceID, realCost, true); err != nil {
			log.Printf("generation %s: deducting %f credits: %v", answer.ID, realCost, err)
		}
	}
	if reservation != nil {
		if err := s.deps.Ledger.Release(sctx, reservation.WorkspaceID, reservation.Amount); err != nil {
			log.Printf("generation %s: releasing reservation: %v", answer.ID, err)
		}
	}

	if err := s.params.Tree.Finalize(answer.ID, realCost); err != nil {
		log.Printf("generation %s: finalizing: %v", answer.ID, err)
	}
	s.params.Tree.AddCost(realCost)
	creditsSettled.WithLabelValues(s.model).Add(realCost)

	if s.deps.Recorder != nil {
		status := "completed"
		if cause != nil {
			status = "terminated"
		}
		s.deps.Recorder.RecordGeneration(sctx, Record{
			MessageID:      answer.ID,
			ConversationID: answer.ConversationID,
			WorkspaceID:    workspaceID,
			Model:          s.model,
			InputTokens:    s.usageInput,
			OutputTokens:   s.usageOutput,
			Cost:           realCost,
			Status:         status,
			Started:        s.started,
			Ended:          time.Now(),
		})
	}

	if cause != nil {
		// Cut short, not failed: the partial answer stands and was
		// billed, so the terminal shape differs from an unbilled
		// failure.
		s.setState(StateTerminated)
		generationsTotal.WithLabelValues(s.model, "terminated").Inc()
		s.emitter.finish(Event{Kind: EventTerminated, Message: answer, Err: cause})
		return answer, cause
	}

	s.setState(StateCompleted)
	generationsTotal.WithLabelValues(s.model, "completed").Inc()
	s.emitter.finish(Event{Kind: EventMessage, Message: answer})
	return answer, nil
}

// fail releases any reservation, terminates the placeholder and reports
// the error. Nothing is deducted: a failed generation bills nothing.
func (s *Session) fail(answer *chat.Message, reservation *credit.Reservation, err error) (*chat.Message, error) {
	s.setState(StateFailed)

	if s.deps.Tracker != nil && answer != nil {
		s.deps.Tracker.Done(answer.ID)
	}

	sctx := context.WithoutCancel(context.Background())
	if reservation != nil {
		if rerr := s.deps.Ledger.Release(sctx, reservation.WorkspaceID, reservation.Amount); rerr != nil {
			log.Printf("generation: releasing reservation: %v", rerr)
		}
	}
	if answer != nil {
		if terr := s.params.Tree.Terminate(answer.ID); terr != nil {
			log.Printf("generation: terminating %s: %v", answer.ID, terr)
		}
	}

	generationsTotal.WithLabelValues(s.model, "failed").Inc()
	s.emitter.finish(Event{Kind: EventFailed, Err: err})
	return nil, err
}
