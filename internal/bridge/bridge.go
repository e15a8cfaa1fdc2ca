package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-bridge/internal/agent"
	"voice-bridge/internal/audio"
	"voice-bridge/internal/clients/openairt"
	"voice-bridge/internal/functions"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/registry"
	"voice-bridge/internal/telephony"
)

// ErrUpstreamUnavailable means the AI transport could not be established
// within the bound. Fatal to the call: reject early, never retry mid-call.
var ErrUpstreamUnavailable = errors.New("upstream AI transport unavailable")

// TurnState is the turn-taking sub-state while the session is active. At
// most one side is authoritative for audio from the caller's perspective.
type TurnState string

const (
	TurnAgent       TurnState = "agent"
	TurnCaller      TurnState = "caller"
	TurnInterrupted TurnState = "interrupted"
)

// TelephonyStream is the caller-side transport consumed by the bridge.
type TelephonyStream interface {
	Events(ctx context.Context) <-chan telephony.StreamEvent
	WriteFrame(frame audio.Frame) error
	Clear() error
	Close()
}

// AIConn is the model-side transport consumed by the bridge.
type AIConn interface {
	Events() <-chan openairt.Event
	AppendAudio(payload []byte) error
	CreateResponse() error
	CancelResponse() error
	SendFunctionResult(callID, output string) error
	Close() error
}

// DialFunc establishes the AI transport for one call.
type DialFunc func(ctx context.Context, cfg openairt.SessionConfig) (AIConn, error)

// Config holds per-call bridge tunables.
type Config struct {
	Model           string
	Voice           string
	DialTimeout     time.Duration
	FunctionTimeout time.Duration
	SendWindow      time.Duration
	FrameBuffer     int
	// AIFormat is the audio format spoken on the AI transport. The telephony
	// side is fixed narrow-band µ-law.
	AIFormat audio.Format
}

// DefaultConfig returns the production defaults: µ-law passthrough on both
// sides, 10s dial bound, 30s function bound, 100ms backpressure window.
func DefaultConfig() Config {
	return Config{
		Model:           "gpt-4o-realtime-preview-2024-12-17",
		Voice:           "alloy",
		DialTimeout:     10 * time.Second,
		FunctionTimeout: 30 * time.Second,
		SendWindow:      100 * time.Millisecond,
		FrameBuffer:     256,
		AIFormat:        audio.MuLaw8k,
	}
}

// Stats counts per-session relay and dispatch activity.
type Stats struct {
	FramesFromCaller uint64
	FramesToCaller   uint64
	FramesFromAgent  uint64
	FramesToAgent    uint64
	// DroppedAfterCutoff counts agent frames discarded because their turn was
	// invalidated by an interruption.
	DroppedAfterCutoff uint64
	// Gaps counts frames dropped on backpressure; each is a recorded
	// gap-inserted marker rather than an indefinite stall.
	Gaps          uint64
	Interruptions uint64
	Invocations   uint64
}

// Bridge owns the paired transports for one call and keeps them
// synchronized: two audio relay flows plus a single event loop that
// serializes turn changes, function dispatch and verification mutations.
type Bridge struct {
	session *registry.CallSession
	reg     *registry.Registry
	tel     TelephonyStream
	dial    DialFunc
	router  *functions.Router
	logger  *observability.Logger
	cfg     Config

	ai AIConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                 sync.Mutex
	turn               TurnState
	activeResponseID   string
	cancelledResponses map[string]bool
	aiSeq              uint64
	stats              Stats
	results            []functions.Result
	pendingInvocations map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a bridge for one call session. Open must be called before Run.
func New(session *registry.CallSession, reg *registry.Registry, tel TelephonyStream,
	dial DialFunc, router *functions.Router, logger *observability.Logger, cfg Config) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		session:            session,
		reg:                reg,
		tel:                tel,
		dial:               dial,
		router:             router,
		logger:             logger,
		cfg:                cfg,
		ctx:                ctx,
		cancel:             cancel,
		turn:               TurnCaller,
		cancelledResponses: make(map[string]bool),
		pendingInvocations: make(map[string]bool),
		closed:             make(chan struct{}),
	}
}

// Open establishes the AI transport within the dial bound, sends the session
// configuration (persona, caller context preamble, tool list) and triggers
// the greeting. Fails with ErrUpstreamUnavailable when the transport cannot
// be established in time.
func (b *Bridge) Open(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()

	tools := make([]openairt.Tool, 0)
	for _, def := range b.router.Definitions() {
		tools = append(tools, openairt.Tool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}

	conn, err := b.dial(dialCtx, openairt.SessionConfig{
		Model:             b.cfg.Model,
		Voice:             b.cfg.Voice,
		Instructions:      agent.BuildInstructions(b.session),
		InputAudioFormat:  string(b.cfg.AIFormat.Encoding),
		OutputAudioFormat: string(b.cfg.AIFormat.Encoding),
		Temperature:       0.8,
		Tools:             tools,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	b.ai = conn

	if err := b.ai.CreateResponse(); err != nil {
		b.ai.Close()
		return fmt.Errorf("%w: failed to trigger greeting: %v", ErrUpstreamUnavailable, err)
	}

	b.session.SetState(registry.StateActive)
	b.logger.Info(observability.WithCallID(ctx, b.session.ID), "Session bridge opened")
	return nil
}

// Run relays audio and events until either transport closes or the bridge is
// closed. Blocks for the lifetime of the call.
func (b *Bridge) Run(ctx context.Context) error {
	if b.ai == nil {
		return fmt.Errorf("bridge not opened")
	}

	logCtx := observability.WithCallID(context.Background(), b.session.ID)

	// Watch the caller's context so an HTTP-layer teardown closes the call.
	go func() {
		select {
		case <-ctx.Done():
			b.Close(logCtx, "request context cancelled")
		case <-b.ctx.Done():
		}
	}()

	toAgent := make(chan audio.Frame, b.cfg.FrameBuffer)
	toCaller := make(chan callerFrame, b.cfg.FrameBuffer)
	events := make(chan openairt.Event, 64)

	b.wg.Add(4)
	go b.readTelephony(logCtx, toAgent)
	go b.writeAgentAudio(logCtx, toAgent)
	go b.readAI(logCtx, toCaller, events)
	go b.writeCallerAudio(logCtx, toCaller)

	b.eventLoop(logCtx, events)

	b.wg.Wait()
	b.flushPending(events)
	<-b.closed
	return nil
}

// readTelephony relays caller audio toward the AI transport, preserving
// arrival order. Drops with a gap marker rather than blocking past the send
// window: audio must stay real-time.
func (b *Bridge) readTelephony(ctx context.Context, toAgent chan<- audio.Frame) {
	defer b.wg.Done()

	for event := range b.tel.Events(b.ctx) {
		switch event.Type {
		case telephony.EventMedia:
			b.session.Touch()
			b.mu.Lock()
			b.stats.FramesFromCaller++
			b.mu.Unlock()

			frame, err := audio.Transcode(event.Frame, b.cfg.AIFormat)
			if err != nil {
				b.logger.Error(ctx, "Failed to transcode caller frame", err)
				b.Close(ctx, "unsupported audio format")
				return
			}
			b.forward(ctx, toAgent, frame)

		case telephony.EventStop, telephony.EventClosed:
			b.Close(ctx, "telephony stream ended")
			return
		}

		if b.ctx.Err() != nil {
			return
		}
	}
}

func (b *Bridge) writeAgentAudio(ctx context.Context, toAgent <-chan audio.Frame) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			// Flush frames that were already accepted into the buffer so
			// every accepted frame is accounted for as sent or gapped.
			for {
				select {
				case frame := <-toAgent:
					if b.ai.AppendAudio(frame.Payload) != nil {
						return
					}
					b.mu.Lock()
					b.stats.FramesToAgent++
					b.mu.Unlock()
				default:
					return
				}
			}
		case frame := <-toAgent:
			if err := b.ai.AppendAudio(frame.Payload); err != nil {
				if b.ctx.Err() == nil {
					b.logger.Error(ctx, "Failed to send audio to AI transport", err)
					b.Close(ctx, "ai transport write failed")
				}
				return
			}
			b.mu.Lock()
			b.stats.FramesToAgent++
			b.mu.Unlock()
		}
	}
}

// callerFrame pairs an outbound frame with the response turn it belongs to,
// so the write side can drop it if the turn is invalidated while buffered.
type callerFrame struct {
	frame      audio.Frame
	responseID string
}

// readAI relays agent audio toward the caller and forwards control events to
// the event loop. Audio never waits on function dispatch: deltas are handled
// here, not in the event loop.
func (b *Bridge) readAI(ctx context.Context, toCaller chan<- callerFrame, events chan<- openairt.Event) {
	defer b.wg.Done()

	for event := range b.ai.Events() {
		if event.Type == openairt.EventAudioDelta {
			b.relayAgentAudio(ctx, toCaller, event)
			continue
		}

		select {
		case events <- event:
		case <-b.ctx.Done():
			return
		}

		if event.Type == openairt.EventClosed {
			return
		}
	}
}

func (b *Bridge) relayAgentAudio(ctx context.Context, toCaller chan<- callerFrame, event openairt.Event) {
	b.mu.Lock()
	b.stats.FramesFromAgent++
	if event.ResponseID != "" && b.cancelledResponses[event.ResponseID] {
		// The turn was invalidated by a barge-in; nothing of it may reach
		// the caller after the cutoff.
		b.stats.DroppedAfterCutoff++
		b.mu.Unlock()
		return
	}
	b.aiSeq++
	seq := b.aiSeq
	b.mu.Unlock()

	frame := audio.Frame{
		Source:    audio.SourceAI,
		Seq:       seq,
		Timestamp: time.Now(),
		Format:    b.cfg.AIFormat,
		Payload:   event.Audio,
	}
	out, err := audio.Transcode(frame, audio.MuLaw8k)
	if err != nil {
		b.logger.Error(ctx, "Failed to transcode agent frame", err)
		b.Close(ctx, "unsupported audio format")
		return
	}
	b.forwardCaller(ctx, toCaller, callerFrame{frame: out, responseID: event.ResponseID})
}

func (b *Bridge) writeCallerAudio(ctx context.Context, toCaller <-chan callerFrame) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case cf := <-toCaller:
			// Re-check the cutoff: the turn may have been invalidated while
			// this frame sat in the buffer.
			b.mu.Lock()
			if b.turn == TurnInterrupted || b.cancelledResponses[cf.responseID] {
				b.stats.DroppedAfterCutoff++
				b.mu.Unlock()
				continue
			}
			b.mu.Unlock()

			if err := b.tel.WriteFrame(cf.frame); err != nil {
				if b.ctx.Err() == nil {
					b.logger.Error(ctx, "Failed to send audio to caller", err)
					b.Close(ctx, "telephony write failed")
				}
				return
			}
			b.mu.Lock()
			b.stats.FramesToCaller++
			b.mu.Unlock()
		}
	}
}

// forward pushes a frame with a bounded wait; on backpressure the frame is
// dropped and a gap marker recorded, never blocking indefinitely.
func (b *Bridge) forward(ctx context.Context, out chan<- audio.Frame, frame audio.Frame) {
	timer := time.NewTimer(b.cfg.SendWindow)
	defer timer.Stop()

	select {
	case out <- frame:
	case <-timer.C:
		b.mu.Lock()
		b.stats.Gaps++
		b.mu.Unlock()
		b.logger.Warn(ctx, fmt.Sprintf("Frame buffer full, dropping %s frame seq %d (gap marker)", frame.Source, frame.Seq))
	case <-b.ctx.Done():
	}
}

func (b *Bridge) forwardCaller(ctx context.Context, out chan<- callerFrame, cf callerFrame) {
	timer := time.NewTimer(b.cfg.SendWindow)
	defer timer.Stop()

	select {
	case out <- cf:
	case <-timer.C:
		b.mu.Lock()
		b.stats.Gaps++
		b.mu.Unlock()
		b.logger.Warn(ctx, fmt.Sprintf("Frame buffer full, dropping %s frame seq %d (gap marker)", cf.frame.Source, cf.frame.Seq))
	case <-b.ctx.Done():
	}
}

// eventLoop serializes all session state changes: turn transitions, barge-in
// and function dispatch. Runs until the bridge closes.
func (b *Bridge) eventLoop(ctx context.Context, events <-chan openairt.Event) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-events:
			switch event.Type {
			case openairt.EventResponseCreated:
				b.mu.Lock()
				b.activeResponseID = event.ResponseID
				b.turn = TurnAgent
				b.mu.Unlock()

			case openairt.EventResponseDone:
				b.mu.Lock()
				if b.turn == TurnAgent {
					b.turn = TurnCaller
				}
				b.activeResponseID = ""
				b.mu.Unlock()

			case openairt.EventSpeechStarted:
				b.handleBargeIn(ctx)

			case openairt.EventFunctionCall:
				b.handleInvocation(ctx, event)

			case openairt.EventCallerTranscript:
				b.logger.Info(observability.WithFields(ctx,
					observability.Field{Key: "transcript", Value: event.Transcript}), "Caller said")

			case openairt.EventAgentTranscript:
				b.logger.Info(observability.WithFields(ctx,
					observability.Field{Key: "transcript", Value: event.Transcript}), "Agent said")

			case openairt.EventError:
				b.logger.Warn(ctx, fmt.Sprintf("AI transport error event: %s", event.ErrMessage))

			case openairt.EventClosed:
				b.Close(ctx, "ai transport closed")
				return
			}
		}
	}
}

// handleBargeIn runs the interruption sequence when caller voice activity is
// detected during an agent turn: cancel the in-flight response, invalidate
// its frames, flush transport buffers, then hand the turn to the caller.
func (b *Bridge) handleBargeIn(ctx context.Context) {
	b.mu.Lock()
	if b.turn != TurnAgent || b.activeResponseID == "" {
		b.mu.Unlock()
		return
	}
	b.cancelledResponses[b.activeResponseID] = true
	b.turn = TurnInterrupted
	b.stats.Interruptions++
	b.mu.Unlock()

	if err := b.ai.CancelResponse(); err != nil {
		b.logger.Error(ctx, "Failed to send interruption signal", err)
	}
	if err := b.tel.Clear(); err != nil {
		b.logger.Error(ctx, "Failed to flush caller audio buffer", err)
	}

	b.mu.Lock()
	b.turn = TurnCaller
	b.activeResponseID = ""
	b.mu.Unlock()

	b.logger.Info(ctx, "Barge-in: agent turn interrupted, caller has the floor")
}

// handleInvocation dispatches one function call and returns its result to
// the AI transport. Blocking here is deliberate: invocations for a session
// run one at a time in arrival order, while audio relay continues unblocked.
func (b *Bridge) handleInvocation(ctx context.Context, event openairt.Event) {
	b.mu.Lock()
	b.stats.Invocations++
	b.pendingInvocations[event.CallID] = true
	turnID := b.activeResponseID
	b.mu.Unlock()

	inv := functions.Invocation{
		ID:     event.CallID,
		Name:   event.Name,
		Args:   json.RawMessage(event.Arguments),
		TurnID: turnID,
	}

	dispatchCtx, cancel := context.WithTimeout(b.ctx, b.cfg.FunctionTimeout)
	result := b.router.Dispatch(dispatchCtx, b.session, inv)
	cancel()

	b.recordResult(inv.ID, result)

	if b.ctx.Err() != nil {
		return
	}
	if err := b.ai.SendFunctionResult(inv.ID, result.Output()); err != nil {
		b.logger.Error(ctx, "Failed to return function result", err)
	}
}

func (b *Bridge) recordResult(invocationID string, result functions.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pendingInvocations, invocationID)
	b.results = append(b.results, result)
}

// flushPending records cancelled results for invocations that were queued
// but never dispatched when the session closed, keeping the one-result-per-
// invocation invariant.
func (b *Bridge) flushPending(events <-chan openairt.Event) {
	for {
		select {
		case event := <-events:
			if event.Type == openairt.EventFunctionCall {
				b.recordResult(event.CallID, functions.CancelledResult(event.CallID))
			}
		default:
			b.mu.Lock()
			for id := range b.pendingInvocations {
				delete(b.pendingInvocations, id)
				b.results = append(b.results, functions.CancelledResult(id))
			}
			b.mu.Unlock()
			return
		}
	}
}

// Close tears the session down: cancels in-flight dispatches, closes both
// transports and notifies the registry. Idempotent; safe from any goroutine.
func (b *Bridge) Close(ctx context.Context, reason string) {
	b.closeOnce.Do(func() {
		b.session.SetState(registry.StateClosing)
		b.logger.Info(observability.WithFields(ctx,
			observability.Field{Key: "reason", Value: reason}), "Closing session bridge")

		b.cancel()
		if b.ai != nil {
			b.ai.Close()
		}
		b.tel.Close()
		b.reg.Destroy(ctx, b.session.ID)
		close(b.closed)
	})
}

// Turn returns the current turn sub-state.
func (b *Bridge) Turn() TurnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turn
}

// Stats returns a snapshot of relay counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Results returns the function results recorded so far.
func (b *Bridge) Results() []functions.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]functions.Result, len(b.results))
	copy(out, b.results)
	return out
}
