package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voice-bridge/internal/observability"
	"voice-bridge/internal/registry"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Capability is one entry in the closed set of functions the agent may call.
type Capability struct {
	Name        string
	Description string
	// ArgsSchema validates the invocation payload before Invoke runs.
	ArgsSchema *jsonschema.Schema
	// RawSchema is the JSON schema as advertised to the AI transport.
	RawSchema map[string]any
	// Gated capabilities require the session's identity gate to be Verified.
	Gated  bool
	Invoke func(ctx context.Context, session *registry.CallSession, args map[string]any) (any, error)
}

// ToolDefinition is the wire shape of a capability as advertised in the AI
// session configuration.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Router maps invocation names to backend capabilities. It holds no
// per-session state: the bridge's event loop calls Dispatch serially per
// session, which gives the required single-turn ordering; different sessions
// dispatch concurrently through the same router.
type Router struct {
	logger       *observability.Logger
	capabilities map[string]Capability
	order        []string
}

// NewRouter builds a router over the given capability set.
func NewRouter(logger *observability.Logger, capabilities ...Capability) (*Router, error) {
	r := &Router{
		logger:       logger,
		capabilities: make(map[string]Capability, len(capabilities)),
	}
	for _, capability := range capabilities {
		if _, exists := r.capabilities[capability.Name]; exists {
			return nil, fmt.Errorf("capability %q registered twice", capability.Name)
		}
		r.capabilities[capability.Name] = capability
		r.order = append(r.order, capability.Name)
	}
	return r, nil
}

// Definitions returns the tool definitions in registration order.
func (r *Router) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		capability := r.capabilities[name]
		defs = append(defs, ToolDefinition{
			Name:        capability.Name,
			Description: capability.Description,
			Parameters:  capability.RawSchema,
		})
	}
	return defs
}

// Dispatch validates, gates and executes one invocation, always returning
// exactly one result. Backend failures surface as backend_unavailable
// results; only the caller's context deadline and cancellation map to the
// timeout and cancelled codes.
func (r *Router) Dispatch(ctx context.Context, session *registry.CallSession, inv Invocation) Result {
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "invocation_id", Value: inv.ID},
		observability.Field{Key: "function", Value: inv.Name},
	)

	capability, ok := r.capabilities[inv.Name]
	if !ok {
		r.logger.Warn(ctx, "Unknown function requested by agent")
		return errorResult(inv.ID, CodeUnknownFunction, fmt.Sprintf("unknown function: %s", inv.Name))
	}

	args, err := r.validateArgs(capability, inv.Args)
	if err != nil {
		r.logger.Warn(ctx, fmt.Sprintf("Function arguments rejected: %v", err))
		return errorResult(inv.ID, CodeSchemaMismatch, err.Error())
	}

	if capability.Gated && !session.Verification.IsVerified() {
		prompt, _ := session.Verification.RequestChallenge()
		if prompt == "" {
			// Denied is terminal: the gate stays shut for the rest of the call.
			return errorResult(inv.ID, CodeNotVerified,
				"identity verification failed; this information cannot be shared on this call")
		}
		return errorResult(inv.ID, CodeNotVerified, prompt)
	}

	payload, err := capability.Invoke(ctx, session, args)
	if err != nil {
		return r.invokeErrorResult(ctx, inv, err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error(ctx, "Failed to marshal function result", err)
		return errorResult(inv.ID, CodeBackendUnavailable, "lookup produced an unreadable result")
	}

	return Result{InvocationID: inv.ID, Payload: raw, CompletedAt: time.Now()}
}

func (r *Router) invokeErrorResult(ctx context.Context, inv Invocation, err error) Result {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		r.logger.Warn(ctx, "Function dispatch timed out")
		return errorResult(inv.ID, CodeTimeout, "the lookup took too long; please try again")
	case errors.Is(err, context.Canceled):
		return CancelledResult(inv.ID)
	default:
		// A malfunctioning backend never aborts the call.
		r.logger.Error(ctx, "Function backend failed", err)
		return errorResult(inv.ID, CodeBackendUnavailable,
			"the lookup service is unavailable right now")
	}
}

func (r *Router) validateArgs(capability Capability, raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var payload any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	if capability.ArgsSchema != nil {
		if err := capability.ArgsSchema.Validate(payload); err != nil {
			return nil, fmt.Errorf("arguments do not match the %s schema: %w", capability.Name, err)
		}
	}

	args, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	return args, nil
}

// MustCompileSchema compiles an inline JSON schema document. Panics on
// malformed schemas; they are compile-time constants.
func MustCompileSchema(name, schema string) *jsonschema.Schema {
	compiled, err := jsonschema.CompileString(name, schema)
	if err != nil {
		panic(fmt.Sprintf("invalid schema %s: %v", name, err))
	}
	return compiled
}
