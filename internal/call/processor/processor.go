package processor

import (
	"context"
	"errors"
	"fmt"

	"voice-bridge/internal/bridge"
	"voice-bridge/internal/functions"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/registry"
)

// CallProcessor owns the call lifecycle: registration, caller-context
// pre-fetch, and running the session bridge.
type CallProcessor struct {
	registry  *registry.Registry
	crm       functions.CRMClient
	router    *functions.Router
	dial      bridge.DialFunc
	bridgeCfg bridge.Config
	logger    *observability.Logger
}

// NewCallProcessor wires the call processor with its collaborators.
func NewCallProcessor(reg *registry.Registry, crm functions.CRMClient, router *functions.Router,
	dial bridge.DialFunc, bridgeCfg bridge.Config, logger *observability.Logger) *CallProcessor {
	return &CallProcessor{
		registry:  reg,
		crm:       crm,
		router:    router,
		dial:      dial,
		bridgeCfg: bridgeCfg,
		logger:    logger,
	}
}

// CreateCall registers the call session and starts the CRM pre-fetch in the
// background so the record is usually attached before the media stream
// connects. Fails with registry.ErrDuplicateCall on a repeated identifier.
func (p *CallProcessor) CreateCall(ctx context.Context, callID, callerPhone string) (*registry.CallSession, error) {
	session, err := p.registry.Create(ctx, callID, callerPhone)
	if err != nil {
		return nil, fmt.Errorf("failed to create call session: %w", err)
	}

	go p.prefetchCallerContext(callID, callerPhone)

	return session, nil
}

// prefetchCallerContext looks the caller up by phone number and attaches the
// result to the session. A lookup failure attaches an empty record; the
// agent falls back to collecting details by voice.
func (p *CallProcessor) prefetchCallerContext(callID, callerPhone string) {
	ctx := observability.WithCallID(context.Background(), callID)

	callerCtx := registry.CallerContext{}
	if callerPhone != "" {
		result, err := p.crm.LookupApplicationStatus(ctx, functions.LookupQuery{Phone: callerPhone})
		if err != nil {
			p.logger.Warn(ctx, fmt.Sprintf("Caller context pre-fetch failed: %v", err))
		} else if result.Found && !result.MultipleMatches {
			callerCtx = registry.CallerContext{
				Found:         true,
				FirstName:     result.FirstName,
				LastName:      result.LastName,
				Language:      result.Language,
				Status:        result.Status,
				StatusMessage: result.Message,
			}
		}
	}

	p.registry.AttachCallerContext(ctx, callID, callerCtx)
}

// LookupSession returns the session registered for a call identifier.
func (p *CallProcessor) LookupSession(callID string) (*registry.CallSession, bool) {
	return p.registry.Get(callID)
}

// RunBridge opens the AI transport for the session and relays until the call
// ends. If the transport cannot be established the session is torn down and
// bridge.ErrUpstreamUnavailable is returned so the handler can close the
// media stream cleanly.
func (p *CallProcessor) RunBridge(ctx context.Context, session *registry.CallSession, tel bridge.TelephonyStream) error {
	b := bridge.New(session, p.registry, tel, p.dial, p.router, p.logger, p.bridgeCfg)

	if err := b.Open(ctx); err != nil {
		if errors.Is(err, bridge.ErrUpstreamUnavailable) {
			p.logger.Error(observability.WithCallID(ctx, session.ID), "AI transport unavailable, rejecting call", err)
			tel.Close()
			p.registry.Destroy(ctx, session.ID)
		}
		return err
	}

	return b.Run(ctx)
}

// ActiveCalls reports the number of sessions currently registered.
func (p *CallProcessor) ActiveCalls() int {
	return p.registry.Len()
}
