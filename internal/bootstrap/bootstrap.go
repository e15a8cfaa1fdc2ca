package bootstrap

import (
	"context"
	"fmt"

	"voice-bridge/internal/bridge"
	callHandler "voice-bridge/internal/call/handler"
	callProcessor "voice-bridge/internal/call/processor"
	"voice-bridge/internal/clients/knowledgebase"
	"voice-bridge/internal/clients/openairt"
	"voice-bridge/internal/clients/zoho"
	"voice-bridge/internal/config"
	"voice-bridge/internal/functions"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/registry"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	Logger        *observability.Logger
	Registry      *registry.Registry
	CallProcessor *callProcessor.CallProcessor
	CallHandler   callHandler.Handler
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}

	deps.Registry = registry.New(logger)

	// Initialize clients
	crmClient := zoho.NewClient(cfg.Zoho.ClientID, cfg.Zoho.ClientSecret, cfg.Zoho.RefreshToken, logger)

	kbClient, err := knowledgebase.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.KnowledgeModel, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge base client: %w", err)
	}

	aiClient, err := openairt.NewClient(cfg.OpenAI.APIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime client: %w", err)
	}

	// Initialize the function router with the agent's capabilities
	router, err := functions.NewRouter(logger,
		functions.NewVerifyIdentity(),
		functions.NewLookupApplicationStatus(crmClient),
		functions.NewSearchKnowledgeBase(kbClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create function router: %w", err)
	}

	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.Model = cfg.OpenAI.Model
	bridgeCfg.Voice = cfg.OpenAI.Voice
	bridgeCfg.DialTimeout = cfg.Bridge.DialTimeout
	bridgeCfg.FunctionTimeout = cfg.Bridge.FunctionTimeout
	bridgeCfg.SendWindow = cfg.Bridge.SendWindow
	bridgeCfg.FrameBuffer = cfg.Bridge.FrameBuffer

	dial := func(dialCtx context.Context, sessionCfg openairt.SessionConfig) (bridge.AIConn, error) {
		return aiClient.Dial(dialCtx, sessionCfg)
	}

	// Initialize call processor and handler
	deps.CallProcessor = callProcessor.NewCallProcessor(deps.Registry, crmClient, router, dial, bridgeCfg, logger)
	deps.CallHandler = callHandler.New(deps.CallProcessor, cfg.Server.PublicHost, logger)

	return deps, nil
}
