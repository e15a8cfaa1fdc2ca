package handler

import (
	"errors"
	"fmt"
	"net/http"

	"voice-bridge/internal/apierrors"
	"voice-bridge/internal/bridge"
	"voice-bridge/internal/call/processor"
	"voice-bridge/internal/observability"
	"voice-bridge/internal/registry"
	"voice-bridge/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go/twiml"
)

type Handler struct {
	callProcessor *processor.CallProcessor
	publicHost    string
	logger        *observability.Logger
}

func New(callProcessor *processor.CallProcessor, publicHost string, logger *observability.Logger) Handler {
	return Handler{
		callProcessor: callProcessor,
		publicHost:    publicHost,
		logger:        logger,
	}
}

// upgrader is a shared WebSocket upgrader. Twilio connects without an Origin
// header, so origin checks are disabled.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleIncomingCall answers the telephony webhook: registers the call
// session, kicks off the caller pre-fetch, and returns TwiML that connects
// the call to the media stream endpoint.
func (h *Handler) HandleIncomingCall(c *gin.Context) {
	ctx := c.Request.Context()

	callID := c.PostForm("CallSid")
	if callID == "" {
		callID = c.Query("CallSid")
	}
	callerPhone := c.PostForm("From")
	if callerPhone == "" {
		callerPhone = c.Query("From")
	}
	if callID == "" {
		apierrors.BadRequest(c, "MISSING_CALL_SID", "CallSid is required")
		return
	}

	ctx = observability.WithCallID(ctx, callID)
	h.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "caller_phone", Value: callerPhone}), "Incoming call")

	if _, err := h.callProcessor.CreateCall(ctx, callID, callerPhone); err != nil {
		if errors.Is(err, registry.ErrDuplicateCall) {
			apierrors.Conflict(c, "DUPLICATE_CALL", "a session already exists for this call")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	wsURL := fmt.Sprintf("wss://%s/media-stream", h.publicHost)

	say := &twiml.VoiceSay{
		Message: "Please wait while we connect your call.",
	}
	pause := &twiml.VoicePause{Length: "1"}
	stream := twiml.VoiceStream{
		Url: wsURL,
		InnerElements: []twiml.Element{
			twiml.VoiceParameter{Name: "callSid", Value: callID},
		},
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	twimlResult, err := twiml.Voice([]twiml.Element{say, pause, connect})
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}

	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, twimlResult)
}

// HandleMediaStream upgrades the media-stream websocket, matches it to the
// registered call session, and runs the session bridge until the call ends.
func (h *Handler) HandleMediaStream(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(ctx, "WebSocket upgrade failed", err)
		return
	}

	h.logger.Info(ctx, "Media stream connected")

	stream := telephony.NewStream(conn, h.logger)
	events := stream.Events(ctx)

	// The first meaningful message carries the stream and call identifiers.
	var callID string
	for event := range events {
		if event.Type == telephony.EventStart {
			callID = event.CallID
			break
		}
		if event.Type == telephony.EventClosed || event.Type == telephony.EventStop {
			h.logger.Warn(ctx, "Media stream ended before start event")
			stream.Close()
			return
		}
	}
	if callID == "" {
		h.logger.Warn(ctx, "Media stream closed without start event")
		stream.Close()
		return
	}

	ctx = observability.WithCallID(ctx, callID)

	session, ok := h.callProcessor.LookupSession(callID)
	if !ok {
		// Media stream for a call the webhook never registered; nothing to
		// bridge it to.
		h.logger.Warn(ctx, "No session registered for media stream, closing")
		stream.Close()
		return
	}

	if err := h.callProcessor.RunBridge(ctx, session, stream); err != nil {
		if errors.Is(err, bridge.ErrUpstreamUnavailable) {
			h.logger.Warn(ctx, "Call rejected: AI transport unavailable")
			return
		}
		h.logger.Error(ctx, "Session bridge ended with error", err)
		return
	}

	h.logger.Info(ctx, "Call session ended")
}
