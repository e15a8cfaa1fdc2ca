package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"voice-bridge/internal/observability"

	"github.com/gorilla/websocket"
)

const realtimeURLFormat = "wss://api.openai.com/v1/realtime?model=%s"

// Tool is a function definition advertised in the session configuration.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// SessionConfig holds the session.update payload sent right after dialing.
type SessionConfig struct {
	Model             string
	Voice             string
	Instructions      string
	InputAudioFormat  string // e.g. "g711_ulaw", "pcm16"
	OutputAudioFormat string
	Temperature       float64
	Tools             []Tool
}

// Client dials realtime sessions against the OpenAI endpoint.
type Client struct {
	apiKey string
	logger *observability.Logger
}

// NewClient creates a realtime client.
func NewClient(apiKey string, logger *observability.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return &Client{apiKey: apiKey, logger: logger}, nil
}

// Dial opens the realtime websocket, sends the session configuration and
// starts the read loop. The caller bounds connection time via ctx.
func (c *Client) Dial(ctx context.Context, cfg SessionConfig) (*Conn, error) {
	dialer := websocket.Dialer{}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	ws, _, err := dialer.DialContext(ctx, fmt.Sprintf(realtimeURLFormat, cfg.Model), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime endpoint: %w", err)
	}

	conn := &Conn{
		ws:     ws,
		logger: c.logger,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	if err := conn.sendSessionUpdate(cfg); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to configure realtime session: %w", err)
	}

	go conn.readLoop(ctx)
	return conn, nil
}

// Conn is one live realtime session. Writes are serialized; events arrive on
// a single channel closed when the transport goes away.
type Conn struct {
	ws      *websocket.Conn
	logger  *observability.Logger
	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}

	closeOnce sync.Once
}

// Events returns the inbound event stream. Closed when the connection ends.
func (c *Conn) Events() <-chan Event {
	return c.events
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Conn) sendSessionUpdate(cfg SessionConfig) error {
	session := map[string]any{
		"turn_detection":      map[string]any{"type": "server_vad"},
		"input_audio_format":  cfg.InputAudioFormat,
		"output_audio_format": cfg.OutputAudioFormat,
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
		"voice":        cfg.Voice,
		"instructions": cfg.Instructions,
		"modalities":   []string{"text", "audio"},
		"tools":        cfg.Tools,
	}
	if cfg.Temperature > 0 {
		session["temperature"] = cfg.Temperature
	}
	return c.writeJSON(map[string]any{
		"type":    "session.update",
		"session": session,
	})
}

// AppendAudio forwards one chunk of caller audio into the input buffer.
func (c *Conn) AppendAudio(payload []byte) error {
	return c.writeJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(payload),
	})
}

// CreateResponse asks the model to produce its next turn. Used once at
// session start for the greeting and after each function result.
func (c *Conn) CreateResponse() error {
	return c.writeJSON(map[string]any{
		"type":     "response.create",
		"response": map[string]any{"modalities": []string{"text", "audio"}},
	})
}

// CancelResponse is the interruption signal: the model stops producing the
// in-flight response.
func (c *Conn) CancelResponse() error {
	return c.writeJSON(map[string]any{"type": "response.cancel"})
}

// SendFunctionResult returns a function-call output keyed by the invocation
// identifier, then triggers the model to continue speaking.
func (c *Conn) SendFunctionResult(callID, output string) error {
	err := c.writeJSON(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
	if err != nil {
		return err
	}
	return c.CreateResponse()
}

// Close tears the websocket down. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.events)

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn(ctx, fmt.Sprintf("Realtime read ended: %v", err))
				}
			}
			// Guarded send: the consumer may already be gone after Close.
			select {
			case c.events <- Event{Type: EventClosed}:
			case <-c.done:
			}
			return
		}

		event, ok := parseServerEvent(msg)
		if !ok {
			continue
		}
		select {
		case c.events <- event:
		case <-c.done:
			return
		}
	}
}

// serverEvent is the superset of fields we read off the wire.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	ItemID     string `json:"item_id"`
	ResponseID string `json:"response_id"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Transcript string `json:"transcript"`
	Response   struct {
		ID string `json:"id"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func parseServerEvent(msg []byte) (Event, bool) {
	var raw serverEvent
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Event{}, false
	}

	switch raw.Type {
	case "session.created":
		return Event{Type: EventSessionCreated}, true
	case "session.updated":
		return Event{Type: EventSessionUpdated}, true
	case "response.created":
		return Event{Type: EventResponseCreated, ResponseID: raw.Response.ID}, true
	case "response.done":
		return Event{Type: EventResponseDone, ResponseID: raw.Response.ID}, true
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return Event{}, false
		}
		return Event{Type: EventAudioDelta, ResponseID: raw.ResponseID, Audio: audio}, true
	case "response.audio_transcript.done":
		return Event{Type: EventAgentTranscript, Transcript: raw.Transcript}, true
	case "input_audio_buffer.speech_started":
		return Event{Type: EventSpeechStarted}, true
	case "input_audio_buffer.speech_stopped":
		return Event{Type: EventSpeechStopped}, true
	case "conversation.item.input_audio_transcription.completed":
		return Event{Type: EventCallerTranscript, ItemID: raw.ItemID, Transcript: raw.Transcript}, true
	case "response.function_call_arguments.done":
		return Event{
			Type:      EventFunctionCall,
			CallID:    raw.CallID,
			Name:      raw.Name,
			Arguments: raw.Arguments,
		}, true
	case "error":
		return Event{Type: EventError, ErrMessage: raw.Error.Message}, true
	default:
		return Event{}, false
	}
}
