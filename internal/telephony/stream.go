package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"voice-bridge/internal/audio"
	"voice-bridge/internal/observability"

	"github.com/gorilla/websocket"
)

// EventType classifies inbound media-stream events.
type EventType string

const (
	EventStart  EventType = "start"
	EventMedia  EventType = "media"
	EventStop   EventType = "stop"
	EventClosed EventType = "closed"
)

// StreamEvent is one typed message from the telephony transport. Media
// events carry a frame in the fixed narrow-band telephony format with a
// strictly increasing sequence number.
type StreamEvent struct {
	Type      EventType
	StreamSID string
	CallID    string
	Frame     audio.Frame
}

// mediaMessage is the wire shape of Twilio media-stream messages.
type mediaMessage struct {
	Event string `json:"event"`
	Start struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	Stop struct {
		StreamSid string `json:"streamSid"`
	} `json:"stop,omitempty"`
}

// Stream wraps one Twilio media-stream websocket. Reads run in a single
// goroutine started by Events; writes are serialized.
type Stream struct {
	conn   *websocket.Conn
	logger *observability.Logger

	writeMu   sync.Mutex
	streamSID string
	seq       uint64

	eventsOnce sync.Once
	events     chan StreamEvent

	closeOnce sync.Once
}

// NewStream wraps an upgraded media-stream connection.
func NewStream(conn *websocket.Conn, logger *observability.Logger) *Stream {
	return &Stream{conn: conn, logger: logger}
}

// Events starts the read loop and returns the inbound event stream. The
// channel closes after a stop event, a read error, or context cancellation.
// Repeated calls return the same channel, so the handler can consume the
// start event before handing the stream to the bridge.
func (s *Stream) Events(ctx context.Context) <-chan StreamEvent {
	s.eventsOnce.Do(func() {
		s.events = make(chan StreamEvent, 64)
		go s.readLoop(ctx, s.events)
	})
	return s.events
}

func (s *Stream) readLoop(ctx context.Context, events chan StreamEvent) {
	defer close(events)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				s.logger.Warn(ctx, fmt.Sprintf("Media stream read ended: %v", err))
			}
			select {
			case events <- StreamEvent{Type: EventClosed}:
			case <-ctx.Done():
			}
			return
		}

		event, ok := s.parseMessage(ctx, msg)
		if !ok {
			continue
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}

		if event.Type == EventStop {
			return
		}
	}
}

func (s *Stream) parseMessage(ctx context.Context, msg []byte) (StreamEvent, bool) {
	var m mediaMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		s.logger.Error(ctx, "Failed to parse media stream message", err)
		return StreamEvent{}, false
	}

	switch m.Event {
	case "start":
		s.writeMu.Lock()
		s.streamSID = m.Start.StreamSid
		s.writeMu.Unlock()

		callID := m.Start.CustomParameters["callSid"]
		if callID == "" {
			callID = m.Start.CallSid
		}
		return StreamEvent{Type: EventStart, StreamSID: m.Start.StreamSid, CallID: callID}, true

	case "media":
		payload, err := audio.Base64ToBytes(m.Media.Payload)
		if err != nil {
			s.logger.Error(ctx, "Failed to decode media payload", err)
			return StreamEvent{}, false
		}
		s.seq++
		return StreamEvent{
			Type: EventMedia,
			Frame: audio.Frame{
				Source:    audio.SourceTelephony,
				Seq:       s.seq,
				Timestamp: time.Now(),
				Format:    audio.MuLaw8k,
				Payload:   payload,
			},
		}, true

	case "stop":
		return StreamEvent{Type: EventStop, StreamSID: m.Stop.StreamSid}, true

	case "connected", "mark":
		return StreamEvent{}, false

	default:
		s.logger.Debug(ctx, fmt.Sprintf("Unknown media stream event: %s", m.Event))
		return StreamEvent{}, false
	}
}

// WriteFrame sends one agent-audio frame to the caller. Frames must already
// be in the telephony format.
func (s *Stream) WriteFrame(frame audio.Frame) error {
	if frame.Format != audio.MuLaw8k {
		return fmt.Errorf("frame format %v: %w", frame.Format, audio.ErrUnsupportedFormat)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := map[string]interface{}{
		"event":     "media",
		"streamSid": s.streamSID,
		"media": map[string]string{
			"payload": audio.BytesToBase64(frame.Payload),
		},
	}
	return s.conn.WriteJSON(msg)
}

// Clear tells the transport to drop any buffered outbound audio. Used on
// barge-in so no already-queued agent audio plays after the cutoff.
func (s *Stream) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	msg := map[string]string{
		"event":     "clear",
		"streamSid": s.streamSID,
	}
	return s.conn.WriteJSON(msg)
}

// Close sends a close message and tears the connection down. Idempotent.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

// StreamSID returns the identifier assigned by the telephony provider.
func (s *Stream) StreamSID() string {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.streamSID
}
