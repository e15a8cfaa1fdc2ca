package openairt

// EventType classifies inbound realtime events.
type EventType string

const (
	EventSessionCreated   EventType = "session_created"
	EventSessionUpdated   EventType = "session_updated"
	EventResponseCreated  EventType = "response_created"
	EventResponseDone     EventType = "response_done"
	EventAudioDelta       EventType = "audio_delta"
	EventAgentTranscript  EventType = "agent_transcript"
	EventSpeechStarted    EventType = "speech_started"
	EventSpeechStopped    EventType = "speech_stopped"
	EventCallerTranscript EventType = "caller_transcript"
	EventFunctionCall     EventType = "function_call"
	EventError            EventType = "error"
	EventClosed           EventType = "closed"
)

// Event is one typed message from the AI transport. Audio deltas carry the
// decoded payload and the response they belong to; function calls carry the
// correlation identifier and raw arguments.
type Event struct {
	Type       EventType
	ResponseID string
	ItemID     string
	Audio      []byte
	CallID     string
	Name       string
	Arguments  string
	Transcript string
	ErrMessage string
}
