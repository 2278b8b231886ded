package kimi

import "encoding/json"

// Session holds the anonymous credential obtained from device registration.
// A Session belongs to exactly one Client and is never refreshed.
type Session struct {
	DeviceID    string
	AccessToken string
}

// Ready reports whether both halves of the credential are present.
func (s Session) Ready() bool {
	return s.DeviceID != "" && s.AccessToken != ""
}

// EventKind classifies one decoded upstream event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventTextDelta
	EventRename
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventRename:
		return "rename"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one classified `data:` payload from the completion stream.
type Event struct {
	Kind EventKind
	// Text is set for EventTextDelta only.
	Text string
	Raw  []byte
}

// ChatMessage is one entry of an OpenAI messages array. Content is kept raw since
// clients send either a plain string or an array of content parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// CompletionRequest is the part of an OpenAI chat request the upstream call needs.
type CompletionRequest struct {
	Model     string
	Messages  []ChatMessage
	WebSearch bool
	Stream    bool
}

// Chunk is one element of the fragment sequence produced by Complete.
// Exactly one of Text or Err is meaningful.
type Chunk struct {
	Text string
	Err  error
}

// Observer receives upstream call outcomes. Stage is one of "register",
// "conversation" or "completion".
type Observer interface {
	ObserveUpstream(stage string, err error)
	ObserveFragment()
}

type nopObserver struct{}

func (nopObserver) ObserveUpstream(string, error) {}
func (nopObserver) ObserveFragment()              {}
