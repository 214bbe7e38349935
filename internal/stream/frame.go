package stream

import "encoding/json"

// Kind classifies update stream frames.
type Kind int

const (
	KindUnknown Kind = iota // unrecognized tag, kept for forward compatibility
	KindConnected
	KindSessionCreated
	KindLiveViewReady
	KindNavigation
	KindActionStart
	KindActionComplete
	KindError
	KindComplete
)

var kindNames = map[Kind]string{
	KindConnected:      "connected",
	KindSessionCreated: "session_created",
	KindLiveViewReady:  "live_view_ready",
	KindNavigation:     "navigation",
	KindActionStart:    "action_start",
	KindActionComplete: "action_complete",
	KindError:          "error",
	KindComplete:       "complete",
}

var kindFromName = map[string]Kind{
	"connected":       KindConnected,
	"session_created": KindSessionCreated,
	"live_view_ready": KindLiveViewReady,
	"navigation":      KindNavigation,
	"action_start":    KindActionStart,
	"action_complete": KindActionComplete,
	"error":           KindError,
	"complete":        KindComplete,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON maps unrecognized tags to KindUnknown instead of failing,
// so new provider frame types never break the stream.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	} else {
		*k = KindUnknown
	}
	return nil
}

// Frame is one JSON event from the provider's update stream.
type Frame struct {
	Type    Kind       `json:"type"`
	Message string     `json:"message,omitempty"`
	Data    *FrameData `json:"data,omitempty"`
}

// FrameData carries the optional payload of a frame.
type FrameData struct {
	LiveViewURL string `json:"liveViewUrl,omitempty"`
	URL         string `json:"url,omitempty"`
	Action      string `json:"action,omitempty"`
}

// LiveViewURL returns the live-view URL carried by the frame, if any.
func (f Frame) LiveViewURL() string {
	if f.Data == nil {
		return ""
	}
	return f.Data.LiveViewURL
}

// Decode parses a single frame payload.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
