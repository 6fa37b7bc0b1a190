package chat

import (
	"encoding/json"
	"fmt"
)

// Event is a realtime frame decoded into one of a small set of tagged
// variants at the boundary. Anything that does not match a known shape is
// rejected before it reaches business logic.
type Event interface {
	isEvent()
}

// HelloEvent signals handshake completion after connect/authenticate.
type HelloEvent struct {
	ServerVersion string
}

// PostedEvent carries a newly created post.
type PostedEvent struct {
	Post Post
}

// UnrecognizedEvent is any well-formed frame of a type the bridge ignores.
type UnrecognizedEvent struct {
	Type string
}

func (HelloEvent) isEvent()        {}
func (PostedEvent) isEvent()       {}
func (UnrecognizedEvent) isEvent() {}

// wireFrame is the raw realtime frame shape:
// {"event": "...", "data": {...}} for events, {"status": "...", "seq_reply": n}
// for responses to client requests such as the auth challenge.
type wireFrame struct {
	Event    string                     `json:"event"`
	Data     map[string]json.RawMessage `json:"data"`
	Status   string                     `json:"status"`
	SeqReply int64                      `json:"seq_reply"`
}

// DecodeEvent parses one realtime frame. Malformed frames return an error so
// the caller can log and drop them without crashing the read loop.
func DecodeEvent(raw []byte) (Event, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch frame.Event {
	case "hello":
		var version string
		if raw, ok := frame.Data["server_version"]; ok {
			_ = json.Unmarshal(raw, &version)
		}
		return HelloEvent{ServerVersion: version}, nil

	case "posted":
		// The post rides as a JSON-encoded string inside the frame's data.
		encoded, ok := frame.Data["post"]
		if !ok {
			return nil, fmt.Errorf("posted frame without post payload")
		}
		var postJSON string
		if err := json.Unmarshal(encoded, &postJSON); err != nil {
			return nil, fmt.Errorf("posted frame: post payload is not a string: %w", err)
		}
		var post Post
		if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
			return nil, fmt.Errorf("posted frame: invalid post json: %w", err)
		}
		if post.ID == "" || post.ChannelID == "" {
			return nil, fmt.Errorf("posted frame: post missing id or channel")
		}
		return PostedEvent{Post: post}, nil

	case "":
		if frame.Status != "" {
			// Response to a client request (e.g. the auth challenge).
			return UnrecognizedEvent{Type: "response"}, nil
		}
		return nil, fmt.Errorf("frame without event type")

	default:
		return UnrecognizedEvent{Type: frame.Event}, nil
	}
}
