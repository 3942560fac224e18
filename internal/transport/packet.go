package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// packetKind classifies a text frame by its engine.io/socket.io prefix.
type packetKind int

const (
	packetUnknown packetKind = iota
	packetOpen               // "0{...}"  server handshake open
	packetClose              // "1"       engine close
	packetPing               // "2"       heartbeat ping
	packetPong               // "3"       heartbeat pong
	packetConnect            // "40{...}" namespace connected
	packetDisconnect         // "41"      namespace disconnected
	packetEvent              // "42[...]" event
	packetConnectError       // "44{...}" connect refused
)

// Wire prefixes written by the client.
const (
	connectAck = "40"
	pong       = "3"
	eventFrame = "42"
)

// messageEvent is the event name the server listens on for client messages.
const messageEvent = "message"

func (k packetKind) String() string {
	switch k {
	case packetOpen:
		return "open"
	case packetClose:
		return "close"
	case packetPing:
		return "ping"
	case packetPong:
		return "pong"
	case packetConnect:
		return "connect"
	case packetDisconnect:
		return "disconnect"
	case packetEvent:
		return "event"
	case packetConnectError:
		return "connect_error"
	default:
		return "unknown"
	}
}

// parsePacket splits a text frame into its kind and the remaining payload.
func parsePacket(s string) (packetKind, string) {
	if s == "" {
		return packetUnknown, ""
	}
	switch s[0] {
	case '0':
		return packetOpen, s[1:]
	case '1':
		return packetClose, s[1:]
	case '2':
		return packetPing, s[1:]
	case '3':
		return packetPong, s[1:]
	case '4':
		if len(s) < 2 {
			return packetUnknown, s
		}
		switch s[1] {
		case '0':
			return packetConnect, s[2:]
		case '1':
			return packetDisconnect, s[2:]
		case '2':
			return packetEvent, s[2:]
		case '4':
			return packetConnectError, s[2:]
		}
	}
	return packetUnknown, s
}

// ControlMessage is a structured, non-audio message. On the wire it is the
// flat JSON object {"type": Type, ...Fields}.
type ControlMessage struct {
	Type   string
	Fields map[string]any
}

// ConfigMessage returns the message announcing the selected character and
// user to the server.
func ConfigMessage(character, userID string) ControlMessage {
	return ControlMessage{
		Type: "config",
		Fields: map[string]any{
			"character": character,
			"userId":    userID,
		},
	}
}

// Content returns the human-readable text carried by status ("content") and
// error ("message") payloads.
func (m ControlMessage) Content() string {
	for _, key := range []string{"content", "message"} {
		if s, ok := m.Fields[key].(string); ok {
			return s
		}
	}
	return ""
}

// MarshalJSON flattens Type into the field map.
func (m ControlMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["type"] = m.Type
	return json.Marshal(out)
}

// encodeEvent frames msg as 42["message",{...}].
func encodeEvent(msg ControlMessage) ([]byte, error) {
	body, err := json.Marshal([]any{messageEvent, msg})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal control message: %w", err)
	}
	return append([]byte(eventFrame), body...), nil
}

// decodeEvent parses the payload of a 42 packet: an optional namespace and
// ack id followed by a JSON array ["event", payload]. The payload's own "type"
// field wins over the event name when present.
func decodeEvent(payload string) (ControlMessage, error) {
	i := strings.IndexByte(payload, '[')
	if i < 0 {
		return ControlMessage{}, errors.New("missing event array")
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(payload[i:]), &parts); err != nil {
		return ControlMessage{}, fmt.Errorf("decode event array: %w", err)
	}
	if len(parts) == 0 {
		return ControlMessage{}, errors.New("empty event array")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return ControlMessage{}, fmt.Errorf("decode event name: %w", err)
	}

	msg := ControlMessage{Type: name, Fields: map[string]any{}}
	if len(parts) < 2 {
		return msg, nil
	}
	var data any
	if err := json.Unmarshal(parts[1], &data); err != nil {
		return ControlMessage{}, fmt.Errorf("decode event payload: %w", err)
	}
	switch v := data.(type) {
	case map[string]any:
		if t, ok := v["type"].(string); ok && t != "" {
			msg.Type = t
		}
		delete(v, "type")
		msg.Fields = v
	default:
		msg.Fields["content"] = v
	}
	return msg, nil
}
