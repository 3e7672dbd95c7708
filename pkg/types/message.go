package types

import (
	"bytes"
	"encoding/json"
)

// Envelope tags exchanged over the channel. They must stay byte-identical
// with existing peers.
const (
	NodeMessageTag     = "yzb_ipc_node_message"
	RendererMessageTag = "yzb_ipc_renderer_message"
)

// Reply types carried by NodeMessage.ReplyType
const (
	ReplyNext  = "next"
	ReplyError = "error"
)

// Overflow envelope values
const (
	OverflowMarkerFile    = "file"
	OverflowContentString = "string"
	OverflowContentObject = "object"
)

// NodeMessage is the node-directed envelope. Requests carry a TopicMessage in
// Data; replies carry the handler result in Data and set ReplyType.
type NodeMessage struct {
	Tag       string `json:"__type"`
	Identity  string `json:"identity"`
	Data      any    `json:"data"`
	ReplyType string `json:"type,omitempty"`
}

// NewNodeMessage builds a tagged NodeMessage
func NewNodeMessage(identity string, data any, replyType string) NodeMessage {
	return NodeMessage{
		Tag:       NodeMessageTag,
		Identity:  identity,
		Data:      data,
		ReplyType: replyType,
	}
}

// RendererMessage is the renderer-directed envelope sent by Node.Send
type RendererMessage struct {
	Tag     string `json:"__type"`
	Topic   string `json:"topic"`
	Message any    `json:"message"`
}

// NewRendererMessage builds a tagged RendererMessage
func NewRendererMessage(topic string, message any) RendererMessage {
	return RendererMessage{
		Tag:     RendererMessageTag,
		Topic:   topic,
		Message: message,
	}
}

// TopicMessage is the payload of a request NodeMessage
type TopicMessage struct {
	Topic   string `json:"topic"`
	Message any    `json:"message"`
}

// OverflowFile references a payload spilled to a temporary file
type OverflowFile struct {
	Marker      string `json:"__yzb_process_message_type"`
	ContentType string `json:"__yzb_process_message_content_type"`
	Content     string `json:"__yzb_process_message_content"`
}

// IsFile reports whether the envelope carries the file marker
func (f OverflowFile) IsFile() bool {
	return f.Marker == OverflowMarkerFile
}

// EnvelopeKind classifies an inbound channel message
type EnvelopeKind int

const (
	KindUnknown EnvelopeKind = iota
	KindNode
	KindRenderer
)

// String returns the string representation of the kind
func (k EnvelopeKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindRenderer:
		return "renderer"
	default:
		return "unknown"
	}
}

// Envelope is the decoded form of an inbound channel message. Only the
// fields belonging to Kind are populated.
type Envelope struct {
	Kind EnvelopeKind

	// KindNode
	Identity  string
	Data      json.RawMessage
	ReplyType string

	// KindRenderer
	Topic   string
	Message json.RawMessage
}

// DecodeEnvelope classifies a raw channel message. Anything that is not a
// JSON object carrying a known tag decodes to KindUnknown. Keys match
// exactly, and only the fields of the tagged kind are decoded.
func DecodeEnvelope(raw []byte) Envelope {
	fields, ok := decodeObject(raw)
	if !ok {
		return Envelope{Kind: KindUnknown}
	}

	var tag string
	if !stringField(fields, "__type", &tag) {
		return Envelope{Kind: KindUnknown}
	}

	switch tag {
	case NodeMessageTag:
		env := Envelope{Kind: KindNode, Data: orNull(fields["data"])}
		if !stringField(fields, "identity", &env.Identity) || !stringField(fields, "type", &env.ReplyType) {
			return Envelope{Kind: KindUnknown}
		}
		return env
	case RendererMessageTag:
		env := Envelope{Kind: KindRenderer, Message: orNull(fields["message"])}
		if !stringField(fields, "topic", &env.Topic) {
			return Envelope{Kind: KindUnknown}
		}
		return env
	default:
		return Envelope{Kind: KindUnknown}
	}
}

// DecodeTopicMessage extracts topic and message from a request's data. ok is
// false when data is not an object with a string topic.
func DecodeTopicMessage(data json.RawMessage) (topic string, message json.RawMessage, ok bool) {
	fields, ok := decodeObject(data)
	if !ok {
		return "", nil, false
	}

	var t *string
	if raw, exists := fields["topic"]; !exists || json.Unmarshal(raw, &t) != nil || t == nil {
		return "", nil, false
	}
	return *t, orNull(fields["message"]), true
}

func decodeObject(raw []byte) (map[string]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}
	return fields, true
}

// stringField decodes fields[key] into dst. A missing or null key leaves dst
// empty; any other non-string value fails.
func stringField(fields map[string]json.RawMessage, key string, dst *string) bool {
	raw, ok := fields[key]
	if !ok {
		return true
	}
	return json.Unmarshal(raw, dst) == nil
}

var jsonNull = json.RawMessage("null")

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return jsonNull
	}
	return raw
}
