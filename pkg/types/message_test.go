package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeMessageWireForm(t *testing.T) {
	data, err := json.Marshal(NewNodeMessage("abc", "pong", ReplyNext))
	require.NoError(t, err)
	assert.JSONEq(t, `{"__type":"yzb_ipc_node_message","identity":"abc","data":"pong","type":"next"}`, string(data))

	data, err = json.Marshal(NewNodeMessage("abc", TopicMessage{Topic: "ping"}, ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"__type":"yzb_ipc_node_message","identity":"abc","data":{"topic":"ping","message":null}}`, string(data))
}

func TestRendererMessageWireForm(t *testing.T) {
	data, err := json.Marshal(NewRendererMessage("progress", 50))
	require.NoError(t, err)
	assert.JSONEq(t, `{"__type":"yzb_ipc_renderer_message","topic":"progress","message":50}`, string(data))
}

func TestOverflowFileWireForm(t *testing.T) {
	f := OverflowFile{Marker: OverflowMarkerFile, ContentType: OverflowContentString, Content: "/tmp/x"}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"__yzb_process_message_type": "file",
		"__yzb_process_message_content_type": "string",
		"__yzb_process_message_content": "/tmp/x"
	}`, string(data))
	assert.True(t, f.IsFile())
	assert.False(t, OverflowFile{}.IsFile())
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Envelope
	}{
		{
			name: "request",
			raw:  `{"__type":"yzb_ipc_node_message","identity":"abc","data":{"topic":"ping"}}`,
			want: Envelope{Kind: KindNode, Identity: "abc", Data: json.RawMessage(`{"topic":"ping"}`)},
		},
		{
			name: "reply",
			raw:  `{"__type":"yzb_ipc_node_message","identity":"abc","data":"pong","type":"next"}`,
			want: Envelope{Kind: KindNode, Identity: "abc", Data: json.RawMessage(`"pong"`), ReplyType: ReplyNext},
		},
		{
			name: "node message without data",
			raw:  `{"__type":"yzb_ipc_node_message","identity":"abc"}`,
			want: Envelope{Kind: KindNode, Identity: "abc", Data: json.RawMessage(`null`)},
		},
		{
			name: "renderer",
			raw:  `{"__type":"yzb_ipc_renderer_message","topic":"progress","message":50}`,
			want: Envelope{Kind: KindRenderer, Topic: "progress", Message: json.RawMessage(`50`)},
		},
		{name: "string", raw: `"hello"`, want: Envelope{Kind: KindUnknown}},
		{name: "number", raw: `42`, want: Envelope{Kind: KindUnknown}},
		{name: "null", raw: `null`, want: Envelope{Kind: KindUnknown}},
		{name: "array", raw: `[1,2]`, want: Envelope{Kind: KindUnknown}},
		{name: "empty", raw: ``, want: Envelope{Kind: KindUnknown}},
		{name: "invalid json", raw: `{"__type":`, want: Envelope{Kind: KindUnknown}},
		{name: "untagged object", raw: `{"identity":"abc"}`, want: Envelope{Kind: KindUnknown}},
		{name: "unknown tag", raw: `{"__type":"something_else"}`, want: Envelope{Kind: KindUnknown}},
		{name: "non-string tag", raw: `{"__type":7}`, want: Envelope{Kind: KindUnknown}},
		{
			name: "upper case keys",
			raw:  `{"__TYPE":"yzb_ipc_node_message","IDENTITY":"x","Data":{"Topic":"t"}}`,
			want: Envelope{Kind: KindUnknown},
		},
		{
			name: "node message ignores renderer fields",
			raw:  `{"__type":"yzb_ipc_node_message","identity":"abc","data":{"topic":"ping"},"topic":7,"message":[1]}`,
			want: Envelope{Kind: KindNode, Identity: "abc", Data: json.RawMessage(`{"topic":"ping"}`)},
		},
		{
			name: "renderer ignores node fields",
			raw:  `{"__type":"yzb_ipc_renderer_message","topic":"progress","identity":5,"type":{}}`,
			want: Envelope{Kind: KindRenderer, Topic: "progress", Message: json.RawMessage(`null`)},
		},
		{
			name: "node message with numeric identity",
			raw:  `{"__type":"yzb_ipc_node_message","identity":5}`,
			want: Envelope{Kind: KindUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeEnvelope([]byte(tt.raw)))
		})
	}
}

func TestDecodeTopicMessage(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		wantOK      bool
		wantTopic   string
		wantMessage string
	}{
		{name: "topic and message", data: `{"topic":"ping","message":{"x":1}}`, wantOK: true, wantTopic: "ping", wantMessage: `{"x":1}`},
		{name: "missing message", data: `{"topic":"ping"}`, wantOK: true, wantTopic: "ping", wantMessage: `null`},
		{name: "empty topic", data: `{"topic":"","message":1}`, wantOK: true, wantTopic: "", wantMessage: `1`},
		{name: "missing topic", data: `{"message":1}`},
		{name: "numeric topic", data: `{"topic":5}`},
		{name: "null topic", data: `{"topic":null}`},
		{name: "upper case topic key", data: `{"Topic":"ping","message":1}`},
		{name: "upper case message key", data: `{"topic":"ping","MESSAGE":1}`, wantOK: true, wantTopic: "ping", wantMessage: `null`},
		{name: "string data", data: `"ping"`},
		{name: "null data", data: `null`},
		{name: "array data", data: `[{"topic":"ping"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, message, ok := DecodeTopicMessage(json.RawMessage(tt.data))
			assert.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			assert.Equal(t, tt.wantTopic, topic)
			assert.JSONEq(t, tt.wantMessage, string(message))
		})
	}
}

func TestEnvelopeKindString(t *testing.T) {
	assert.Equal(t, "node", KindNode.String())
	assert.Equal(t, "renderer", KindRenderer.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}

func TestErrorCodes(t *testing.T) {
	base := NewError(ErrCodeNotFound, "missing")
	wrapped := WrapError(ErrCodeInternal, "outer", base)

	assert.True(t, IsErrCode(base, ErrCodeNotFound))
	assert.True(t, IsErrCode(wrapped, ErrCodeInternal))
	assert.Equal(t, ErrCodeInternal, GetErrorCode(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Contains(t, wrapped.Error(), "outer")
	assert.False(t, IsErrCode(nil, ErrCodeNotFound))
}
