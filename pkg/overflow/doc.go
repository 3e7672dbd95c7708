// Package overflow spills payloads that are too large for the parent/child
// channel into temporary files and restores them on the receiving side.
//
// A payload whose serialized size reaches the codec's limit is replaced by a
// small file-reference envelope:
//
//	{
//	    "__yzb_process_message_type": "file",
//	    "__yzb_process_message_content_type": "string" | "object",
//	    "__yzb_process_message_content": "/shared/tmp/dir/<uuid>"
//	}
//
// Both processes must see the same directory. Decoding is destructive: the
// file is removed once it has been read, so every envelope must be decoded
// exactly once. Envelopes that are never decoded leave their file behind.
//
// Example usage:
//
//	codec, err := overflow.New("", overflow.WithLimitSize(8*1024))
//	if err != nil {
//	    log.Fatal(err) // PROCESS_MESSAGE_TMP_DIR unset and no dir given
//	}
//
//	wire, err := codec.Encode(bigDocument)
//	...
//	value, err := codec.Decode(wire)
package overflow
