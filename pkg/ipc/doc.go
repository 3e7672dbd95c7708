// Package ipc implements topic-addressed messaging between an extension
// (child) process and its host (parent) over a single message channel.
//
// The package provides:
//
//   - Node: the child-side dispatcher. Handlers are registered per topic with
//     On (persistent) or Once (removed after the first delivery); a topic can
//     have at most one handler across both.
//   - Sender: handed to every handler invocation, it replies to the request
//     that triggered it with Next or Error. Replies carry the identity of
//     the request so the parent can correlate them.
//   - Client: the parent-side counterpart that issues topic requests and
//     collects replies and renderer messages.
//   - StreamChannel and Socket: newline-delimited JSON transports over a
//     pipe, the Node.js IPC file descriptor, or a Unix domain socket.
//
// Payloads above a size limit can be moved out of band with an
// overflow.Codec passed through WithCodec.
//
// Example usage (child):
//
//	ch, err := ipc.NewStdioChannel(ipc.StreamConfig{}, log)
//	if err != nil {
//	    return err
//	}
//	node, err := ipc.NewNode(ch, log)
//	if err != nil {
//	    return err
//	}
//
//	node.On("ping", func(s *ipc.Sender, msg json.RawMessage) {
//	    s.Next("pong")
//	})
//
//	if err := ch.Start(ctx); err != nil {
//	    return err
//	}
//	<-ch.Done()
package ipc
