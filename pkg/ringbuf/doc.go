// Package ringbuf implements a variable-length, strictly 1:1 message channel inside a
// chunk of shared memory.
//
// The chunk starts with a fixed header holding a lock word, the read and write cursors,
// the fill count and the sender_waits flag, with canary words between them. Each packet
// is framed by an 8-byte size cookie and padded to a multiple of WordSize; a packet may
// wrap around the end of the data region but a cookie never does. Two signals carry the
// handshake: data_ready (sender to receiver) and space_available (receiver to sender,
// only when the sender found the ring full).
//
// Creator side:
//
//	r, err := ringbuf.InitBuffer(area, conf)
//	err = r.AttachSender("tx")
//	err = r.Send(ctx, payload)
//
// Attacher side:
//
//	r, err := ringbuf.InitReceiver(ctx, area, conf)
//	err = r.AttachReceiver("rx")
//	payload, err := r.Receive(ctx)
//
// Any violation of the header invariants found during an operation panics with a
// *CorruptionError; the shared memory can no longer be trusted at that point.
package ringbuf
