package collab

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the outer, multiplexed message type carried by every frame.
type MsgType byte

const (
	// MsgSync carries a CRDT sync sub-message (step1/step2/update).
	MsgSync MsgType = 0
	// MsgAwareness carries an opaque awareness update.
	MsgAwareness MsgType = 1
)

// SyncSubType distinguishes the three phases of the sync exchange.
type SyncSubType byte

const (
	// SyncStep1 carries a state vector: "send me what I'm missing".
	SyncStep1 SyncSubType = 0
	// SyncStep2 carries an update satisfying a peer's step1 request.
	SyncStep2 SyncSubType = 1
	// SyncUpdate carries an incremental update outside the sync handshake.
	SyncUpdate SyncSubType = 2
)

const frameHeaderLen = 5 // 1 byte type + 4 byte big-endian length

// encodeFrame wraps payload in the wire's outer envelope:
// [type:1][len:4 BE][payload].
func encodeFrame(t MsgType, payload []byte) []byte {
	buf := make([]byte, frameHeaderLen+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// decodeFrame parses one complete frame. Callers on a message-oriented
// transport (one websocket message == one frame) pass the whole message;
// the length prefix is still validated so truncated or padded frames are
// rejected rather than silently misread.
func decodeFrame(b []byte) (MsgType, []byte, error) {
	if len(b) < frameHeaderLen {
		return 0, nil, fmt.Errorf("collab: frame shorter than header (%d bytes)", len(b))
	}
	t := MsgType(b[0])
	n := binary.BigEndian.Uint32(b[1:5])
	payload := b[5:]
	if uint32(len(payload)) != n {
		return 0, nil, fmt.Errorf("collab: frame length mismatch: header says %d, got %d", n, len(payload))
	}
	return t, payload, nil
}

// encodeSync wraps a sync sub-message: [sub:1][content].
func encodeSync(sub SyncSubType, content []byte) []byte {
	buf := make([]byte, 1+len(content))
	buf[0] = byte(sub)
	copy(buf[1:], content)
	return buf
}

// decodeSync splits a SYNC frame's payload into its sub-type and content.
func decodeSync(payload []byte) (SyncSubType, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, fmt.Errorf("collab: empty sync payload")
	}
	return SyncSubType(payload[0]), payload[1:], nil
}
