package collab

import "testing"

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	frame := encodeFrame(MsgAwareness, payload)

	gotType, gotPayload, err := decodeFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if gotType != MsgAwareness || string(gotPayload) != string(payload) {
		t.Fatalf("decodeFrame() = %v, %q", gotType, gotPayload)
	}
}

func TestDecodeFrameRejectsShortHeader(t *testing.T) {
	if _, _, err := decodeFrame([]byte{0, 1}); err == nil {
		t.Fatal("expected error for truncated header")
	}
}

func TestDecodeFrameRejectsLengthMismatch(t *testing.T) {
	frame := encodeFrame(MsgSync, []byte("abc"))
	frame[4] = 99 // corrupt the length prefix
	if _, _, err := decodeFrame(frame); err == nil {
		t.Fatal("expected error for length mismatch")
	}
}

func TestSyncSubMessageRoundTrip(t *testing.T) {
	content := []byte{1, 2, 3, 4}
	payload := encodeSync(SyncStep2, content)

	sub, got, err := decodeSync(payload)
	if err != nil {
		t.Fatal(err)
	}
	if sub != SyncStep2 || string(got) != string(content) {
		t.Fatalf("decodeSync() = %v, %v", sub, got)
	}
}

func TestDecodeSyncRejectsEmptyPayload(t *testing.T) {
	if _, _, err := decodeSync(nil); err == nil {
		t.Fatal("expected error for empty sync payload")
	}
}
