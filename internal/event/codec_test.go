package event

import "testing"

func TestContentRoundTrip(t *testing.T) {
	cases := []MessageContent{
		TextContent{Body: "hello"},
		ImageContent{Body: "pic.png", LocalPath: "/tmp/pic.png", Mime: "image/png", SizeBytes: 1024},
		ReactionContent{RelatesTo: "$evt1", Key: "👍"},
		EncryptedContent{
			Algorithm:  AlgorithmMegolm,
			SenderKey:  "curve-key",
			SessionID:  "sess-1",
			DeviceID:   "DEV",
			Ciphertext: "AwgAEn...",
		},
	}

	for _, c := range cases {
		data, err := MarshalContent(c)
		if err != nil {
			t.Fatalf("MarshalContent(%s) error = %v", c.MsgType(), err)
		}
		got, err := UnmarshalContent(data)
		if err != nil {
			t.Fatalf("UnmarshalContent(%s) error = %v", c.MsgType(), err)
		}
		if got.MsgType() != c.MsgType() {
			t.Errorf("msgtype = %q, want %q", got.MsgType(), c.MsgType())
		}
		if got != c {
			t.Errorf("round trip = %#v, want %#v", got, c)
		}
	}
}

func TestUnmarshalUnknownMsgType(t *testing.T) {
	_, err := UnmarshalContent([]byte(`{"msgtype":"m.bogus","payload":{}}`))
	if err == nil {
		t.Error("UnmarshalContent() expected error for unknown msgtype")
	}
}

func TestNewTransactionIDUnique(t *testing.T) {
	a, b := NewTransactionID(), NewTransactionID()
	if a == b {
		t.Errorf("two generated transaction ids are equal: %s", a)
	}
}

func TestHasLocalMedia(t *testing.T) {
	local := ImageContent{LocalPath: "/tmp/a.png"}
	if !local.HasLocalMedia() {
		t.Error("image with only a local path should need upload")
	}
	uploaded := ImageContent{LocalPath: "/tmp/a.png", URL: "mxc://server/abc"}
	if uploaded.HasLocalMedia() {
		t.Error("image with a URL should not need upload")
	}
}
