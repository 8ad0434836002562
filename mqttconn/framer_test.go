package mqttconn

import (
	"bytes"
	"testing"
)

func TestEmitConnectRoundTrips(t *testing.T) {
	f := newFramer()
	f.EmitConnect("client-1", "user", "pass")
	out := f.TakeSendBuffer()

	if out[0]>>4 != ptCONNECT {
		t.Fatalf("packet type = %d, want CONNECT", out[0]>>4)
	}

	packetType, body, consumed, ok := decodeFixedHeader(out)
	if !ok || consumed != len(out) {
		t.Fatalf("decodeFixedHeader() ok=%v consumed=%d, want ok=true consumed=%d", ok, consumed, len(out))
	}
	if packetType != ptCONNECT {
		t.Errorf("packetType = %d, want %d", packetType, ptCONNECT)
	}

	// variable header: "MQTT" (2+4) + level (1) + flags (1) + keepalive (2)
	if !bytes.Contains(body, []byte("MQTT")) {
		t.Error("CONNECT body missing protocol name")
	}
	if !bytes.Contains(body, []byte("client-1")) {
		t.Error("CONNECT body missing client id")
	}
	if !bytes.Contains(body, []byte("user")) {
		t.Error("CONNECT body missing username")
	}
}

func TestTakeSendBufferClearsBuffer(t *testing.T) {
	f := newFramer()
	f.EmitPingreq()
	first := f.TakeSendBuffer()
	if len(first) == 0 {
		t.Fatal("expected a PINGREQ packet")
	}
	second := f.TakeSendBuffer()
	if len(second) != 0 {
		t.Errorf("second TakeSendBuffer() = %v, want empty", second)
	}
}

func TestEmitSubscribeAndUnsubscribe(t *testing.T) {
	f := newFramer()
	f.EmitSubscribe(42, "sensors/temp")
	out := f.TakeSendBuffer()

	packetType, body, _, ok := decodeFixedHeader(out)
	if !ok || packetType != ptSUBSCRIBE {
		t.Fatalf("packetType = %d ok=%v, want SUBSCRIBE", packetType, ok)
	}
	if !bytes.Contains(body, []byte("sensors/temp")) {
		t.Error("SUBSCRIBE body missing topic")
	}

	f.EmitUnsubscribe(42, "sensors/temp")
	out = f.TakeSendBuffer()
	packetType, _, _, ok = decodeFixedHeader(out)
	if !ok || packetType != ptUNSUBSCRIBE {
		t.Fatalf("packetType = %d ok=%v, want UNSUBSCRIBE", packetType, ok)
	}
}

func TestEmitPublishDecodesBackToTopicAndPayload(t *testing.T) {
	f := newFramer()
	f.EmitPublish("a/b", []byte("hello"))
	out := f.TakeSendBuffer()

	packetType, body, _, ok := decodeFixedHeader(out)
	if !ok || packetType != ptPUBLISH {
		t.Fatalf("packetType = %d ok=%v, want PUBLISH", packetType, ok)
	}
	topic, payload, ok := decodePublishBody(body)
	if !ok {
		t.Fatal("decodePublishBody() ok = false")
	}
	if topic != "a/b" {
		t.Errorf("topic = %q, want a/b", topic)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want hello", payload)
	}
}

func TestDrainDispatchesOnlyPublish(t *testing.T) {
	f := newFramer()
	var got []publishEvent

	// Feed a CONNACK followed by a PUBLISH followed by a PINGRESP, all in
	// one chunk, to exercise Drain's multi-packet loop.
	connack := appendPacket(nil, ptCONNACK, 0, []byte{0, 0})
	publish := appendPacket(nil, ptPUBLISH, 0, func() []byte {
		var vh []byte
		vh = appendString(vh, "t")
		vh = append(vh, []byte("payload")...)
		return vh
	}())
	pingresp := appendPacket(nil, ptPINGRESP, 0, nil)

	f.Feed(connack)
	f.Feed(publish)
	f.Feed(pingresp)

	if err := f.Drain(func(ev publishEvent) { got = append(got, ev) }); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d publish events, want 1", len(got))
	}
	if got[0].topic != "t" || string(got[0].payload) != "payload" {
		t.Errorf("got[0] = %+v, want {t payload}", got[0])
	}
}

func TestDrainWaitsForCompletePacket(t *testing.T) {
	f := newFramer()
	full := appendPacket(nil, ptPINGRESP, 0, nil)

	// Feed one byte at a time; Drain must not error or misfire until the
	// full packet has arrived.
	var fired bool
	for i := 0; i < len(full)-1; i++ {
		f.Feed(full[i : i+1])
		if err := f.Drain(func(publishEvent) { fired = true }); err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
	}
	if fired {
		t.Fatal("Drain fired before a complete packet arrived")
	}

	f.Feed(full[len(full)-1:])
	if err := f.Drain(func(publishEvent) {}); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestFeedDiscardsBeyondMaxPacketLen(t *testing.T) {
	f := newFramer()
	f.recv = make([]byte, maxPacketLen)
	f.Feed([]byte("overflow"))
	if len(f.recv) != maxPacketLen {
		t.Errorf("len(recv) = %d, want capped at %d", len(f.recv), maxPacketLen)
	}
}

func TestEncodeDecodeRemainingLength(t *testing.T) {
	tests := []int{0, 127, 128, 16383, 16384, 2097151}
	for _, n := range tests {
		enc := encodeRemainingLength(n)
		got, used, ok := decodeRemainingLength(enc)
		if !ok {
			t.Errorf("decodeRemainingLength(%v) ok = false for n=%d", enc, n)
			continue
		}
		if got != n {
			t.Errorf("decodeRemainingLength(%v) = %d, want %d", enc, got, n)
		}
		if used != len(enc) {
			t.Errorf("used = %d, want %d", used, len(enc))
		}
	}
}
