package audio_test

import (
	"testing"

	"github.com/medrill/pulsegate/pkg/audio"
)

func TestInt16BytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	out := audio.BytesToInt16s(audio.Int16sToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

func TestBytesToInt16s_OddTrailingByte(t *testing.T) {
	got := audio.BytesToInt16s([]byte{0x34, 0x12, 0xFF})
	if len(got) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(got))
	}
	if got[0] != 0x1234 {
		t.Errorf("got %#x, want 0x1234", got[0])
	}
}
