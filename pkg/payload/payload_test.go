package payload

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	var b Buffer
	n, err := Encode(&b, ClassCSwitch)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != len(ClassCSwitch) {
		t.Fatalf("n = %d, want %d", n, len(ClassCSwitch))
	}
	if b[n] != 0 {
		t.Fatalf("missing terminator at %d", n)
	}
	if got := Decode(&b, BufferSize); got != ClassCSwitch {
		t.Fatalf("Decode = %q, want %q", got, ClassCSwitch)
	}
}

func TestEncodeShorterClearsTail(t *testing.T) {
	var b Buffer
	_, _ = Encode(&b, DataFromEndDevice)
	_, _ = Encode(&b, "hi")
	if got := Decode(&b, BufferSize); got != "hi" {
		t.Fatalf("Decode = %q, want hi", got)
	}
	for i := 2; i < BufferSize; i++ {
		if b[i] != 0 {
			t.Fatalf("b[%d] = %#x, want 0", i, b[i])
		}
	}
}

func TestEncodeFailsClosed(t *testing.T) {
	var b Buffer
	_, _ = Encode(&b, "keep")
	before := b

	// 29 bytes fit, 30 do not (terminator)
	if _, err := Encode(&b, strings.Repeat("x", BufferSize-1)); err != nil {
		t.Fatalf("29-byte message rejected: %v", err)
	}
	b = before
	_, err := Encode(&b, strings.Repeat("x", BufferSize))
	if !errors.Is(err, ErrTooLong) {
		t.Fatalf("err = %v, want ErrTooLong", err)
	}
	if b != before {
		t.Fatal("buffer modified by rejected message")
	}
}

func TestDecodeBounds(t *testing.T) {
	var b Buffer
	copy(b[:], "ClassASwitchGARBAGE")
	if got := Decode(&b, 12); got != ClassASwitch {
		t.Fatalf("Decode(12) = %q", got)
	}
	if got := Decode(&b, -1); got != "" {
		t.Fatalf("Decode(-1) = %q", got)
	}
	if got := Decode(&b, 1000); got != "ClassASwitchGARBAGE" {
		t.Fatalf("Decode(1000) = %q", got)
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string]Command{
		ClassCSwitch:   CommandSwitchToC,
		ClassASwitch:   CommandSwitchToA,
		ClassAInit:     CommandNone,
		"":             CommandNone,
		"classcswitch": CommandNone,
	}
	for in, want := range cases {
		if got := ParseCommand(in); got != want {
			t.Errorf("ParseCommand(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestClearAndDump(t *testing.T) {
	var b Buffer
	_, _ = Encode(&b, "AB")
	if got := Dump(b[:2]); got != "41 42" {
		t.Fatalf("Dump = %q", got)
	}
	b.Clear()
	if !b.IsZero() {
		t.Fatal("buffer not zero after Clear")
	}
}
