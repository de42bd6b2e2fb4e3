package ptrace

import "testing"

func TestLeUint64RoundTrip(t *testing.T) {
	want := uint64(0x0102030405060708)
	buf := make([]byte, 8)
	leUint64Put(buf, want)
	got := leUint64(buf)
	if got != want {
		t.Fatalf("round trip: got %#x, want %#x", got, want)
	}
	if buf[0] != 0x08 || buf[7] != 0x01 {
		t.Fatalf("expected little-endian byte order, got % x", buf)
	}
}

func TestDebugIoErrorMessage(t *testing.T) {
	err := &DebugIoError{Op: "peek", Tid: 42}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
