package driver

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	body := encodeTest([]byte("3 4\n"))

	var buf bytes.Buffer
	if err := writeFrame(&buf, body); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("frame body mismatch: got %v, want %v", got, body)
	}
}

func TestDecodeTestReplySuccess(t *testing.T) {
	body, err := decodeTestReplyFixture(map[string]any{
		"output":       []byte("7\n"),
		"time":         0.042,
		"memory_bytes": int64(1048576),
	})
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}

	result, err := decodeTestReply(body)
	if err != nil {
		t.Fatalf("decodeTestReply: %v", err)
	}
	if result.Test == nil || result.Err != nil {
		t.Fatalf("expected a Test result, got %+v", result)
	}
	if !bytes.Equal(result.Test.Output, []byte("7\n")) {
		t.Fatalf("output mismatch: %q", result.Test.Output)
	}
	if result.Test.TimeMs != 42 {
		t.Fatalf("time_ms mismatch: got %d, want 42", result.Test.TimeMs)
	}
	if result.Test.MemoryBytes != 1048576 {
		t.Fatalf("memory_bytes mismatch: got %d", result.Test.MemoryBytes)
	}
}

func TestDecodeTestReplyError(t *testing.T) {
	body, err := decodeTestReplyFixture(map[string]any{
		"kind": "RuntimeError",
	})
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}

	result, err := decodeTestReply(body)
	if err != nil {
		t.Fatalf("decodeTestReply: %v", err)
	}
	if result.Err == nil || result.Test != nil {
		t.Fatalf("expected an Err result, got %+v", result)
	}
	if result.Err.Kind != "RuntimeError" {
		t.Fatalf("kind mismatch: got %q", result.Err.Kind)
	}
}
