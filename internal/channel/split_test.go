package channel

import (
	"strings"
	"testing"
)

func TestSplitMessageShort(t *testing.T) {
	chunks := SplitMessage("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("short message should pass through, got %v", chunks)
	}
}

func TestSplitMessageNoLimit(t *testing.T) {
	long := strings.Repeat("x", 10000)
	chunks := SplitMessage(long, 0)
	if len(chunks) != 1 {
		t.Errorf("limit 0 means no chunking, got %d chunks", len(chunks))
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	msg := strings.Repeat("line one\n", 10)
	chunks := SplitMessage(msg, 50)

	for i, c := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(c, "\n") {
			t.Errorf("chunk %d does not end at a newline: %q", i, c)
		}
	}
	if strings.Join(chunks, "") != msg {
		t.Error("chunks are lossy")
	}
}

func TestSplitMessageHardCut(t *testing.T) {
	msg := strings.Repeat("a", 95)
	chunks := SplitMessage(msg, 40)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 40 {
			t.Errorf("chunk %d is %d chars, over the limit", i, len(c))
		}
	}
	if strings.Join(chunks, "") != msg {
		t.Error("chunks are lossy")
	}
}
