package ttswire

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	if err := w.WriteRequest(Request{Text: "Hello.", VoiceID: "af_sarah", Speed: 1.2}); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	if err := w.WriteRequest(Request{Ping: true}); err != nil {
		t.Fatalf("WriteRequest ping: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if strings.Contains(lines[0], "ping") {
		t.Errorf("synthesis request carries ping field: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"ping":true`) || strings.Contains(lines[1], "text") {
		t.Errorf("ping request malformed: %s", lines[1])
	}
}

func TestResponseStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, resp := range []Response{
		{Type: TypeStarted},
		{Type: TypeAudioChunk, SampleRate: 24000, Data: "AAAA"},
		{Type: TypeStopped},
		{Type: TypeEOF},
	} {
		if err := w.WriteResponse(resp); err != nil {
			t.Fatalf("WriteResponse: %v", err)
		}
	}

	sc := NewScanner(&buf)
	var types []string
	for {
		resp, err := sc.NextResponse()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("NextResponse: %v", err)
		}
		types = append(types, resp.Type)
	}
	want := []string{TypeStarted, TypeAudioChunk, TypeStopped, TypeEOF}
	if len(types) != len(want) {
		t.Fatalf("got %d responses, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("response %d = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestScannerRejectsOversizedLine(t *testing.T) {
	long := strings.Repeat("x", MaxLineBytes+1)
	sc := NewScanner(strings.NewReader(long + "\n"))
	if _, err := sc.NextLine(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected buffer error for oversized line, got %v", err)
	}
}

func TestScannerDecodeError(t *testing.T) {
	sc := NewScanner(strings.NewReader("not json\n"))
	if _, err := sc.NextResponse(); err == nil {
		t.Fatal("expected decode error")
	}
}
