package aggregate

import (
	"strings"
	"testing"
)

func texts(us []Utterance) []string {
	var out []string
	for _, u := range us {
		out = append(out, u.Text)
	}
	return out
}

func TestSentenceBoundaries(t *testing.T) {
	a := New()

	var got []Utterance
	for _, delta := range []string{"Hello", " there. How", " are you? I", " am fine"} {
		got = append(got, a.Push(delta)...)
	}
	got = append(got, a.Flush()...)

	want := []string{"Hello there.", "How are you?", "I am fine"}
	ts := texts(got)
	if len(ts) != len(want) {
		t.Fatalf("utterances = %q, want %q", ts, want)
	}
	for i := range want {
		if ts[i] != want[i] {
			t.Errorf("utterance %d = %q, want %q", i, ts[i], want[i])
		}
	}
}

func TestAllTerminators(t *testing.T) {
	a := New()
	got := a.Push("one. two! three? four; five: six")
	got = append(got, a.Flush()...)

	want := []string{"one.", "two!", "three?", "four;", "five:", "six"}
	ts := texts(got)
	if len(ts) != len(want) {
		t.Fatalf("utterances = %q, want %q", ts, want)
	}
	for i := range want {
		if ts[i] != want[i] {
			t.Errorf("utterance %d = %q, want %q", i, ts[i], want[i])
		}
	}
}

func TestTerminatorInsideWordDoesNotSplit(t *testing.T) {
	a := New()
	got := a.Push("pi is 3.14159 e.g. roughly three. done")
	got = append(got, a.Flush()...)

	ts := texts(got)
	// "3.14159" must survive; "e.g." ends a boundary only because a space
	// follows the final period, which matches how the text would be spoken.
	for _, u := range ts {
		if strings.Contains(u, "3.") && !strings.Contains(u, "3.14159") {
			t.Errorf("number split across utterances: %q", ts)
		}
	}
}

func TestTrailingTerminatorFlushesOnEOS(t *testing.T) {
	a := New()
	if got := a.Push("Understood."); len(got) != 0 {
		t.Fatalf("boundary without following space emitted early: %q", texts(got))
	}
	got := a.Flush()
	if len(got) != 1 || got[0].Text != "Understood." {
		t.Fatalf("flush = %q", texts(got))
	}
}

func TestLongRunSplitsAtComma(t *testing.T) {
	head := strings.Repeat("a", 100) + ", " + strings.Repeat("b", 100)
	a := New()
	got := a.Push(head)
	got = append(got, a.Flush()...)

	ts := texts(got)
	if len(ts) != 2 {
		t.Fatalf("utterances = %d, want 2: %q", len(ts), ts)
	}
	if !strings.HasSuffix(ts[0], ",") || len(ts[0]) != 101 {
		t.Errorf("first chunk = %q (len %d), want comma split", ts[0], len(ts[0]))
	}
	if ts[1] != strings.Repeat("b", 100) {
		t.Errorf("second chunk len = %d", len(ts[1]))
	}
}

func TestLongRunSplitsAtWhitespace(t *testing.T) {
	head := strings.Repeat("a", 150) + " " + strings.Repeat("b", 150)
	a := New()
	got := a.Push(head)
	got = append(got, a.Flush()...)

	ts := texts(got)
	if len(ts) != 2 {
		t.Fatalf("utterances = %d, want 2: %q", len(ts), ts)
	}
	if len(ts[0]) != 150 || len(ts[1]) != 150 {
		t.Errorf("chunk lengths = %d, %d", len(ts[0]), len(ts[1]))
	}
}

func TestUnbreakableRunSplitsHard(t *testing.T) {
	a := New()
	got := a.Push(strings.Repeat("x", 200))
	got = append(got, a.Flush()...)

	ts := texts(got)
	if len(ts) != 2 {
		t.Fatalf("utterances = %d, want 2: %q", len(ts), ts)
	}
	if len(ts[0]) != MaxUtteranceChars || len(ts[1]) != 200-MaxUtteranceChars {
		t.Errorf("chunk lengths = %d, %d", len(ts[0]), len(ts[1]))
	}
}

func TestEndOffsetsTrackTheFullReply(t *testing.T) {
	full := "First part. Second part. Third"
	a := New()
	var got []Utterance
	got = append(got, a.Push(full)...)
	got = append(got, a.Flush()...)

	if len(got) != 3 {
		t.Fatalf("utterances = %q", texts(got))
	}
	// Truncating the full reply at an utterance's End reproduces exactly
	// what has been spoken through that utterance.
	runes := []rune(full)
	for i, u := range got {
		heard := strings.TrimSpace(string(runes[:u.End]))
		if !strings.HasSuffix(heard, u.Text) {
			t.Errorf("utterance %d: truncation %q does not end with %q", i, heard, u.Text)
		}
	}
	if got[2].End != len(runes) {
		t.Errorf("final End = %d, want %d", got[2].End, len(runes))
	}
}

func TestFlushOnEmptyAndReset(t *testing.T) {
	a := New()
	if got := a.Flush(); len(got) != 0 {
		t.Errorf("empty flush = %q", texts(got))
	}

	a.Push("pending text that never completes")
	a.Reset()
	if got := a.Flush(); len(got) != 0 {
		t.Errorf("flush after reset = %q", texts(got))
	}
}
