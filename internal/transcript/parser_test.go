package transcript_test

import (
	"testing"

	"github.com/doramirdor/friday-stream/internal/transcript"
)

func TestParse_PlainSpeakerLines(t *testing.T) {
	t.Parallel()

	segs := transcript.Parse("Speaker 1: Hello\nSpeaker 2: Hi there")
	if len(segs) != 2 {
		t.Fatalf("segments = %d; want 2", len(segs))
	}
	if segs[0].Tag != 1 || segs[0].Text != "Hello" {
		t.Errorf("segs[0] = %+v; want {1 Hello}", segs[0])
	}
	if segs[1].Tag != 2 || segs[1].Text != "Hi there" {
		t.Errorf("segs[1] = %+v; want {2 Hi there}", segs[1])
	}
}

func TestParse_EmphasizedSpeakerLines(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"bold outside colon", "**Speaker 1**: Hello\n**Speaker 2**: Hi there"},
		{"bold including colon", "**Speaker 1:** Hello\n**Speaker 2:** Hi there"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			segs := transcript.Parse(tt.in)
			if len(segs) != 2 {
				t.Fatalf("segments = %d; want 2", len(segs))
			}
			if segs[0].Tag != 1 || segs[0].Text != "Hello" {
				t.Errorf("segs[0] = %+v; want {1 Hello}", segs[0])
			}
			if segs[1].Tag != 2 || segs[1].Text != "Hi there" {
				t.Errorf("segs[1] = %+v; want {2 Hi there}", segs[1])
			}
		})
	}
}

func TestParse_UnprefixedContinuationAttachesToCurrentSpeaker(t *testing.T) {
	t.Parallel()

	segs := transcript.Parse("Speaker 3: first part\nsecond part\nSpeaker 1: done")
	if len(segs) != 2 {
		t.Fatalf("segments = %d; want 2", len(segs))
	}
	if segs[0].Tag != 3 || segs[0].Text != "first part second part" {
		t.Errorf("segs[0] = %+v; want continuation joined to speaker 3", segs[0])
	}
	if segs[1].Tag != 1 {
		t.Errorf("segs[1].Tag = %d; want 1", segs[1].Tag)
	}
}

func TestParse_NoPrefixYieldsUnattributedSegment(t *testing.T) {
	t.Parallel()

	segs := transcript.Parse("just some plain text")
	if len(segs) != 1 {
		t.Fatalf("segments = %d; want 1", len(segs))
	}
	if segs[0].Tag != 0 {
		t.Errorf("tag = %d; want 0 for unattributed text", segs[0].Tag)
	}
	if segs[0].Text != "just some plain text" {
		t.Errorf("text = %q", segs[0].Text)
	}
}

func TestParse_SpeakerWordWithoutNumberIsNotAPrefix(t *testing.T) {
	t.Parallel()

	segs := transcript.Parse("Speakers at the event were great")
	if len(segs) != 1 || segs[0].Tag != 0 {
		t.Fatalf("segs = %+v; plain sentence must stay unattributed", segs)
	}
}

func TestParse_BlankLinesSkipped(t *testing.T) {
	t.Parallel()

	segs := transcript.Parse("\n\nSpeaker 1: hi\n\n\nSpeaker 1: again\n")
	if len(segs) != 1 {
		t.Fatalf("segments = %d; want 1 (same speaker joined)", len(segs))
	}
	if segs[0].Text != "hi again" {
		t.Errorf("text = %q; want %q", segs[0].Text, "hi again")
	}
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	if segs := transcript.Parse(""); len(segs) != 0 {
		t.Errorf("segments = %d; want 0", len(segs))
	}
}
