// Package transcript turns raw transcription results into time-ordered,
// speaker-attributed events.
//
// Raw text arrives as free-form lines that may carry a "Speaker N:"
// prefix, either plain or markdown-emphasized. The parser extracts
// (speakerTag, text) pairs; the [Merger] resolves tags against a rolling
// registry of [SpeakerRecord]s, assigns palette colors, suppresses
// near-duplicate re-emissions at chunk boundaries, and evicts speakers
// that have been idle past the inactivity timeout.
package transcript

import (
	"time"
)

// Event is one speaker-attributed transcript event. Events are emitted in
// non-decreasing timestamp order per session.
type Event struct {
	// Text is the spoken content, without the speaker prefix.
	Text string

	// Final marks an authoritative result.
	Final bool

	// SpeakerID is the diarization tag the text was attributed to, zero
	// when no speaker could be determined.
	SpeakerID int

	// Speaker is the display name from the registry, empty when
	// SpeakerID is zero.
	Speaker string

	// Color is the palette token assigned to the speaker.
	Color string

	// Confidence is the service-reported confidence, zero when absent.
	Confidence float64

	// Time is the event timestamp.
	Time time.Time
}

// SpeakerRecord tracks one diarized speaker in the active registry. The
// ID is stable for the life of the session once assigned.
type SpeakerRecord struct {
	ID           int
	DisplayName  string
	ColorToken   string
	LastSeenAt   time.Time
	SegmentCount int
}

// palette is the fixed color assignment for speakers. A tag maps to
// palette[(tag-1) % len(palette)], so the same tag always gets the same
// color within a session.
var palette = []string{
	"#4c8bf5", // blue
	"#34a853", // green
	"#fbbc04", // amber
	"#ea4335", // red
	"#a142f4", // purple
	"#24c1e0", // cyan
	"#f56e9d", // pink
	"#f29900", // orange
}

// colorForTag returns the deterministic palette color for a speaker tag.
func colorForTag(tag int) string {
	if tag <= 0 {
		return ""
	}
	return palette[(tag-1)%len(palette)]
}
