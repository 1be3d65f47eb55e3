package transcript

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/doramirdor/friday-stream/pkg/transcribe"
)

const (
	defaultIdleTimeout = 5 * time.Minute
	defaultDedupWindow = 10 * time.Second

	// Texts scoring at or above this Jaro-Winkler similarity against a
	// recent emission from the same speaker are treated as duplicates.
	// Batched mode sees overlapping chunk boundaries, so the comparison
	// must be fuzzy rather than exact.
	defaultSimilarity = 0.95

	dedupHistoryCap = 64
)

// MergerOption is a functional option for configuring a [Merger].
type MergerOption func(*Merger)

// WithIdleTimeout sets the inactivity timeout after which a speaker is
// evicted from the active registry. Default: 5 minutes.
func WithIdleTimeout(d time.Duration) MergerOption {
	return func(m *Merger) { m.idleTimeout = d }
}

// WithDedupWindow sets how long an emitted (speaker, text) pair suppresses
// near-duplicate re-emissions. Default: 10 seconds.
func WithDedupWindow(d time.Duration) MergerOption {
	return func(m *Merger) { m.dedupWindow = d }
}

// WithSimilarityThreshold sets the Jaro-Winkler score at which two texts
// count as duplicates. Default: 0.95.
func WithSimilarityThreshold(s float64) MergerOption {
	return func(m *Merger) { m.similarity = s }
}

// WithClock overrides the time source. Used in tests to drive eviction.
func WithClock(now func() time.Time) MergerOption {
	return func(m *Merger) { m.now = now }
}

// dedupEntry is one recently emitted pair used for duplicate suppression.
type dedupEntry struct {
	speakerID int
	text      string
	at        time.Time
}

// Merger maintains the rolling speaker registry and folds raw results
// into attributed events. Safe for concurrent use.
type Merger struct {
	mu       sync.Mutex
	registry map[int]*SpeakerRecord
	history  []dedupEntry
	lastTime time.Time

	idleTimeout time.Duration
	dedupWindow time.Duration
	similarity  float64
	now         func() time.Time
}

// NewMerger creates a Merger with the supplied options.
func NewMerger(opts ...MergerOption) *Merger {
	m := &Merger{
		registry:    make(map[int]*SpeakerRecord),
		idleTimeout: defaultIdleTimeout,
		dedupWindow: defaultDedupWindow,
		similarity:  defaultSimilarity,
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Merge parses one raw result and returns the attributed events it
// produces, in order. Duplicate segments within the dedup window are
// suppressed. Every call also sweeps idle speakers from the active
// registry; already-emitted events are unaffected.
func (m *Merger) Merge(r transcribe.Result) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now)

	// Word-level tags take precedence when the plain text carries no
	// speaker prefixes at all.
	segments := Parse(r.Text)
	if len(segments) == 1 && segments[0].Tag == 0 && len(r.Words) > 0 {
		if tagged := segmentsFromWords(r.Words); len(tagged) > 0 {
			segments = tagged
		}
	}

	ts := r.Time
	if ts.IsZero() {
		ts = now
	}
	// Per-session event time never goes backwards.
	if ts.Before(m.lastTime) {
		ts = m.lastTime
	}
	m.lastTime = ts

	var events []Event
	for _, seg := range segments {
		if m.isDuplicateLocked(seg.Tag, seg.Text, now) {
			slog.Debug("transcript: suppressing duplicate segment",
				"speaker", seg.Tag,
				"len", len(seg.Text),
			)
			continue
		}

		ev := Event{
			Text:       seg.Text,
			Final:      r.Final,
			Confidence: r.Confidence,
			Time:       ts,
		}
		if seg.Tag > 0 {
			rec := m.mergeSpeakerLocked(seg.Tag, now)
			ev.SpeakerID = rec.ID
			ev.Speaker = rec.DisplayName
			ev.Color = rec.ColorToken
		}

		// Only final segments participate in duplicate suppression;
		// partials are expected to repeat as they grow.
		if r.Final {
			m.rememberLocked(seg.Tag, seg.Text, now)
		}
		events = append(events, ev)
	}

	return events
}

// mergeSpeakerLocked looks up or creates the record for tag and refreshes
// its activity. Caller holds mu.
func (m *Merger) mergeSpeakerLocked(tag int, now time.Time) *SpeakerRecord {
	rec, ok := m.registry[tag]
	if !ok {
		rec = &SpeakerRecord{
			ID:          tag,
			DisplayName: "Speaker " + strconv.Itoa(tag),
			ColorToken:  colorForTag(tag),
		}
		m.registry[tag] = rec
		slog.Debug("transcript: new speaker", "id", tag, "color", rec.ColorToken)
	}
	rec.LastSeenAt = now
	rec.SegmentCount++
	return rec
}

// sweepLocked evicts speakers idle past the timeout. Caller holds mu.
func (m *Merger) sweepLocked(now time.Time) {
	for tag, rec := range m.registry {
		if now.Sub(rec.LastSeenAt) > m.idleTimeout {
			delete(m.registry, tag)
			slog.Debug("transcript: evicted idle speaker",
				"id", tag,
				"idle", now.Sub(rec.LastSeenAt),
			)
		}
	}
}

// isDuplicateLocked reports whether the segment is a near-duplicate of a
// recent emission from the same speaker. Caller holds mu.
func (m *Merger) isDuplicateLocked(tag int, text string, now time.Time) bool {
	norm := normalize(text)
	for i := len(m.history) - 1; i >= 0; i-- {
		e := m.history[i]
		if now.Sub(e.at) > m.dedupWindow {
			break // history is time-ordered; everything older is expired
		}
		if e.speakerID != tag {
			continue
		}
		if e.text == norm {
			return true
		}
		if matchr.JaroWinkler(e.text, norm, false) >= m.similarity {
			return true
		}
	}
	return false
}

// rememberLocked appends an emitted pair to the dedup history, trimming
// expired and excess entries. Caller holds mu.
func (m *Merger) rememberLocked(tag int, text string, now time.Time) {
	cutoff := 0
	for cutoff < len(m.history) && now.Sub(m.history[cutoff].at) > m.dedupWindow {
		cutoff++
	}
	m.history = append(m.history[cutoff:], dedupEntry{
		speakerID: tag,
		text:      normalize(text),
		at:        now,
	})
	if len(m.history) > dedupHistoryCap {
		m.history = m.history[len(m.history)-dedupHistoryCap:]
	}
}

// ActiveSpeakers returns a snapshot of the current registry.
func (m *Merger) ActiveSpeakers() []SpeakerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SpeakerRecord, 0, len(m.registry))
	for _, rec := range m.registry {
		out = append(out, *rec)
	}
	return out
}

// SpeakerCount returns the size of the active registry.
func (m *Merger) SpeakerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registry)
}

// segmentsFromWords regroups word-level speaker tags into segments when
// the plain text carries no prefix lines.
func segmentsFromWords(words []transcribe.Word) []Segment {
	var segments []Segment
	tagged := false
	for _, w := range words {
		if w.SpeakerTag > 0 {
			tagged = true
		}
		if len(segments) > 0 && segments[len(segments)-1].Tag == w.SpeakerTag {
			segments[len(segments)-1].Text += " " + w.Word
			continue
		}
		segments = append(segments, Segment{Tag: w.SpeakerTag, Text: w.Word})
	}
	if !tagged {
		return nil
	}
	return segments
}

// normalize lower-cases and collapses whitespace for dedup comparison.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
