package transcript

import (
	"regexp"
	"strconv"
	"strings"
)

// speakerLine matches a "Speaker N:" prefix at the start of a line, plain
// or markdown-emphasized. The colon may sit inside or outside the
// emphasis markers.
var speakerLine = regexp.MustCompile(`^\s*\*{0,2}Speaker\s+(\d+)\s*:?\*{0,2}\s*:?\s*(.*)$`)

// Segment is one parsed (speakerTag, text) pair. Tag zero means the text
// carried no speaker attribution.
type Segment struct {
	Tag  int
	Text string
}

// Parse extracts speaker segments from raw result text, line by line.
// Lines without a recognizable prefix are attributed to the most recently
// seen speaker in the same text, or to tag zero when none has appeared
// yet. Consecutive lines with the same attribution are joined.
func Parse(raw string) []Segment {
	var segments []Segment
	current := 0

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		tag, text := current, line
		if m := speakerLine.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				tag = n
				text = strings.TrimSpace(m[2])
				current = n
			}
		}
		if text == "" {
			continue
		}

		if len(segments) > 0 && segments[len(segments)-1].Tag == tag {
			segments[len(segments)-1].Text += " " + text
			continue
		}
		segments = append(segments, Segment{Tag: tag, Text: text})
	}

	return segments
}
