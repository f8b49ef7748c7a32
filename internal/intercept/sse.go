package intercept

import (
	"strings"
	"time"
)

// SSE field markers. The upstream line format is not guaranteed stable, so
// parsing is deliberately permissive: anything that is not a data or event
// line is dropped without complaint.
const (
	dataMarker  = "data:"
	eventMarker = "event:"
)

// ParseRecords splits decoded frame text into ordered logical records.
// Lines carrying a data marker become data records, lines carrying an
// event-type marker become event records, blank lines are separators, and
// any other line is silently discarded.
func ParseRecords(text string) []StreamRecord {
	if text == "" {
		return nil
	}

	var records []StreamRecord
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, dataMarker):
			records = append(records, StreamRecord{
				Kind:      KindData,
				Payload:   trimFieldValue(line, dataMarker),
				EmittedAt: time.Now(),
			})
		case strings.HasPrefix(line, eventMarker):
			records = append(records, StreamRecord{
				Kind:      KindEvent,
				Payload:   trimFieldValue(line, eventMarker),
				EmittedAt: time.Now(),
			})
		}
	}
	return records
}

// trimFieldValue strips the field marker and the single optional leading
// space the SSE format allows. Further whitespace is payload.
func trimFieldValue(line, marker string) string {
	value := line[len(marker):]
	return strings.TrimPrefix(value, " ")
}
