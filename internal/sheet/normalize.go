package sheet

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	logx "skypost/pkg/logx"
)

// Recognized sheet columns. Absent columns read as "".
const (
	ColThreadID      = "Thread ID"
	ColSequence      = "Sequence"
	ColPostText      = "Post Text"
	ColScheduledTime = "Scheduled Time"
	ColDelay         = "Delay (sec)"
	ColStatus        = "Status"

	ColLinkURL         = "Link URL"
	ColLinkTitle       = "Link Title"
	ColLinkDescription = "Link Description"
	ColLinkThumbURL    = "Link Thumbnail URL"
)

const maxImages = 4

var (
	imageCols = [maxImages]string{"Image 1 URL", "Image 2 URL", "Image 3 URL", "Image 4 URL"}
	altCols   = [maxImages]string{"Alt Text 1", "Alt Text 2", "Alt Text 3", "Alt Text 4"}
)

// Accepted timestamp layouts, tried in order. First match wins.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

const DefaultDelaySeconds = 5

var reSignedInt = regexp.MustCompile(`[+-]?\d+`)

// Normalize converts one raw row into a PostItem. It never fails: malformed
// input degrades to "not due" / "no embed" and is logged as a warning.
func Normalize(row Row, loc *time.Location, log logx.Logger) PostItem {
	it := PostItem{
		ThreadID: collapseSpaces(row[ColThreadID]),
		Sequence: parseSequence(row[ColSequence]),
		Text:     strings.TrimSpace(row[ColPostText]),

		LinkURL:         strings.TrimSpace(row[ColLinkURL]),
		LinkTitle:       strings.TrimSpace(row[ColLinkTitle]),
		LinkDescription: strings.TrimSpace(row[ColLinkDescription]),
		LinkThumbURL:    strings.TrimSpace(row[ColLinkThumbURL]),

		DelaySeconds: parseDelay(row[ColDelay]),
		Status:       parseStatus(row[ColStatus]),
		Key:          dispatchKey(row),
	}

	if raw := strings.TrimSpace(row[ColScheduledTime]); raw != "" {
		if t, ok := parseScheduledTime(raw, loc); ok {
			it.ScheduledAt = &t
		} else {
			log.Warn("unparseable scheduled time, item will never be due",
				logx.String("key", it.Key), logx.String("raw", raw))
		}
	}

	for i := 0; i < maxImages; i++ {
		url := strings.TrimSpace(row[imageCols[i]])
		if url == "" {
			continue
		}
		it.Images = append(it.Images, ImageRef{URL: url, Alt: row[altCols[i]]})
	}

	return it
}

// collapseSpaces trims and squeezes internal whitespace runs to single spaces.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseSequence extracts the first signed integer substring anywhere in the
// raw value, tolerating labels like "Part 2 of 5". Default is 0.
func parseSequence(raw string) int {
	m := reSignedInt.FindString(raw)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

func parseDelay(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return DefaultDelaySeconds
	}
	return n
}

func parseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "draft":
		return StatusDraft
	case "scheduled":
		return StatusScheduled
	case "posted":
		return StatusPosted
	default:
		return StatusUnknown
	}
}

func parseScheduledTime(raw string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
