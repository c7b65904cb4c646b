package core

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpecKind tells the poll trigger whether to run a cron schedule or a
// fixed-interval ticker.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is the normalized form of the "schedule" config value.
//
// Accepted inputs:
//   - cron expressions, including descriptors: "*/10 * * * *", "@hourly"
//   - Go durations: "10m", "1h30m"
//   - HH:MM intervals: "00:10", "02:30"
//
// A "cron:" or "interval:" prefix forces the interpretation when the
// heuristics would guess wrong.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSchedule parses a schedule string into a ParsedSpec.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
	}
	if rest, ok := cutPrefixFold(s, "interval:"); ok {
		return parseInterval(rest)
	}

	// Bare heuristics: whitespace or a leading '@' means cron, anything
	// else is treated as an interval.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	spec, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/10 * * * *', HH:MM like '02:30', or duration like '10m')", raw)
	}
	return spec, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func parseInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}

	every := time.Duration(0)
	source := "duration"
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		every = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		source = "hhmm"
	} else {
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or a Go duration like '10m')", v)
		}
		every = d
	}

	if every <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: every, Source: source}, nil
}
