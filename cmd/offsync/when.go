package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen accepts RFC 3339, a bare date, or natural language such as
// "tomorrow 9am" or "in 2 hours", relative to now.
func parseWhen(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return t, nil
	}

	r, err := timeParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return r.Time, nil
}
