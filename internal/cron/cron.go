// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cron parses standard 5-field cron expressions and computes fire
// times in a given location.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Expr is a parsed cron expression. Each field is a bitset of the
// accepted values; the largest field (minutes, 0-59) fits in a uint64.
type Expr struct {
	minutes uint64
	hours   uint64
	dom     uint64
	months  uint64
	dow     uint64

	// When both day fields are restricted, conventional cron fires on
	// either match rather than requiring both.
	domStar bool
	dowStar bool
}

var fieldSpecs = []struct {
	name string
	lo   int
	hi   int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Parse parses "minute hour day-of-month month day-of-week". Lists,
// ranges and steps are supported; "0 9 * * 1-5" is 09:00 on weekdays.
func Parse(expr string) (*Expr, error) {
	fields := strings.Fields(expr)
	if len(fields) != len(fieldSpecs) {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	sets := make([]uint64, len(fieldSpecs))
	for i, spec := range fieldSpecs {
		set, err := parseField(fields[i], spec.lo, spec.hi)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", spec.name, err)
		}
		sets[i] = set
	}

	return &Expr{
		minutes: sets[0],
		hours:   sets[1],
		dom:     sets[2],
		months:  sets[3],
		dow:     sets[4],
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}, nil
}

// parseField folds a comma-separated list of values, ranges and steps
// into one bitset.
func parseField(field string, lo, hi int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		span, stepStr, hasStep := strings.Cut(part, "/")

		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step: %s", stepStr)
			}
			step = n
		}

		start, end := lo, hi
		if span != "*" {
			from, to, isRange := strings.Cut(span, "-")
			var err error
			if start, err = strconv.Atoi(from); err != nil {
				return 0, fmt.Errorf("invalid value: %s", from)
			}
			end = start
			if isRange {
				if end, err = strconv.Atoi(to); err != nil {
					return 0, fmt.Errorf("invalid range end: %s", to)
				}
			}
		}

		if start < lo || end > hi {
			return 0, fmt.Errorf("value out of range [%d-%d]: %s", lo, hi, part)
		}
		if start > end {
			return 0, fmt.Errorf("invalid range: %d > %d", start, end)
		}
		for v := start; v <= end; v += step {
			set |= 1 << uint(v)
		}
	}
	return set, nil
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

// Next returns the first time matching the expression strictly after
// from, in from's location. The zero time means no match within four
// years.
func (c *Expr) Next(from time.Time) time.Time {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(4, 0, 0)

	for t.Before(limit) {
		switch {
		case !has(c.months, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
		case !c.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
		case !has(c.hours, t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
		case !has(c.minutes, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t
		}
	}
	return time.Time{}
}

func (c *Expr) dayMatches(t time.Time) bool {
	domMatch := has(c.dom, t.Day())
	dowMatch := has(c.dow, int(t.Weekday()))

	if !c.domStar && !c.dowStar {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}
