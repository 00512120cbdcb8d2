// Package cron evaluates five-field cron expressions (minute, hour,
// day-of-month, month, day-of-week) against UTC wall time.
//
// The grammar is deliberately forgiving because expressions often come from a
// language model: surrounding code fences, quotes and a leading seconds field
// are stripped, out-of-range values are clamped and unparseable list items are
// ignored.
package cron

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned when an expression cannot be normalized to five fields.
var ErrInvalid = errors.New("invalid cron expression")

// searchHorizon bounds Next to one (leap) year of minutes.
const searchHorizon = 366 * 24 * 60

var fenceRe = regexp.MustCompile("^```[a-zA-Z]*\\n?|```$")
var quoteRe = regexp.MustCompile(`^['"]+|['"]+$`)

// Normalize cleans raw cron text into a canonical "m h dom mon dow" string.
// It returns false when fewer than five fields remain.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	s = fenceRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "`", "")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.Join(strings.Fields(s), " ")
	s = quoteRe.ReplaceAllString(s, "")

	parts := strings.Fields(s)
	if len(parts) < 5 {
		return "", false
	}
	// A sixth leading field is seconds.
	return strings.Join(parts[len(parts)-5:], " "), true
}

// Expr is a compiled cron expression.
type Expr struct {
	text   string
	minute matcher
	hour   matcher
	dom    matcher
	month  matcher
	dow    matcher
	domAny bool
	dowAny bool
}

// Parse normalizes and compiles text.
func Parse(text string) (*Expr, error) {
	norm, ok := Normalize(text)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, text)
	}
	f := strings.Split(norm, " ")
	return &Expr{
		text:   norm,
		minute: compile(f[0], 0, 59),
		hour:   compile(f[1], 0, 23),
		dom:    compile(f[2], 1, 31),
		month:  compile(f[3], 1, 12),
		dow:    compile(remapWeekdays(f[4]), 0, 6),
		domAny: f[2] == "*",
		dowAny: f[4] == "*",
	}, nil
}

// String returns the normalized expression.
func (e *Expr) String() string { return e.text }

// Next returns the first matching minute strictly after the minute containing
// now. The boolean is false when nothing matches within one year.
func (e *Expr) Next(now time.Time) (time.Time, bool) {
	t := now.UTC().Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < searchHorizon; i++ {
		if e.Match(t) {
			return t, true
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, false
}

// Match reports whether the UTC minute of t satisfies the expression.
func (e *Expr) Match(t time.Time) bool {
	t = t.UTC()
	return e.minute(t.Minute()) &&
		e.hour(t.Hour()) &&
		e.month(int(t.Month())) &&
		e.dayMatch(t.Day(), int(t.Weekday()))
}

// dayMatch applies the usual cron rule: a restricted day-of-month and a
// restricted day-of-week are ORed; a wildcard defers to the other field.
func (e *Expr) dayMatch(dom, dow int) bool {
	switch {
	case e.domAny && e.dowAny:
		return true
	case e.domAny:
		return e.dow(dow)
	case e.dowAny:
		return e.dom(dom)
	default:
		return e.dom(dom) || e.dow(dow)
	}
}

// NextRun normalizes raw, computes the occurrence after now and returns nil
// when the expression is invalid or never fires within the horizon.
func NextRun(raw string, now time.Time) *time.Time {
	e, err := Parse(raw)
	if err != nil {
		return nil
	}
	next, ok := e.Next(now)
	if !ok {
		return nil
	}
	return &next
}

// Valid reports whether raw yields an occurrence within the next year.
func Valid(raw string) bool {
	return NextRun(raw, time.Now()) != nil
}

type matcher func(v int) bool

func compile(expr string, min, max int) matcher {
	if expr == "*" {
		return func(int) bool { return true }
	}
	allowed := make(map[int]struct{})
	for _, tok := range strings.Split(expr, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		base, stepText, hasStep := strings.Cut(tok, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepText)
			if err != nil {
				continue
			}
			if n > 1 {
				step = n
			}
		}

		switch {
		case base == "*":
			for v := min; v <= max; v += step {
				allowed[v] = struct{}{}
			}
		case strings.Contains(base, "-"):
			lo, hi, ok := parseRange(base)
			if !ok {
				continue
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			lo, hi = clamp(lo, min, max), clamp(hi, min, max)
			for v := lo; v <= hi; v += step {
				allowed[v] = struct{}{}
			}
		default:
			n, err := strconv.Atoi(base)
			if err != nil {
				continue
			}
			v := clamp(n, min, max)
			if (v-min)%step == 0 {
				allowed[v] = struct{}{}
			}
		}
	}
	return func(v int) bool {
		_, ok := allowed[clamp(v, min, max)]
		return ok
	}
}

func parseRange(s string) (int, int, bool) {
	a, b, _ := strings.Cut(s, "-")
	lo, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}

// remapWeekdays rewrites Sunday=7 as 0 in values and range endpoints. Step
// divisors are left alone.
func remapWeekdays(expr string) string {
	if expr == "*" {
		return expr
	}
	items := strings.Split(expr, ",")
	for i, item := range items {
		item = strings.TrimSpace(item)
		base, step, hasStep := strings.Cut(item, "/")
		if a, b, isRange := strings.Cut(base, "-"); isRange {
			base = sunday(a) + "-" + sunday(b)
		} else if base != "*" {
			base = sunday(base)
		}
		if hasStep {
			base += "/" + step
		}
		items[i] = base
	}
	return strings.Join(items, ",")
}

func sunday(v string) string {
	if strings.TrimSpace(v) == "7" {
		return "0"
	}
	return v
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
