package events

import (
	"sort"
	"time"

	"tourkita/internal/clock"
	"tourkita/internal/model"
)

const (
	LabelToday    = "Today"
	LabelTomorrow = "Tomorrow"
)

// Decision is the outcome of checking one event against one reference day.
type Decision struct {
	Include bool   `json:"include"`
	Label   string `json:"label,omitempty"`
}

// Happening is an event selected for the "happening today" view.
type Happening struct {
	Event model.Event `json:"event"`
	Date  model.Date  `json:"date"`
	Label string      `json:"label"`
}

// Filter decides event relevance relative to the current day in the display
// timezone.
type Filter struct {
	clock clock.Clock
	loc   *time.Location
}

// NewFilter builds a Filter. A nil location means time.Local.
func NewFilter(c clock.Clock, loc *time.Location) *Filter {
	if c == nil {
		c = clock.NewSystem()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Filter{clock: c, loc: loc}
}

// Today returns the current calendar day in the display timezone.
func (f *Filter) Today() model.Date {
	return model.DateOf(f.clock.Now().In(f.loc))
}

// Check reports whether ev applies on ref and, if so, labels ref relative
// to today ("Today", "Tomorrow" or no label).
func (f *Filter) Check(ev model.Event, ref model.Date) Decision {
	if !OccursOn(ev, ref) {
		return Decision{}
	}
	return Decision{Include: true, Label: f.label(ref)}
}

func (f *Filter) label(ref model.Date) string {
	today := f.Today()
	switch ref {
	case today:
		return LabelToday
	case today.AddDays(1):
		return LabelTomorrow
	default:
		return ""
	}
}

// Happening selects the events that apply today or tomorrow. An event that
// applies on both days is reported once, as today. Results are ordered by
// day, then start time (all-day first), then title.
func (f *Filter) Happening(events []model.Event) []Happening {
	today := f.Today()
	tomorrow := today.AddDays(1)

	out := make([]Happening, 0)
	for _, ev := range events {
		switch {
		case OccursOn(ev, today):
			out = append(out, Happening{Event: ev, Date: today, Label: LabelToday})
		case OccursOn(ev, tomorrow):
			out = append(out, Happening{Event: ev, Date: tomorrow, Label: LabelTomorrow})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		am, bm := startMinutes(a.Event), startMinutes(b.Event)
		if am != bm {
			return am < bm
		}
		return a.Event.DisplayTitle() < b.Event.DisplayTitle()
	})
	return out
}

// OccursOn is the relevance predicate:
//
//   - an event whose effective end is before ref has concluded;
//   - weekly events apply on listed weekdays within [start, end];
//   - daily, once and non-recurring events apply on every day within
//     [start, end] (interval containment);
//   - excluded dates never apply.
func OccursOn(ev model.Event, ref model.Date) bool {
	end := ev.EffectiveEnd()
	if end.Before(ref) {
		return false
	}
	if !ref.Within(ev.StartDate, end) || ev.Excludes(ref) {
		return false
	}
	if ev.Frequency() == model.FrequencyWeekly {
		return ev.Recurrence.HasDay(ref.Weekday())
	}
	return true
}

func startMinutes(ev model.Event) int {
	if ev.StartTime == nil {
		return -1
	}
	return ev.StartTime.Hour*60 + ev.StartTime.Minute
}
