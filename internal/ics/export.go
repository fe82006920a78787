package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"tourkita/internal/model"
)

// ProductID identifies calendars generated by this service.
const ProductID = "-//TourKita//Intramuros Events//EN"

var icsWeekdays = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// Export serializes events as a published ICS calendar. Events without a
// start time become all-day VEVENTs; weekly and daily recurrences are
// written as RRULEs bounded by the event's end date, with excluded dates as
// EXDATEs.
func Export(evs []model.Event, loc *time.Location, now time.Time) string {
	if loc == nil {
		loc = time.Local
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(ProductID)

	for _, ev := range evs {
		ve := cal.AddEvent(ev.ID + "@tourkita")
		ve.SetDtStampTime(now)
		ve.SetSummary(ev.DisplayTitle())
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		ve.SetLocation(ev.DisplayAddress())
		if ev.OpenToPublic {
			ve.SetProperty(ical.ComponentProperty("CLASS"), "PUBLIC")
		} else {
			ve.SetProperty(ical.ComponentProperty("CLASS"), "PRIVATE")
		}

		recurring := ev.Frequency() != model.FrequencyOnce
		// A recurring event's first instance spans one day; the RRULE
		// carries it to the end date.
		lastOfFirst := ev.EffectiveEnd()
		if recurring {
			lastOfFirst = ev.StartDate
		}

		if ev.StartTime == nil {
			ve.SetAllDayStartAt(ev.StartDate.In(loc))
			ve.SetAllDayEndAt(lastOfFirst.AddDays(1).In(loc))
		} else {
			start := ev.StartTime.On(ev.StartDate, loc)
			end := start.Add(time.Hour)
			if ev.EndTime != nil {
				end = ev.EndTime.On(lastOfFirst, loc)
				if !end.After(start) {
					end = ev.EndTime.On(lastOfFirst.AddDays(1), loc)
				}
			}
			ve.SetStartAt(start)
			ve.SetEndAt(end)
		}

		if recurring {
			ve.AddProperty(ical.ComponentPropertyRrule, rruleFor(ev, loc))
			for _, d := range ev.ExcludedDates {
				if ev.StartTime == nil {
					ve.AddExdate(d.In(loc).Format("20060102"), ical.WithValue(string(ical.ValueDataTypeDate)))
				} else {
					ve.AddExdate(ev.StartTime.On(d, loc).UTC().Format("20060102T150405Z"))
				}
			}
		}
	}

	return cal.Serialize()
}

func rruleFor(ev model.Event, loc *time.Location) string {
	until := ev.EffectiveEnd().AddDays(1).In(loc).Add(-time.Second).UTC()
	parts := []string{}
	switch ev.Frequency() {
	case model.FrequencyWeekly:
		days := make([]string, 0, len(ev.Recurrence.DaysOfWeek))
		for _, d := range ev.Recurrence.DaysOfWeek {
			days = append(days, icsWeekdays[d])
		}
		parts = append(parts, "FREQ=WEEKLY", "BYDAY="+strings.Join(days, ","))
	default:
		parts = append(parts, "FREQ=DAILY")
	}
	parts = append(parts, "UNTIL="+until.Format("20060102T150405Z"))
	return strings.Join(parts, ";")
}
