package events

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "tourkita/internal/log"
	"tourkita/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 366
	defaultTimedDuration          = time.Hour
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the timezone occurrence start/end instants are
	// built in. If nil, time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive day window.
	RangeStart model.Date
	RangeEnd   model.Date

	// MaxOccurrencesPerEvent is a safety cap for long-running daily events.
	// If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded occurrences and the IDs of events
// that hit the cap.
type ExpandResult struct {
	Occurrences     []model.Occurrence `json:"occurrences"`
	TruncatedEvents []string           `json:"truncated_events,omitempty"`
}

var rruleWeekdays = [...]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// Expand turns events into per-day occurrences within the configured window.
// The days produced are exactly those for which OccursOn reports true.
func Expand(evs []model.Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	all := make([]model.Occurrence, 0)
	for _, ev := range evs {
		days, hitCap, err := occurrenceDays(ev, cfg)
		if err != nil {
			appLog.Error("expand: failed to build recurrence rule", err, "event_id", ev.ID)
			continue
		}
		if hitCap {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.ID)
			appLog.Warn("expand: truncated occurrences for event due to cap",
				"event_id", ev.ID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		for _, d := range days {
			all = append(all, makeOccurrence(ev, d, cfg.DisplayLocation))
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Start.Equal(all[j].Start) {
			return all[i].Start.Before(all[j].Start)
		}
		return all[i].Title < all[j].Title
	})

	result.Occurrences = all
	return result, nil
}

// occurrenceDays computes the days in the window on which ev applies. Dates
// are carried through rrule as UTC midnights so DST never shifts a day.
func occurrenceDays(ev model.Event, cfg ExpandConfig) ([]model.Date, bool, error) {
	end := ev.EffectiveEnd()
	if end.Before(cfg.RangeStart) || ev.StartDate.After(cfg.RangeEnd) {
		return nil, false, nil
	}

	opt := rrule.ROption{
		Freq:    rrule.DAILY,
		Dtstart: ev.StartDate.In(time.UTC),
		Until:   end.In(time.UTC),
	}
	if ev.Frequency() == model.FrequencyWeekly {
		opt.Freq = rrule.WEEKLY
		for _, wd := range ev.Recurrence.DaysOfWeek {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[wd])
		}
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, false, err
	}
	set := rrule.Set{}
	set.RRule(r)
	for _, ex := range ev.ExcludedDates {
		set.ExDate(ex.In(time.UTC))
	}

	times := set.Between(cfg.RangeStart.In(time.UTC), cfg.RangeEnd.In(time.UTC), true)
	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	days := make([]model.Date, 0, len(times))
	for _, t := range times {
		days = append(days, model.DateOf(t))
	}
	return days, hitCap, nil
}

// makeOccurrence places ev on day d. Events without a start time are all-day
// ([d 00:00, d+1 00:00)); timed events without an end get a default length,
// and an end earlier than the start is taken to cross midnight.
func makeOccurrence(ev model.Event, d model.Date, loc *time.Location) model.Occurrence {
	occ := model.Occurrence{
		EventID:     ev.ID,
		InstanceKey: ev.ID + "@" + d.String(),
		Title:       ev.DisplayTitle(),
		Address:     ev.DisplayAddress(),
		Date:        d,
	}

	if ev.StartTime == nil {
		occ.AllDay = true
		occ.Start = d.In(loc)
		occ.End = d.AddDays(1).In(loc)
		return occ
	}

	occ.Start = ev.StartTime.On(d, loc)
	if ev.EndTime == nil {
		occ.End = occ.Start.Add(defaultTimedDuration)
		return occ
	}
	occ.End = ev.EndTime.On(d, loc)
	if !occ.End.After(occ.Start) {
		occ.End = ev.EndTime.On(d.AddDays(1), loc)
	}
	return occ
}
