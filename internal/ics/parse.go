package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "tourkita/internal/log"
	"tourkita/internal/model"
)

// openEndedDays is how far an RRULE without UNTIL or COUNT is carried.
const openEndedDays = 2 * 366

// vevent is one parsed VEVENT before overrides are merged into their
// recurring event.
type vevent struct {
	model.Event
	uid          string
	recurrenceID *model.Date // RECURRENCE-ID day, set on override instances
	cancelled    bool
}

// ParseEvents parses an ICS payload into validated event records.
//
//   - Event IDs are "<sourceID>:<UID>" so feeds cannot collide with the
//     document store or with each other.
//   - Timed events are placed in loc; all-day events keep their dates.
//   - RRULE FREQ=DAILY and FREQ=WEEKLY (interval 1) map onto the event's
//     recurrence; other rules reject the VEVENT.
//   - EXDATE days become excluded dates. A RECURRENCE-ID override excludes
//     its day from the recurring event and, unless cancelled, is returned
//     as a one-off event with ID "<event ID>#<YYYY-MM-DD>".
//
// VEVENTs that fail are logged and skipped; the rest are returned.
func ParseEvents(sourceID string, body []byte, loc *time.Location) ([]model.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", sourceID)
		return nil, err
	}

	events := make([]model.Event, 0)
	byUID := map[string]int{}
	var overrides []vevent
	for _, comp := range cal.Events() {
		v, perr := parseVEvent(sourceID, comp, loc)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("ics vevent rejected", "id", sourceID, "reason", perr.Error())
			continue
		}
		if v.recurrenceID != nil {
			overrides = append(overrides, v)
			continue
		}
		if v.cancelled {
			appLog.Debug("ics vevent cancelled", "id", sourceID, "uid", v.uid)
			continue
		}
		if _, dup := byUID[v.uid]; dup {
			appLog.Warn("ics vevent duplicate UID skipped", "id", sourceID, "uid", v.uid)
			continue
		}
		byUID[v.uid] = len(events)
		events = append(events, v.Event)
	}

	for _, o := range overrides {
		day := *o.recurrenceID
		if i, ok := byUID[o.uid]; ok {
			if !events[i].Excludes(day) {
				events[i].ExcludedDates = append(events[i].ExcludedDates, day)
			}
		} else {
			appLog.Warn("ics override without recurring event", "id", sourceID, "uid", o.uid, "date", day.String())
		}
		if o.cancelled {
			continue
		}
		o.ID = o.ID + "#" + day.String()
		events = append(events, o.Event)
	}

	appLog.Info("ics parse completed", "id", sourceID, "event_count", len(events), "override_count", len(overrides))
	return events, nil
}

func parseVEvent(sourceID string, ve *ical.VEvent, loc *time.Location) (vevent, error) {
	var v vevent
	out := &v.Event

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return v, errors.New("missing UID")
	}
	v.uid = uidProp.Value
	out.ID = uidProp.Value
	if sourceID != "" {
		out.ID = sourceID + ":" + uidProp.Value
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Address = p.Value
	}
	if p := ve.GetProperty(ical.ComponentProperty("CLASS")); p == nil || strings.EqualFold(p.Value, "PUBLIC") {
		out.OpenToPublic = true
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		v.cancelled = true
	}

	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		days, err := propDates(p, loc)
		if err != nil || len(days) != 1 {
			return v, fmt.Errorf("RECURRENCE-ID %q: invalid", p.Value)
		}
		v.recurrenceID = &days[0]
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return v, errors.New("missing DTSTART")
	}
	allDay := !strings.Contains(dtStart.Value, "T")
	if vs, ok := dtStart.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		allDay = true
	}

	var start time.Time
	if allDay {
		s, err := ve.GetAllDayStartAt()
		if err != nil {
			return v, fmt.Errorf("DTSTART: %w", err)
		}
		out.StartDate = model.DateOf(s)
		start = out.StartDate.In(loc)
		// DTEND is exclusive for all-day events.
		if e, err := ve.GetAllDayEndAt(); err == nil {
			last := model.DateOf(e).AddDays(-1)
			if last.After(out.StartDate) {
				out.EndDate = &last
			}
		}
	} else {
		s, err := ve.GetStartAt()
		if err != nil {
			return v, fmt.Errorf("DTSTART: %w", err)
		}
		start = s.In(loc)
		out.StartDate = model.DateOf(start)
		st := model.TimeOfDay{Hour: start.Hour(), Minute: start.Minute()}
		out.StartTime = &st

		if e, err := ve.GetEndAt(); err == nil && e.After(s) {
			e = e.In(loc)
			et := model.TimeOfDay{Hour: e.Hour(), Minute: e.Minute()}
			out.EndTime = &et

			// An end at midnight closes the previous day.
			last := model.DateOf(e)
			if et == (model.TimeOfDay{}) {
				last = last.AddDays(-1)
			}
			if last.After(out.StartDate) {
				out.EndDate = &last
			}
		}
	}

	// An override replaces one instance; its own RRULE, if any, is ignored.
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" && v.recurrenceID == nil {
		if err := applyRRule(out, p.Value, start, loc); err != nil {
			return v, err
		}
		for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
			days, err := propDates(p, loc)
			if err != nil {
				return v, fmt.Errorf("EXDATE %q: %w", p.Value, err)
			}
			for _, d := range days {
				if !out.Excludes(d) {
					out.ExcludedDates = append(out.ExcludedDates, d)
				}
			}
		}
	}

	if err := out.Validate(); err != nil {
		return v, err
	}
	return v, nil
}

// propDates reads the days named by a date or date-time list property
// (EXDATE, RECURRENCE-ID). Date values are civil dates; date-times are
// moved into loc, honoring a TZID parameter for floating values.
func propDates(p *ical.IANAProperty, loc *time.Location) ([]model.Date, error) {
	valueLoc := loc
	if tz, ok := p.ICalParameters["TZID"]; ok && len(tz) == 1 {
		if l, err := time.LoadLocation(tz[0]); err == nil {
			valueLoc = l
		}
	}

	var out []model.Date
	for _, part := range strings.Split(p.Value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var (
			t   time.Time
			err error
		)
		switch {
		case strings.HasSuffix(part, "Z"):
			t, err = time.Parse("20060102T150405Z", part)
		case strings.Contains(part, "T"):
			t, err = time.ParseInLocation("20060102T150405", part, valueLoc)
		default:
			t, err = time.Parse("20060102", part)
			if err == nil {
				out = append(out, model.DateOf(t))
				continue
			}
		}
		if err != nil {
			return nil, err
		}
		out = append(out, model.DateOf(t.In(loc)))
	}
	if len(out) == 0 {
		return nil, errors.New("no values")
	}
	return out, nil
}

// applyRRule maps a DAILY or WEEKLY rule onto ev. The rule's last day
// becomes the end date. dtstart must already be in loc.
func applyRRule(ev *model.Event, raw string, dtstart time.Time, loc *time.Location) error {
	opt, err := rrule.StrToROptionInLocation(raw, loc)
	if err != nil {
		return fmt.Errorf("RRULE %q: %w", raw, err)
	}
	if opt.Interval > 1 {
		return fmt.Errorf("RRULE %q: interval %d not supported", raw, opt.Interval)
	}

	rec := &model.Recurrence{}
	switch opt.Freq {
	case rrule.DAILY:
		rec.Frequency = model.FrequencyDaily
	case rrule.WEEKLY:
		rec.Frequency = model.FrequencyWeekly
		for i := range opt.Byweekday {
			wd := time.Weekday((opt.Byweekday[i].Day() + 1) % 7)
			if !rec.HasDay(wd) {
				rec.DaysOfWeek = append(rec.DaysOfWeek, wd)
			}
		}
		if len(rec.DaysOfWeek) == 0 {
			rec.DaysOfWeek = []time.Weekday{ev.StartDate.Weekday()}
		}
	default:
		return fmt.Errorf("RRULE %q: frequency not supported", raw)
	}
	ev.Recurrence = rec

	var last model.Date
	switch {
	case !opt.Until.IsZero():
		if d, ok := civilUntil(raw, opt.Until, loc); ok {
			last = d
			break
		}
		// An UNTIL instant: the last day is that of the final occurrence.
		opt.Dtstart = dtstart
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return fmt.Errorf("RRULE %q: %w", raw, err)
		}
		final := r.Before(opt.Until, true)
		if final.IsZero() {
			return fmt.Errorf("RRULE %q: no occurrences", raw)
		}
		last = model.DateOf(final.In(loc))
	case opt.Count > 0:
		opt.Dtstart = dtstart
		r, err := rrule.NewRRule(*opt)
		if err != nil {
			return fmt.Errorf("RRULE %q: %w", raw, err)
		}
		all := r.All()
		if len(all) == 0 {
			return fmt.Errorf("RRULE %q: no occurrences", raw)
		}
		last = model.DateOf(all[len(all)-1].In(loc))
	default:
		last = ev.StartDate.AddDays(openEndedDays)
	}
	if last.Before(ev.StartDate) {
		return fmt.Errorf("RRULE %q: ends before DTSTART", raw)
	}
	ev.EndDate = &last
	return nil
}

// civilUntil reports the day an UNTIL names when it stands for a whole day:
// a date-only value, or 23:59:59 either in loc or in UTC (as many calendar
// exporters write it).
func civilUntil(raw string, until time.Time, loc *time.Location) (model.Date, bool) {
	if v := ruleValue(raw, "UNTIL"); v != "" && !strings.Contains(v, "T") {
		return model.DateOf(until.In(loc)), true
	}
	for _, t := range []time.Time{until.In(loc), until.UTC()} {
		if t.Hour() == 23 && t.Minute() == 59 && t.Second() == 59 {
			return model.DateOf(t), true
		}
	}
	return model.Date{}, false
}

func ruleValue(raw, key string) string {
	for _, part := range strings.Split(raw, ";") {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
