package events

import (
	"testing"
	"time"

	"tourkita/internal/model"
)

func TestExpandMatchesOccursOn(t *testing.T) {
	evs := []model.Event{
		{ID: "weekly", StartDate: day(t, "2024-06-01"), EndDate: datePtr(t, "2024-12-31"), Recurrence: weekly(time.Monday, time.Wednesday)},
		{ID: "daily", StartDate: day(t, "2024-06-10"), EndDate: datePtr(t, "2024-06-14"), Recurrence: &model.Recurrence{Frequency: model.FrequencyDaily}},
		{ID: "once", StartDate: day(t, "2024-06-20")},
		{ID: "multi", StartDate: day(t, "2024-05-30"), EndDate: datePtr(t, "2024-06-02")},
		{ID: "skips", StartDate: day(t, "2024-06-03"), EndDate: datePtr(t, "2024-06-28"), Recurrence: weekly(time.Monday),
			ExcludedDates: []model.Date{day(t, "2024-06-10"), day(t, "2024-06-24")}},
	}
	from, to := day(t, "2024-06-01"), day(t, "2024-06-30")

	res, err := Expand(evs, ExpandConfig{DisplayLocation: manila, RangeStart: from, RangeEnd: to})
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]bool{}
	for _, occ := range res.Occurrences {
		got[occ.InstanceKey] = true
	}

	want := 0
	for d := from; !d.After(to); d = d.AddDays(1) {
		for _, ev := range evs {
			key := ev.ID + "@" + d.String()
			if OccursOn(ev, d) {
				want++
				if !got[key] {
					t.Errorf("missing occurrence %s", key)
				}
			} else if got[key] {
				t.Errorf("unexpected occurrence %s", key)
			}
		}
	}
	if len(res.Occurrences) != want {
		t.Errorf("got %d occurrences, want %d", len(res.Occurrences), want)
	}
	if got["skips@2024-06-10"] || !got["skips@2024-06-17"] {
		t.Errorf("excluded dates not honored: %v", got)
	}
}

func TestExpandTimes(t *testing.T) {
	start := model.TimeOfDay{Hour: 18, Minute: 30}
	late := model.TimeOfDay{Hour: 1}
	evs := []model.Event{
		{ID: "allday", StartDate: day(t, "2024-06-01")},
		{ID: "timed", StartDate: day(t, "2024-06-01"), StartTime: &start},
		{ID: "overnight", StartDate: day(t, "2024-06-01"), StartTime: &start, EndTime: &late},
	}
	res, err := Expand(evs, ExpandConfig{DisplayLocation: manila, RangeStart: day(t, "2024-06-01"), RangeEnd: day(t, "2024-06-01")})
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]model.Occurrence{}
	for _, o := range res.Occurrences {
		byID[o.EventID] = o
	}

	if o := byID["allday"]; !o.AllDay || o.End.Sub(o.Start) != 24*time.Hour {
		t.Errorf("allday = %+v", o)
	}
	if o := byID["timed"]; o.AllDay || o.End.Sub(o.Start) != time.Hour || o.Start.Hour() != 18 {
		t.Errorf("timed = %+v", o)
	}
	if o := byID["overnight"]; o.End.Sub(o.Start) != 6*time.Hour+30*time.Minute {
		t.Errorf("overnight duration = %s", o.End.Sub(o.Start))
	}
	if res.Occurrences[0].EventID != "allday" {
		t.Errorf("all-day occurrence should sort first, got %s", res.Occurrences[0].EventID)
	}
}

func TestExpandCap(t *testing.T) {
	evs := []model.Event{{ID: "daily", StartDate: day(t, "2024-01-01"), EndDate: datePtr(t, "2024-12-31"), Recurrence: &model.Recurrence{Frequency: model.FrequencyDaily}}}
	res, err := Expand(evs, ExpandConfig{RangeStart: day(t, "2024-01-01"), RangeEnd: day(t, "2024-12-31"), MaxOccurrencesPerEvent: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Occurrences) != 10 {
		t.Errorf("got %d occurrences, want 10", len(res.Occurrences))
	}
	if len(res.TruncatedEvents) != 1 || res.TruncatedEvents[0] != "daily" {
		t.Errorf("TruncatedEvents = %v", res.TruncatedEvents)
	}
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	if _, err := Expand(nil, ExpandConfig{RangeStart: day(t, "2024-06-02"), RangeEnd: day(t, "2024-06-01")}); err == nil {
		t.Error("expected error for inverted range")
	}
}
