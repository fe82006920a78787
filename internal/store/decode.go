package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tourkita/internal/model"
)

var errNotJSON = errors.New("payload is not valid JSON")

// records returns the record list of a collection payload. Backends differ
// in envelope: a bare array, or an object wrapping it in "data",
// "documents" or "records".
func records(body []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, errNotJSON
	}
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root.Array(), nil
	}
	for _, key := range []string{"data", "documents", "records"} {
		if v := root.Get(key); v.IsArray() {
			return v.Array(), nil
		}
	}
	return nil, fmt.Errorf("no record array in payload")
}

// first returns the first path that exists in r.
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func str(r gjson.Result, paths ...string) string {
	return strings.TrimSpace(first(r, paths...).String())
}

func recordID(r gjson.Result) string {
	return str(r, "id", "_id", "uid")
}

func decodeLocation(r gjson.Result) (model.Location, error) {
	loc := model.Location{
		ID:      recordID(r),
		Name:    str(r, "name", "title"),
		Address: str(r, "address", "fullAddress", "full_address"),
	}
	if loc.ID == "" {
		return loc, model.ErrMissingID
	}
	return loc, nil
}

// decodeEvent maps one event record. The address is taken from the record's
// own text field when present, otherwise looked up through its location
// reference. Dates and times must parse; nothing is defaulted to "now".
// Timestamp dates are read as calendar days in tz.
func decodeEvent(r gjson.Result, locations map[string]model.Location, tz *time.Location) (model.Event, error) {
	ev := model.Event{
		ID:           recordID(r),
		Title:        str(r, "title", "name"),
		Description:  str(r, "description", "details"),
		ImageURL:     str(r, "imageUrl", "image_url", "image"),
		Address:      str(r, "address", "location.address"),
		OpenToPublic: first(r, "openToPublic", "open_to_public", "isPublic").Bool(),
	}

	if ev.Address == "" {
		if ref := str(r, "locationId", "location_id"); ref != "" {
			if loc, ok := locations[ref]; ok {
				ev.Address = loc.Address
				if ev.Address == "" {
					ev.Address = loc.Name
				}
			}
		}
	}

	start, err := model.ParseDateIn(str(r, "startDate", "start_date", "date"), tz)
	if err != nil {
		return ev, fmt.Errorf("event %s: start date: %w", ev.ID, err)
	}
	ev.StartDate = start

	if raw := str(r, "endDate", "end_date"); raw != "" {
		end, err := model.ParseDateIn(raw, tz)
		if err != nil {
			return ev, fmt.Errorf("event %s: end date: %w", ev.ID, err)
		}
		ev.EndDate = &end
	}

	if ev.StartTime, err = optionalTime(str(r, "startTime", "start_time")); err != nil {
		return ev, fmt.Errorf("event %s: start time: %w", ev.ID, err)
	}
	if ev.EndTime, err = optionalTime(str(r, "endTime", "end_time")); err != nil {
		return ev, fmt.Errorf("event %s: end time: %w", ev.ID, err)
	}

	if rec := r.Get("recurrence"); rec.IsObject() {
		recurrence, err := decodeRecurrence(rec)
		if err != nil {
			return ev, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		ev.Recurrence = recurrence
	}

	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}

func decodeRecurrence(rec gjson.Result) (*model.Recurrence, error) {
	freq, err := model.ParseFrequency(str(rec, "frequency", "freq"))
	if err != nil {
		return nil, err
	}
	out := &model.Recurrence{Frequency: freq}
	var days []string
	raw := first(rec, "daysOfWeek", "days_of_week", "days")
	if raw.Type == gjson.String {
		days = strings.Split(raw.String(), ",")
	} else {
		for _, d := range raw.Array() {
			days = append(days, d.String())
		}
	}
	for _, d := range days {
		wd, err := model.ParseWeekday(d)
		if err != nil {
			return nil, err
		}
		if !out.HasDay(wd) {
			out.DaysOfWeek = append(out.DaysOfWeek, wd)
		}
	}
	return out, nil
}

func optionalTime(s string) (*model.TimeOfDay, error) {
	if s == "" {
		return nil, nil
	}
	t, err := model.ParseTimeOfDay(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeMarker(r gjson.Result) (model.Marker, error) {
	m := model.Marker{
		ID:                 recordID(r),
		Name:               str(r, "name", "title"),
		Category:           strings.ToLower(str(r, "category", "type")),
		AccessibleRestroom: first(r, "accessibleRestroom", "accessible_restroom", "isAccessible", "accessible").Bool(),
		ARCapable:          first(r, "arCapable", "ar_capable", "hasAR", "ar").Bool(),
		ModelURL:           str(r, "modelUrl", "model_url", "model"),
		ImageURL:           str(r, "imageUrl", "image_url", "image"),
		VideoURL:           str(r, "videoUrl", "video_url", "video"),
	}

	lat := first(r, "latitude", "lat", "coordinates.latitude", "coordinates.lat")
	lng := first(r, "longitude", "lng", "lon", "coordinates.longitude", "coordinates.lng")
	if !lat.Exists() || !lng.Exists() {
		return m, fmt.Errorf("marker %s: %w: missing coordinates", m.ID, model.ErrInvalidCoordinate)
	}
	m.Latitude = lat.Float()
	m.Longitude = lng.Float()

	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

func decodeDocument(r gjson.Result) (model.Document, error) {
	doc := model.Document{
		ID:    recordID(r),
		Kind:  str(r, "kind", "type"),
		Title: str(r, "title", "name"),
		Body:  first(r, "body", "content", "text").String(),
	}
	if doc.ID == "" {
		return doc, model.ErrMissingID
	}
	if raw := str(r, "updatedAt", "updated_at"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			doc.UpdatedAt = t
		}
	}
	return doc, nil
}
