package web

import (
	"fmt"
	"net/http"
	"time"

	"tourkita/internal/errs"
	"tourkita/internal/events"
	"tourkita/internal/ics"
	appLog "tourkita/internal/log"
	"tourkita/internal/model"
)

const (
	defaultCalendarDays = 30
	maxCalendarDays     = 366
)

// eventDTO is an event as shown in lists: placeholders applied and the
// relevance label attached.
type eventDTO struct {
	model.Event
	DisplayTitle   string `json:"display_title"`
	DisplayAddress string `json:"display_address"`
	Label          string `json:"label,omitempty"`
}

func toEventDTO(ev model.Event, label string) eventDTO {
	return eventDTO{
		Event:          ev,
		DisplayTitle:   ev.DisplayTitle(),
		DisplayAddress: ev.DisplayAddress(),
		Label:          label,
	}
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Date   model.Date `json:"date"`
	Label  string     `json:"label,omitempty"`
	Events []eventDTO `json:"events"`
}

// handleEvents returns the events that apply on one day.
//
// GET /api/events?date=2024-06-01
//   - date: reference day (default: today in the display timezone)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ref := s.deps.Filter.Today()
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			writeErr(w, r, errs.Invalid("api.events", err))
			return
		}
		ref = d
	}

	evs, err := s.loadEvents(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := eventsResponse{Date: ref, Events: make([]eventDTO, 0)}
	for _, ev := range evs {
		d := s.deps.Filter.Check(ev, ref)
		if !d.Include {
			continue
		}
		resp.Label = d.Label
		resp.Events = append(resp.Events, toEventDTO(ev, d.Label))
	}

	appLog.Debug("api events request", "date", ref.String(), "total", len(evs), "included", len(resp.Events))
	writeJSON(w, http.StatusOK, resp)
}

// happeningDTO is one entry of the "happening now" list.
type happeningDTO struct {
	Event eventDTO   `json:"event"`
	Date  model.Date `json:"date"`
	Label string     `json:"label"`
}

// handleHappening returns the events that apply today or tomorrow.
func (s *Server) handleHappening(w http.ResponseWriter, r *http.Request) {
	evs, err := s.loadEvents(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}

	list := s.deps.Filter.Happening(evs)
	out := make([]happeningDTO, 0, len(list))
	for _, h := range list {
		out = append(out, happeningDTO{
			Event: toEventDTO(h.Event, h.Label),
			Date:  h.Date,
			Label: h.Label,
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Today     model.Date     `json:"today"`
		Happening []happeningDTO `json:"happening"`
	}{s.deps.Filter.Today(), out})
}

// calendarResponse is the JSON response shape for /api/calendar.
type calendarResponse struct {
	From            model.Date         `json:"from"`
	To              model.Date         `json:"to"`
	DisplayTimeZone string             `json:"display_timezone"`
	Occurrences     []model.Occurrence `json:"occurrences"`
	TruncatedEvents []string           `json:"truncated_events,omitempty"`
}

// handleCalendar returns per-day occurrences within a window.
//
// GET /api/calendar?from=2024-06-01&to=2024-06-30
//   - from: first day (default today)
//   - to:   last day, inclusive (default from + 30 days, at most 366 days)
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	const op = "api.calendar"
	from, to, err := s.calendarRange(r)
	if err != nil {
		writeErr(w, r, errs.Invalid(op, err))
		return
	}

	evs, err := s.loadEvents(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}

	res, err := events.Expand(evs, events.ExpandConfig{
		DisplayLocation:        s.deps.Location,
		RangeStart:             from,
		RangeEnd:               to,
		MaxOccurrencesPerEvent: s.cfg.MaxOccurrencesPerEvent,
	})
	if err != nil {
		writeErr(w, r, errs.Invalid(op, err))
		return
	}
	if len(res.TruncatedEvents) > 0 {
		appLog.Warn("calendar expansion truncated", "events", len(res.TruncatedEvents), "from", from.String(), "to", to.String())
	}

	writeJSON(w, http.StatusOK, calendarResponse{
		From:            from,
		To:              to,
		DisplayTimeZone: s.deps.Location.String(),
		Occurrences:     res.Occurrences,
		TruncatedEvents: res.TruncatedEvents,
	})
}

func (s *Server) calendarRange(r *http.Request) (model.Date, model.Date, error) {
	q := r.URL.Query()

	from := s.deps.Filter.Today()
	if raw := q.Get("from"); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			return from, from, fmt.Errorf("from: %w", err)
		}
		from = d
	}

	to := from.AddDays(parseIntDefault(q.Get("days"), defaultCalendarDays))
	if raw := q.Get("to"); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			return from, to, fmt.Errorf("to: %w", err)
		}
		to = d
	}

	if to.Before(from) {
		return from, to, fmt.Errorf("to %s is before from %s", to, from)
	}
	if from.AddDays(maxCalendarDays).Before(to) {
		return from, to, fmt.Errorf("range exceeds %d days", maxCalendarDays)
	}
	return from, to, nil
}

// handleCalendarICS exports all events as a subscribable ICS calendar.
func (s *Server) handleCalendarICS(w http.ResponseWriter, r *http.Request) {
	evs, err := s.loadEvents(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}

	body := ics.Export(evs, s.deps.Location, time.Now())
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="tourkita.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// handleMarkers returns map markers, optionally of one category.
//
// GET /api/markers?category=restroom
func (s *Server) handleMarkers(w http.ResponseWriter, r *http.Request) {
	markers, err := s.deps.Store.Markers(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Markers []model.Marker `json:"markers"`
	}{markers})
}

// handleDocument returns one profile or legal document by ID or kind.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Store.Document(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
