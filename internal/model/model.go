package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	UntitledEvent       = "Untitled Event"
	AddressNotAvailable = "Address not available"
)

// Frequency is the recurrence enum attached to an event.
type Frequency string

const (
	FrequencyOnce   Frequency = "once"
	FrequencyWeekly Frequency = "weekly"
	FrequencyDaily  Frequency = "daily"
)

// ParseFrequency accepts the enum values case-insensitively. An empty string
// means the event does not recur.
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToLower(strings.TrimSpace(s))) {
	case "", FrequencyOnce:
		return FrequencyOnce, nil
	case FrequencyWeekly:
		return FrequencyWeekly, nil
	case FrequencyDaily:
		return FrequencyDaily, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFrequency, s)
	}
}

var weekdayAbbrev = [...]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// WeekdayAbbrev returns the lowercase three-letter abbreviation ("mon").
func WeekdayAbbrev(w time.Weekday) string {
	return weekdayAbbrev[w]
}

// ParseWeekday maps "mon", "Mon", "monday" and friends to a time.Weekday.
func ParseWeekday(s string) (time.Weekday, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if len(v) >= 3 {
		for i, a := range weekdayAbbrev {
			if v[:3] == a && strings.HasPrefix(strings.ToLower(time.Weekday(i).String()), v) {
				return time.Weekday(i), nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidWeekday, s)
}

// Recurrence describes which calendar days an event applies to.
type Recurrence struct {
	Frequency  Frequency      `json:"frequency"`
	DaysOfWeek []time.Weekday `json:"-"`
}

// HasDay reports whether w is in the weekday set.
func (r Recurrence) HasDay(w time.Weekday) bool {
	for _, d := range r.DaysOfWeek {
		if d == w {
			return true
		}
	}
	return false
}

// DayAbbrevs returns the weekday set as abbreviations, in the stored order.
func (r Recurrence) DayAbbrevs() []string {
	out := make([]string, 0, len(r.DaysOfWeek))
	for _, d := range r.DaysOfWeek {
		out = append(out, WeekdayAbbrev(d))
	}
	return out
}

func (r Recurrence) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Frequency  Frequency `json:"frequency"`
		DaysOfWeek []string  `json:"days_of_week,omitempty"`
	}{r.Frequency, r.DayAbbrevs()})
}

// Event is a validated event record as read from the document store.
type Event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Address     string `json:"address"`

	StartDate Date  `json:"start_date"`
	EndDate   *Date `json:"end_date,omitempty"`

	StartTime *TimeOfDay `json:"start_time,omitempty"`
	EndTime   *TimeOfDay `json:"end_time,omitempty"`

	OpenToPublic bool        `json:"open_to_public"`
	Recurrence   *Recurrence `json:"recurrence,omitempty"`

	// ExcludedDates are days a recurring event skips (cancelled or moved
	// instances).
	ExcludedDates []Date `json:"excluded_dates,omitempty"`
}

// Excludes reports whether d is one of the event's excluded dates.
func (e Event) Excludes(d Date) bool {
	return slices.Contains(e.ExcludedDates, d)
}

// EffectiveEnd is EndDate, or StartDate when no end date was given.
func (e Event) EffectiveEnd() Date {
	if e.EndDate != nil {
		return *e.EndDate
	}
	return e.StartDate
}

// Frequency returns the recurrence frequency, FrequencyOnce when absent.
func (e Event) Frequency() Frequency {
	if e.Recurrence == nil || e.Recurrence.Frequency == "" {
		return FrequencyOnce
	}
	return e.Recurrence.Frequency
}

// DisplayTitle falls back to a placeholder for untitled records.
func (e Event) DisplayTitle() string {
	if strings.TrimSpace(e.Title) == "" {
		return UntitledEvent
	}
	return e.Title
}

func (e Event) DisplayAddress() string {
	if strings.TrimSpace(e.Address) == "" {
		return AddressNotAvailable
	}
	return e.Address
}

// Validate enforces the record shape at the ingestion boundary. Records that
// fail are rejected rather than patched with defaults.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrMissingID
	}
	if e.StartDate.IsZero() {
		return fmt.Errorf("event %s: %w: missing start date", e.ID, ErrInvalidDate)
	}
	if e.EffectiveEnd().Before(e.StartDate) {
		return fmt.Errorf("event %s: %w", e.ID, ErrEndBeforeStart)
	}
	if e.Recurrence != nil {
		switch e.Recurrence.Frequency {
		case FrequencyOnce, FrequencyDaily:
		case FrequencyWeekly:
			if len(e.Recurrence.DaysOfWeek) == 0 {
				return fmt.Errorf("event %s: %w", e.ID, ErrMissingWeekdays)
			}
		default:
			return fmt.Errorf("event %s: %w: %q", e.ID, ErrInvalidFrequency, e.Recurrence.Frequency)
		}
	}
	return nil
}

// Location is a separately stored place record that events may reference
// instead of carrying a free-text address.
type Location struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Marker categories used by the map view. Other category strings are kept
// verbatim.
const (
	CategoryLandmark = "landmark"
	CategoryRestroom = "restroom"
	CategoryEvent    = "event"
)

// Marker is a map pin.
type Marker struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	AccessibleRestroom bool `json:"accessible_restroom,omitempty"`
	ARCapable          bool `json:"ar_capable,omitempty"`

	ModelURL string `json:"model_url,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	VideoURL string `json:"video_url,omitempty"`
}

func (m Marker) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return ErrMissingID
	}
	if m.Latitude < -90 || m.Latitude > 90 || m.Longitude < -180 || m.Longitude > 180 {
		return fmt.Errorf("marker %s: %w", m.ID, ErrInvalidCoordinate)
	}
	return nil
}

// Document is a profile or legal text page (terms, privacy, about).
type Document struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Occurrence represents a single concrete instance of an event on one
// calendar day (after recurrence expansion).
type Occurrence struct {
	EventID string `json:"event_id"`

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event: "<event id>@<date>".
	InstanceKey string `json:"instance_key"`

	Title   string `json:"title"`
	Address string `json:"address"`
	Date    Date   `json:"date"`

	AllDay bool `json:"all_day"`

	// Start / End are in the configured display timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
