package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tourkita/internal/assets"
	"tourkita/internal/clock"
	"tourkita/internal/config"
	"tourkita/internal/errs"
	"tourkita/internal/events"
	"tourkita/internal/model"
	"tourkita/internal/session"
)

var manila = time.FixedZone("PHT", 8*60*60)

type fakeStore struct {
	events       []model.Event
	markers      []model.Marker
	docs         []model.Document
	eventCalls   atomic.Int32
	lastCategory atomic.Value
}

func (f *fakeStore) Events(context.Context) ([]model.Event, error) {
	f.eventCalls.Add(1)
	return f.events, nil
}

func (f *fakeStore) Markers(_ context.Context, category string) ([]model.Marker, error) {
	f.lastCategory.Store(category)
	return f.markers, nil
}

func (f *fakeStore) Document(_ context.Context, id string) (model.Document, error) {
	for _, d := range f.docs {
		if d.ID == id || d.Kind == id {
			return d, nil
		}
	}
	return model.Document{}, errs.NotFound("fake.document", fmt.Errorf("document %q", id))
}

func mustDate(t *testing.T, s string) model.Date {
	t.Helper()
	d, err := model.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func testEvents(t *testing.T) []model.Event {
	end := mustDate(t, "2024-12-31")
	nine := model.TimeOfDay{Hour: 9}
	return []model.Event{
		{ID: "e1", Title: "Pasinaya", StartDate: mustDate(t, "2024-06-01"), OpenToPublic: true},
		{ID: "e2", Title: "Walking Tour", StartDate: mustDate(t, "2024-06-01"), EndDate: &end, StartTime: &nine,
			Recurrence: &model.Recurrence{Frequency: model.FrequencyWeekly, DaysOfWeek: []time.Weekday{time.Monday, time.Wednesday}}},
		{ID: "e3", StartDate: mustDate(t, "2024-06-02")},
	}
}

type harness struct {
	srv   *Server
	store *fakeStore
	cfg   *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Session.JWTSecret = "web-secret"

	st := &fakeStore{
		events: testEvents(t),
		markers: []model.Marker{
			{ID: "m1", Name: "Plaza Roma CR", Category: model.CategoryRestroom, Latitude: 14.59, Longitude: 120.97},
		},
		docs: []model.Document{{ID: "d1", Kind: "terms", Title: "Terms", Body: "Be nice."}},
	}
	// 2024-06-01 10:00 in Manila.
	fixed := clock.NewFixed(time.Date(2024, 6, 1, 2, 0, 0, 0, time.UTC))
	srv := NewServer(cfg, Deps{
		Store:    st,
		Filter:   events.NewFilter(fixed, manila),
		Assets:   assets.NewCache(filepath.Join(t.TempDir(), "assets"), assets.Options{InitialBackoff: time.Millisecond}),
		Sessions: session.NewStore(),
		Location: manila,
	})
	return &harness{srv: srv, store: st, cfg: cfg}
}

func (h *harness) do(t *testing.T, method, target string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

type eventsBody struct {
	Date   string `json:"date"`
	Label  string `json:"label"`
	Events []struct {
		ID             string `json:"id"`
		DisplayTitle   string `json:"display_title"`
		DisplayAddress string `json:"display_address"`
		Label          string `json:"label"`
	} `json:"events"`
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
	if _, err := uuid.Parse(rec.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("missing request id: %v", err)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()
	rec := h.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": id})
	if rec.Header().Get("X-Request-ID") != id {
		t.Errorf("request id = %q, want %q", rec.Header().Get("X-Request-ID"), id)
	}
	rec = h.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "not-a-uuid"})
	if rec.Header().Get("X-Request-ID") == "not-a-uuid" {
		t.Error("malformed request id should be replaced")
	}
}

func TestBasicAuth(t *testing.T) {
	h := newHarness(t)
	h.cfg.BasicAuth = &config.BasicAuthConfig{Username: "guide", Password: "pw"}

	if rec := h.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("/health should skip auth, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/markers", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/markers", nil)
	req.SetBasicAuth("guide", "pw")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authenticated = %d", rec.Code)
	}
}

func TestEventsForDay(t *testing.T) {
	h := newHarness(t)

	body := decode[eventsBody](t, h.do(t, http.MethodGet, "/api/events?date=2024-06-01", nil, nil))
	if len(body.Events) != 1 || body.Events[0].ID != "e1" || body.Events[0].Label != events.LabelToday {
		t.Fatalf("2024-06-01 = %+v", body)
	}
	if body.Events[0].DisplayAddress != model.AddressNotAvailable {
		t.Errorf("display address = %q", body.Events[0].DisplayAddress)
	}

	body = decode[eventsBody](t, h.do(t, http.MethodGet, "/api/events?date=2024-06-05", nil, nil))
	if len(body.Events) != 1 || body.Events[0].ID != "e2" || body.Events[0].Label != "" {
		t.Errorf("Wednesday 2024-06-05 = %+v", body)
	}

	body = decode[eventsBody](t, h.do(t, http.MethodGet, "/api/events?date=2024-06-04", nil, nil))
	if len(body.Events) != 0 {
		t.Errorf("Tuesday should be empty: %+v", body)
	}

	body = decode[eventsBody](t, h.do(t, http.MethodGet, "/api/events", nil, nil))
	if body.Date != "2024-06-01" {
		t.Errorf("default date = %q", body.Date)
	}

	if rec := h.do(t, http.MethodGet, "/api/events?date=June+1", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d", rec.Code)
	}

	if n := h.store.eventCalls.Load(); n != 1 {
		t.Errorf("store hit %d times, want 1 (cached)", n)
	}
	h.srv.InvalidateEvents()
	h.do(t, http.MethodGet, "/api/events", nil, nil)
	if n := h.store.eventCalls.Load(); n != 2 {
		t.Errorf("store hit %d times after invalidation, want 2", n)
	}
}

func TestHappening(t *testing.T) {
	h := newHarness(t)
	body := decode[struct {
		Today     string `json:"today"`
		Happening []struct {
			Date  string `json:"date"`
			Label string `json:"label"`
			Event struct {
				ID           string `json:"id"`
				DisplayTitle string `json:"display_title"`
			} `json:"event"`
		} `json:"happening"`
	}](t, h.do(t, http.MethodGet, "/api/events/happening", nil, nil))

	if body.Today != "2024-06-01" || len(body.Happening) != 2 {
		t.Fatalf("happening = %+v", body)
	}
	if body.Happening[0].Event.ID != "e1" || body.Happening[0].Label != events.LabelToday {
		t.Errorf("first = %+v", body.Happening[0])
	}
	if body.Happening[1].Event.ID != "e3" || body.Happening[1].Label != events.LabelTomorrow || body.Happening[1].Event.DisplayTitle != model.UntitledEvent {
		t.Errorf("second = %+v", body.Happening[1])
	}
}

func TestCalendar(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/calendar?from=2024-06-01&to=2024-06-07", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[struct {
		From        string `json:"from"`
		To          string `json:"to"`
		Occurrences []struct {
			EventID string `json:"event_id"`
			Date    string `json:"date"`
		} `json:"occurrences"`
	}](t, rec)

	// e1 on 06-01, e3 on 06-02, e2 on Mon 06-03 and Wed 06-05.
	got := map[string]string{}
	for _, o := range body.Occurrences {
		got[o.EventID+"@"+o.Date] = o.Date
	}
	for _, want := range []string{"e1@2024-06-01", "e3@2024-06-02", "e2@2024-06-03", "e2@2024-06-05"} {
		if _, ok := got[want]; !ok {
			t.Errorf("missing occurrence %s in %v", want, got)
		}
	}
	if len(body.Occurrences) != 4 {
		t.Errorf("got %d occurrences, want 4", len(body.Occurrences))
	}

	for _, q := range []string{"from=2024-06-07&to=2024-06-01", "from=2024-01-01&to=2026-01-01", "from=bad"} {
		if rec := h.do(t, http.MethodGet, "/api/calendar?"+q, nil, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d", q, rec.Code)
		}
	}
}

func TestCalendarICS(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/calendar.ics", nil, nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar") {
		t.Fatalf("status %d, type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	for _, want := range []string{"BEGIN:VCALENDAR", "SUMMARY:Walking Tour", "RRULE:FREQ=WEEKLY"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("ics missing %q", want)
		}
	}
}

func TestMarkersAndDocuments(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/markers?category=restroom", nil, nil)
	body := decode[struct {
		Markers []model.Marker `json:"markers"`
	}](t, rec)
	if len(body.Markers) != 1 || h.store.lastCategory.Load() != "restroom" {
		t.Errorf("markers = %+v (category %v)", body.Markers, h.store.lastCategory.Load())
	}

	doc := decode[model.Document](t, h.do(t, http.MethodGet, "/api/documents/terms", nil, nil))
	if doc.ID != "d1" || doc.Body != "Be nice." {
		t.Errorf("document = %+v", doc)
	}
	if rec := h.do(t, http.MethodGet, "/api/documents/nope", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing document status = %d", rec.Code)
	}
}

func TestAssetsLifecycle(t *testing.T) {
	h := newHarness(t)
	payload := bytes.Repeat([]byte("glb"), 4096)
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "church.glb", time.Time{}, bytes.NewReader(payload))
	}))
	defer cdn.Close()

	target := "/api/assets?" + url.Values{"owner": {"St. Augustine Church!"}, "url": {cdn.URL + "/m/church.glb?v=2"}}.Encode()
	state := func(rec *httptest.ResponseRecorder) assets.State {
		t.Helper()
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		return decode[assetResponse](t, rec).State
	}

	if st := state(h.do(t, http.MethodGet, target, nil, nil)); st != assets.StateNotDownloaded {
		t.Fatalf("initial state = %s", st)
	}
	rec := h.do(t, http.MethodPost, target, nil, nil)
	a := decode[assetResponse](t, rec)
	if a.State != assets.StateDownloaded || filepath.Base(filepath.Dir(a.Path)) != "St_Augustine_Church_" || filepath.Base(a.Path) != "church.glb" {
		t.Fatalf("download = %+v", a)
	}
	if st := state(h.do(t, http.MethodGet, target, nil, nil)); st != assets.StateDownloaded {
		t.Errorf("state after download = %s", st)
	}
	if st := state(h.do(t, http.MethodDelete, target, nil, nil)); st != assets.StateNotDownloaded {
		t.Errorf("state after delete = %s", st)
	}
	if st := state(h.do(t, http.MethodDelete, target, nil, nil)); st != assets.StateNotDownloaded {
		t.Errorf("second delete = %s", st)
	}

	if rec := h.do(t, http.MethodGet, "/api/assets?owner=!!!&url=x", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid asset status = %d", rec.Code)
	}
}

func TestAssetDownloadStream(t *testing.T) {
	h := newHarness(t)
	payload := bytes.Repeat([]byte{7}, 64<<10)
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "v.mp4", time.Time{}, bytes.NewReader(payload))
	}))
	defer cdn.Close()

	target := "/api/assets?stream=1&" + url.Values{"owner": {"Fort Santiago"}, "url": {cdn.URL + "/v.mp4"}}.Encode()
	rec := h.do(t, http.MethodPost, target, nil, nil)
	if rec.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("content type = %q", rec.Header().Get("Content-Type"))
	}

	var lines []progressLine
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		var l progressLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		lines = append(lines, l)
	}
	if len(lines) < 2 {
		t.Fatalf("expected progress and final lines, got %v", lines)
	}
	last := lines[len(lines)-1]
	if last.State != assets.StateDownloaded || last.Progress != 1 {
		t.Errorf("final line = %+v", last)
	}
}

func TestAssetDownloadFailure(t *testing.T) {
	h := newHarness(t)
	cdn := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer cdn.Close()

	target := "/api/assets?" + url.Values{"owner": {"Fort"}, "url": {cdn.URL + "/gone.glb"}}.Encode()
	if rec := h.do(t, http.MethodPost, target, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
	if st := decode[assetResponse](t, h.do(t, http.MethodGet, target, nil, nil)).State; st != assets.StateNotDownloaded {
		t.Errorf("state after failure = %s", st)
	}
}

func TestSessionFlow(t *testing.T) {
	h := newHarness(t)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Email:            "juan@example.com",
	}).SignedString([]byte(h.cfg.Session.JWTSecret))
	if err != nil {
		t.Fatal(err)
	}

	type sessionBody struct {
		SignedIn bool            `json:"signed_in"`
		Session  session.Session `json:"session"`
		Name     string          `json:"name"`
	}

	if b := decode[sessionBody](t, h.do(t, http.MethodGet, "/api/session", nil, nil)); b.SignedIn {
		t.Fatal("should start signed out")
	}
	if rec := h.do(t, http.MethodPost, "/api/session", nil, map[string]string{"Authorization": "Bearer nope"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPatch, "/api/session", []byte(`{"display_name":"X"}`), nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("update while signed out = %d", rec.Code)
	}

	b := decode[sessionBody](t, h.do(t, http.MethodPost, "/api/session", []byte(`{"access_token":"`+tok+`"}`), nil))
	if !b.SignedIn || b.Session.UserID != "u-1" || b.Name != "juan@example.com" {
		t.Fatalf("sign in = %+v", b)
	}
	if b := decode[sessionBody](t, h.do(t, http.MethodGet, "/api/session", nil, nil)); !b.SignedIn {
		t.Error("GET after sign in should be signed in")
	}

	b = decode[sessionBody](t, h.do(t, http.MethodPatch, "/api/session", []byte(`{"display_name":"Juan"}`), nil))
	if b.Name != "Juan" || b.Session.Email != "juan@example.com" {
		t.Errorf("update = %+v", b)
	}

	b = decode[sessionBody](t, h.do(t, http.MethodDelete, "/api/session", nil, nil))
	if b.SignedIn || b.Session.UserID != "" {
		t.Errorf("sign out = %+v", b)
	}
}

func TestSessionSignInBehindBasicAuth(t *testing.T) {
	h := newHarness(t)
	h.cfg.BasicAuth = &config.BasicAuthConfig{Username: "guide", Password: "pw"}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, session.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-2", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(h.cfg.Session.JWTSecret))
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"access_token":"`+tok+`"}`))
	req.SetBasicAuth("guide", "pw")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign in behind basic auth = %d %s", rec.Code, rec.Body.String())
	}
	b := decode[struct {
		SignedIn bool            `json:"signed_in"`
		Session  session.Session `json:"session"`
	}](t, rec)
	if !b.SignedIn || b.Session.UserID != "u-2" {
		t.Errorf("session = %+v", b)
	}
}
