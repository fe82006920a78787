// Package store reads the hosted backend's collections (events, markers,
// locations, documents) and extra ICS feeds, validating every record at the
// boundary.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"tourkita/internal/errs"
	"tourkita/internal/ics"
	appLog "tourkita/internal/log"
	"tourkita/internal/model"
)

// Collection names on the backend.
const (
	CollectionEvents    = "events"
	CollectionMarkers   = "markers"
	CollectionLocations = "locations"
	CollectionDocuments = "documents"
)

// Collections lists every collection Refresh warms.
var Collections = []string{CollectionEvents, CollectionMarkers, CollectionLocations, CollectionDocuments}

// Client reads records from the backend through a Fetcher.
type Client struct {
	baseURL string
	fetcher *Fetcher
	feeds   []Source
	loc     *time.Location
}

// NewClient builds a Client. baseURL may be empty when only ICS feeds are
// used. loc places timed ICS events on calendar days.
func NewClient(baseURL string, f *Fetcher, feeds []Source, loc *time.Location) *Client {
	if loc == nil {
		loc = time.Local
	}
	checked := make([]Source, len(feeds))
	for i, f := range feeds {
		if f.Check == nil {
			f.Check = checkCalendar
		}
		checked[i] = f
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: f,
		feeds:   checked,
		loc:     loc,
	}
}

// AuthHeaders builds the request headers the backend expects: the project
// API key both as "apikey" and as a bearer token.
func AuthHeaders(apiKey string) http.Header {
	h := http.Header{}
	if apiKey != "" {
		h.Set("apikey", apiKey)
		h.Set("Authorization", "Bearer "+apiKey)
	}
	return h
}

func (c *Client) source(collection string) Source {
	return Source{ID: collection, URL: c.baseURL + "/" + collection, Check: checkRecords}
}

func checkRecords(body []byte) error {
	_, err := records(body)
	return err
}

func checkCalendar(body []byte) error {
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		return errors.New("payload is not an ICS calendar")
	}
	return nil
}

func (c *Client) fetchRecords(ctx context.Context, collection string) ([]gjson.Result, error) {
	if c.baseURL == "" {
		return nil, errs.New(errs.KindUnavailable, "store."+collection, errors.New("store base URL is not configured"))
	}
	res, err := c.fetcher.FetchOne(ctx, c.source(collection))
	if err != nil {
		return nil, err
	}
	recs, err := records(res.Body)
	if err != nil {
		return nil, errs.Invalid("store."+collection, err)
	}
	return recs, nil
}

// Locations returns location records keyed by ID.
func (c *Client) Locations(ctx context.Context) (map[string]model.Location, error) {
	recs, err := c.fetchRecords(ctx, CollectionLocations)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.Location, len(recs))
	for _, r := range recs {
		loc, err := decodeLocation(r)
		if err != nil {
			appLog.Warn("location record rejected", "reason", err.Error())
			continue
		}
		out[loc.ID] = loc
	}
	return out, nil
}

// Events returns every valid event from the events collection and the
// configured ICS feeds. Invalid records are logged and dropped. An error is
// returned only when no source produced anything.
func (c *Client) Events(ctx context.Context) ([]model.Event, error) {
	out := make([]model.Event, 0)
	var failures []error
	sourcesOK := 0

	if c.baseURL != "" {
		locations, err := c.Locations(ctx)
		if err != nil {
			// Addresses fall back to the record's own text field.
			appLog.Warn("locations unavailable for address lookup", "reason", err.Error())
		}

		recs, err := c.fetchRecords(ctx, CollectionEvents)
		if err != nil {
			failures = append(failures, err)
		} else {
			sourcesOK++
			for _, r := range recs {
				ev, err := decodeEvent(r, locations, c.loc)
				if err != nil {
					appLog.Warn("event record rejected", "id", recordID(r), "reason", err.Error())
					continue
				}
				out = append(out, ev)
			}
		}
	}

	if len(c.feeds) > 0 {
		results, feedErrs := c.fetcher.FetchAll(ctx, c.feeds)
		failures = append(failures, feedErrs...)
		for _, res := range results {
			evs, err := ics.ParseEvents(res.Source.ID, res.Body, c.loc)
			if err != nil {
				failures = append(failures, fmt.Errorf("feed %s: %w", res.Source.ID, err))
				continue
			}
			sourcesOK++
			out = append(out, evs...)
		}
	}

	if sourcesOK == 0 && len(failures) > 0 {
		return nil, errors.Join(failures...)
	}
	if c.baseURL == "" && len(c.feeds) == 0 {
		return nil, errs.New(errs.KindUnavailable, "store.events", errors.New("no event sources configured"))
	}
	return out, nil
}

// Markers returns valid markers, optionally restricted to one category
// (case-insensitive). The collection is fetched wholesale and filtered
// locally so every category shares one cache entry.
func (c *Client) Markers(ctx context.Context, category string) ([]model.Marker, error) {
	recs, err := c.fetchRecords(ctx, CollectionMarkers)
	if err != nil {
		return nil, err
	}
	category = strings.ToLower(strings.TrimSpace(category))

	out := make([]model.Marker, 0, len(recs))
	for _, r := range recs {
		m, err := decodeMarker(r)
		if err != nil {
			appLog.Warn("marker record rejected", "id", recordID(r), "reason", err.Error())
			continue
		}
		if category != "" && m.Category != category {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Documents returns all profile/legal documents.
func (c *Client) Documents(ctx context.Context) ([]model.Document, error) {
	recs, err := c.fetchRecords(ctx, CollectionDocuments)
	if err != nil {
		return nil, err
	}
	out := make([]model.Document, 0, len(recs))
	for _, r := range recs {
		doc, err := decodeDocument(r)
		if err != nil {
			appLog.Warn("document record rejected", "reason", err.Error())
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}

// Document returns the document with the given ID or kind ("terms",
// "privacy").
func (c *Client) Document(ctx context.Context, id string) (model.Document, error) {
	docs, err := c.Documents(ctx)
	if err != nil {
		return model.Document{}, err
	}
	for _, d := range docs {
		if d.ID == id {
			return d, nil
		}
	}
	for _, d := range docs {
		if d.Kind != "" && strings.EqualFold(d.Kind, id) {
			return d, nil
		}
	}
	return model.Document{}, errs.NotFound("store.document", fmt.Errorf("document %q", id))
}

// Refresh fetches every collection and feed so the local cache holds a
// fresh copy for offline use. It returns the joined per-source errors.
func (c *Client) Refresh(ctx context.Context) error {
	sources := make([]Source, 0, len(Collections)+len(c.feeds))
	if c.baseURL != "" {
		for _, col := range Collections {
			sources = append(sources, c.source(col))
		}
	}
	sources = append(sources, c.feeds...)

	results, failures := c.fetcher.FetchAll(ctx, sources)
	fromCache := 0
	for _, r := range results {
		if r.FromCache {
			fromCache++
		}
	}
	appLog.Info("store refresh completed", "sources", len(sources), "ok", len(results), "from_cache", fromCache, "failed", len(failures))
	return errors.Join(failures...)
}
