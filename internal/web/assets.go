package web

import (
	"encoding/json"
	"math"
	"net/http"
	"sync"

	"tourkita/internal/assets"
	"tourkita/internal/errs"
	appLog "tourkita/internal/log"
)

// assetResponse is the JSON response shape for /api/assets.
type assetResponse struct {
	Owner string       `json:"owner"`
	URL   string       `json:"url"`
	Path  string       `json:"path"`
	State assets.State `json:"state"`
}

// progressLine is one line of a streamed download (application/x-ndjson).
type progressLine struct {
	Progress float64      `json:"progress"`
	State    assets.State `json:"state,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func (s *Server) resolveAsset(w http.ResponseWriter, r *http.Request) (assetResponse, bool) {
	if s.deps.Assets == nil {
		writeErr(w, r, errs.New(errs.KindUnavailable, "api.assets", nil))
		return assetResponse{}, false
	}
	q := r.URL.Query()
	a := assetResponse{Owner: q.Get("owner"), URL: q.Get("url")}
	p, err := s.deps.Assets.ResolveLocalPath(a.Owner, a.URL)
	if err != nil {
		writeErr(w, r, err)
		return a, false
	}
	a.Path = p
	return a, true
}

// handleAssetStatus reports whether an asset is on disk.
//
// GET /api/assets?owner=Fort%20Santiago&url=https://.../model.glb
func (s *Server) handleAssetStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := s.resolveAsset(w, r)
	if !ok {
		return
	}
	st, err := s.deps.Assets.Status(a.Path)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	a.State = st
	writeJSON(w, http.StatusOK, a)
}

// handleAssetDownload downloads an asset unless it is already present and
// responds once the download ends. With ?stream=1 the response is
// newline-delimited JSON progress lines ending with the final state.
func (s *Server) handleAssetDownload(w http.ResponseWriter, r *http.Request) {
	a, ok := s.resolveAsset(w, r)
	if !ok {
		return
	}

	exists, err := s.deps.Assets.Exists(a.Path)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if exists {
		a.State = assets.StateDownloaded
		writeJSON(w, http.StatusOK, a)
		return
	}

	if r.URL.Query().Get("stream") == "1" {
		s.streamDownload(w, r, a)
		return
	}

	if err := s.deps.Assets.Download(r.Context(), a.URL, a.Path, nil); err != nil {
		writeErr(w, r, err)
		return
	}
	a.State = assets.StateDownloaded
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) streamDownload(w http.ResponseWriter, r *http.Request, a assetResponse) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)

	// Progress may be reported from the goroutine running a shared
	// download, even after Download has returned here.
	var mu sync.Mutex
	closed := false
	lastPct := -1
	write := func(line progressLine) {
		if err := enc.Encode(line); err != nil {
			return
		}
		_ = rc.Flush()
	}

	err := s.deps.Assets.Download(r.Context(), a.URL, a.Path, func(frac float64) {
		pct := int(math.Floor(frac * 100))
		mu.Lock()
		defer mu.Unlock()
		if closed || pct == lastPct {
			return
		}
		lastPct = pct
		write(progressLine{Progress: frac})
	})

	mu.Lock()
	defer mu.Unlock()
	closed = true
	if err != nil {
		appLog.Warn("asset stream download failed", "path", a.Path, "reason", err.Error())
		write(progressLine{State: assets.StateNotDownloaded, Error: err.Error()})
		return
	}
	write(progressLine{Progress: 1, State: assets.StateDownloaded})
}

// handleAssetDelete removes an asset. Deleting a missing asset succeeds.
func (s *Server) handleAssetDelete(w http.ResponseWriter, r *http.Request) {
	a, ok := s.resolveAsset(w, r)
	if !ok {
		return
	}
	if err := s.deps.Assets.Delete(a.Path); err != nil {
		writeErr(w, r, err)
		return
	}
	a.State = assets.StateNotDownloaded
	writeJSON(w, http.StatusOK, a)
}
