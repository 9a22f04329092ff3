package episodes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/pkg/plugin"
	"go.uber.org/zap"
)

// maxRequestBody bounds detection request bodies.
const maxRequestBody = 64 << 10

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/detect", Handler: m.handleDetect},
		{Method: "GET", Path: "/shortlists/{venue_id}", Handler: m.handleLatestShortlist},
		{Method: "GET", Path: "/baselines/{venue_id}", Handler: m.handleBaselines},
		{Method: "POST", Path: "/baselines/{venue_id}/refresh", Handler: m.handleRefreshBaselines},
		{Method: "GET", Path: "/kpis", Handler: m.handleListKPIs},
		{Method: "GET", Path: "/kpis/{kpi}/types", Handler: m.handleKPITypes},
	}
}

// DetectRequest is the body of POST /detect.
type DetectRequest struct {
	VenueID string    `json:"venue_id"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	TopN    int       `json:"top_n,omitempty"`
}

// handleDetect runs detection and ranking for a venue and time range.
//
//	@Summary		Detect episodes
//	@Description	Runs every detector over [from, to) and returns the ranked shortlist.
//	@Tags			episodes
//	@Accept			json
//	@Produce		json
//	@Param			request body DetectRequest true "Venue and time range"
//	@Success		200 {object} episode.Shortlist
//	@Failure		400 {object} map[string]any
//	@Failure		503 {object} map[string]any
//	@Router			/episodes/detect [post]
func (m *Module) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req DetectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sl, err := m.Detect(r.Context(), req.VenueID, req.From, req.To, req.TopN)
	switch {
	case errors.Is(err, ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "venue_id is required and from must precede to within max_range")
		return
	case errors.Is(err, ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		m.logger.Error("detection failed", zap.String("venue_id", req.VenueID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "detection failed")
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

// handleLatestShortlist returns the most recent stored shortlist for a venue.
//
//	@Summary		Latest shortlist
//	@Tags			episodes
//	@Produce		json
//	@Param			venue_id path string true "Venue ID"
//	@Success		200 {object} episode.Shortlist
//	@Failure		404 {object} map[string]any
//	@Router			/episodes/shortlists/{venue_id} [get]
func (m *Module) handleLatestShortlist(w http.ResponseWriter, r *http.Request) {
	venueID := r.PathValue("venue_id")
	if venueID == "" {
		writeError(w, http.StatusBadRequest, "venue_id is required")
		return
	}
	sl, err := m.LatestShortlist(r.Context(), venueID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load shortlist")
		return
	}
	if sl == nil {
		writeError(w, http.StatusNotFound, "no shortlist for venue "+venueID)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

func (m *Module) handleBaselines(w http.ResponseWriter, r *http.Request) {
	venueID := r.PathValue("venue_id")
	if venueID == "" {
		writeError(w, http.StatusBadRequest, "venue_id is required")
		return
	}
	records := []baseline.Record{}
	if m.baselines != nil {
		records = m.baselines.Records(venueID)
	}
	writeJSON(w, http.StatusOK, records)
}

// handleRefreshBaselines relearns one venue's baselines synchronously.
func (m *Module) handleRefreshBaselines(w http.ResponseWriter, r *http.Request) {
	venueID := r.PathValue("venue_id")
	n, err := m.RefreshBaselines(r.Context(), venueID)
	switch {
	case errors.Is(err, ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "venue_id is required")
		return
	case errors.Is(err, ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		m.logger.Warn("baseline refresh failed", zap.String("venue_id", venueID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "baseline refresh failed; existing baselines kept")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"venue_id": venueID,
		"series":   n,
	})
}

func (m *Module) handleListKPIs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.index.KPIs())
}

func (m *Module) handleKPITypes(w http.ResponseWriter, r *http.Request) {
	kpi := r.PathValue("kpi")
	types := m.index.Types(kpi)
	if len(types) == 0 {
		writeError(w, http.StatusNotFound, "unknown kpi "+kpi)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   problemType(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}

// problemType returns the problem type URI for status, e.g.
// ".../problems/bad-request". 500 maps to the server's internal-error type.
func problemType(status int) string {
	slug := "internal-error"
	if status != http.StatusInternalServerError {
		if text := http.StatusText(status); text != "" {
			slug = strings.ReplaceAll(strings.ToLower(text), " ", "-")
		}
	}
	return "https://floorsight.dev/problems/" + slug
}
