package episodes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HerbHall/floorsight/internal/episodes/baseline"
	"github.com/HerbHall/floorsight/pkg/episode"
)

// serve routes a request through a mux built from Routes, the same way the
// server mounts plugin routes.
func serve(m *Module, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	for _, rt := range m.Routes() {
		mux.HandleFunc(rt.Method+" "+rt.Path, rt.Handler)
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func detectBody(venueID string, from, to time.Time) string {
	b, _ := json.Marshal(DetectRequest{VenueID: venueID, From: from, To: to})
	return string(b)
}

func TestHandleDetect(t *testing.T) {
	h := newHarness(t, nil, q1Baseline())

	rec := serve(h.m, "POST", "/detect", detectBody(venue, t0, t0.Add(30*time.Minute)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rec.Code, rec.Body)
	}
	var sl episode.Shortlist
	if err := json.NewDecoder(rec.Body).Decode(&sl); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sl.Episodes) != 1 || sl.Episodes[0].Type != episode.TypeQueueBuildupSpike {
		t.Errorf("episodes = %+v", sl.Episodes)
	}

	rec = serve(h.m, "GET", "/shortlists/"+venue, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET shortlist status = %d", rec.Code)
	}
	var latest episode.Shortlist
	if err := json.NewDecoder(rec.Body).Decode(&latest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if latest.RunID != sl.RunID {
		t.Errorf("latest run = %s, want %s", latest.RunID, sl.RunID)
	}
}

func TestHandleDetect_BadRequests(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"venue_id":`, http.StatusBadRequest},
		{"unknown field", `{"venue_id":"venue-1","window":"1h"}`, http.StatusBadRequest},
		{"missing venue", detectBody("", t0, t0.Add(time.Hour)), http.StatusBadRequest},
		{"inverted range", detectBody(venue, t0.Add(time.Hour), t0), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h.m, "POST", "/detect", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("Content-Type = %q", ct)
			}
			var p struct {
				Type string `json:"type"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
				t.Fatalf("decode problem: %v", err)
			}
			if p.Type != "https://floorsight.dev/problems/bad-request" {
				t.Errorf("problem type = %q", p.Type)
			}
		})
	}
}

func TestProblemType(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, "https://floorsight.dev/problems/bad-request"},
		{http.StatusNotFound, "https://floorsight.dev/problems/not-found"},
		{http.StatusBadGateway, "https://floorsight.dev/problems/bad-gateway"},
		{http.StatusServiceUnavailable, "https://floorsight.dev/problems/service-unavailable"},
		{http.StatusInternalServerError, "https://floorsight.dev/problems/internal-error"},
		{799, "https://floorsight.dev/problems/internal-error"},
	}
	for _, tt := range tests {
		if got := problemType(tt.status); got != tt.want {
			t.Errorf("problemType(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestHandleLatestShortlist_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	if rec := serve(h.m, "GET", "/shortlists/nowhere", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleBaselines(t *testing.T) {
	h := newHarness(t, nil, q1Baseline())

	rec := serve(h.m, "GET", "/baselines/"+venue, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var records []baseline.Record
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].ScopeID != "q1" {
		t.Errorf("records = %+v", records)
	}

	rec = serve(h.m, "GET", "/baselines/venue-2", "")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("unknown venue body = %s, want []", body)
	}
}

func TestHandleRefreshBaselines(t *testing.T) {
	h := newHarness(t, nil)

	rec := serve(h.m, "POST", "/baselines/"+venue+"/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp struct {
		VenueID string `json:"venue_id"`
		Series  int    `json:"series"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.VenueID != venue || resp.Series == 0 {
		t.Errorf("response = %+v", resp)
	}
}

func TestHandleKPIs(t *testing.T) {
	h := newHarness(t, nil)

	rec := serve(h.m, "GET", "/kpis", "")
	var kpis []string
	if err := json.NewDecoder(rec.Body).Decode(&kpis); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(kpis) == 0 {
		t.Fatal("no KPIs listed")
	}

	rec = serve(h.m, "GET", "/kpis/"+episode.KPIQueueWaitTime+"/types", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var types []episode.Type
	if err := json.NewDecoder(rec.Body).Decode(&types); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(types) == 0 || types[0] != episode.TypeQueueBuildupSpike {
		t.Errorf("types = %v", types)
	}

	if rec := serve(h.m, "GET", "/kpis/revenue/types", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown kpi status = %d, want 404", rec.Code)
	}
}
