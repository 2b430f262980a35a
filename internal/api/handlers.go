package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/cadence/internal/outreach"
	"github.com/kalambet/cadence/internal/sequence"
	"github.com/kalambet/cadence/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// SweepStatus reports the background sweep. Implemented by sweep.Worker.
type SweepStatus interface {
	Last() *sequence.Report
}

type AppDeps struct {
	Service *outreach.Service
	Token   string
	Sweep   SweepStatus // optional; nil when no background sweep runs
}

// NewAppHandler returns the outreach REST API. Everything except /health
// requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/cadences", handleListCadences(deps))
		r.Post("/sequences", handleStartSequence(deps))
		r.Get("/sequences/active", handleActiveSequences(deps))
		r.Get("/sequences/{contactID}", handleGetSequence(deps))
		r.Post("/sequences/{contactID}/stop", handleStopSequence(deps))
		r.Get("/touches/due", handleDueTouches(deps))
		r.Post("/touches/execute", handleExecuteTouches(deps))
		r.Post("/outcomes", handleRecordOutcome(deps))
		r.Get("/contacts/{contactID}/recommendation", handleRecommendation(deps))
		r.Get("/contacts/{contactID}/meeting-times", handleMeetingTimes(deps))
		r.Get("/contacts/{contactID}/activities", handleActivities(deps))
		r.Get("/insights", handleInsights(deps))
		r.Get("/learning/summary", handleLearningSummary(deps))
		r.Get("/activity/stats", handleActivityStats(deps))
		r.Get("/summary", handleSummary(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func contactParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "contactID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid contact id %q", raw)
		return 0, false
	}
	return id, true
}

func handleListCadences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Service.Cadences())
	}
}

type startSequenceRequest struct {
	ContactID int64  `json:"contact_id"`
	Cadence   string `json:"cadence"`
}

func handleStartSequence(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startSequenceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ContactID <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "contact_id is required")
			return
		}
		started, err := deps.Service.StartSequence(req.ContactID, req.Cadence)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, started)
	}
}

func handleActiveSequences(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seqs, err := deps.Service.ActiveSequences()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if seqs == nil {
			seqs = []storage.SequenceProgress{}
		}
		writeJSON(w, http.StatusOK, seqs)
	}
}

func handleGetSequence(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := contactParam(w, r)
		if !ok {
			return
		}
		view, err := deps.Service.GetSequence(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type stopSequenceRequest struct {
	Reason string `json:"reason"`
}

func handleStopSequence(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := contactParam(w, r)
		if !ok {
			return
		}
		var req stopSequenceRequest
		if !decodeBody(w, r, &req) {
			return
		}
		seq, err := deps.Service.StopSequence(id, req.Reason)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, seq)
	}
}

func handleDueTouches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		touches, err := deps.Service.DueTouches()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if touches == nil {
			touches = []storage.Touch{}
		}
		writeJSON(w, http.StatusOK, touches)
	}
}

type executeRequest struct {
	Mode string `json:"mode"`
}

func handleExecuteTouches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := executeRequest{Mode: string(sequence.ModeDryRun)}
		if !decodeBody(w, r, &req) {
			return
		}
		mode, err := sequence.ParseMode(req.Mode)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		rep, err := deps.Service.ExecuteDue(r.Context(), mode)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleRecordOutcome(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outreach.OutcomeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ContactID <= 0 || req.Outcome == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "contact_id and outcome are required")
			return
		}
		if req.VariantType == "" {
			req.VariantType = "email"
		}
		res, err := deps.Service.RecordOutcome(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleRecommendation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := contactParam(w, r)
		if !ok {
			return
		}
		if raw := r.URL.Query().Get("type"); raw != "" {
			vt, err := outreach.ParseTouchType(raw)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			rec, err := deps.Service.Recommend(r.Context(), id, vt)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rec)
			return
		}
		recs, err := deps.Service.ContactRecommendations(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleMeetingTimes(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := contactParam(w, r)
		if !ok {
			return
		}
		opts, err := deps.Service.MeetingTimes(r.Context(), id, parseIntParam(r, "n", 3, 3))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, opts)
	}
}

func handleActivities(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := contactParam(w, r)
		if !ok {
			return
		}
		acts, err := deps.Service.History(id, parseIntParam(r, "limit", 50, 500))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if acts == nil {
			acts = []storage.Activity{}
		}
		writeJSON(w, http.StatusOK, acts)
	}
}

func handleInsights(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ins, err := deps.Service.Insights(parseFloatParam(r, "min_confidence", 0.5))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if ins == nil {
			ins = []storage.Insight{}
		}
		writeJSON(w, http.StatusOK, ins)
	}
}

func handleLearningSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Service.LearningSummary()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}

func handleActivityStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Service.ActivityStats()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// SummaryResponse is the dashboard overview plus the last background sweep.
type SummaryResponse struct {
	storage.Summary
	LastSweep *sequence.Report `json:"last_sweep,omitempty"`
}

func handleSummary(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Service.Summary()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		resp := SummaryResponse{Summary: sum}
		if deps.Sweep != nil {
			resp.LastSweep = deps.Sweep.Last()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
