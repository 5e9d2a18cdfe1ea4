package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"medtrack/m/domain"
	"medtrack/m/internal/platform/logger"
	"medtrack/m/internal/report"
	"medtrack/m/internal/store"
	"medtrack/m/internal/syncer"
	"medtrack/m/internal/worklist"
)

// Prober reports whether the spreadsheet endpoint is reachable.
type Prober interface {
	Online(ctx context.Context) bool
}

// Deps are the collaborators the handlers use.
type Deps struct {
	Store    store.Repository
	List     *worklist.List
	Syncer   *syncer.Coordinator
	Prober   Prober
	Location *time.Location
	Logger   logger.Logger

	// WS serves /ws when set.
	WS          http.Handler
	CORSOrigins []string
}

// Handler bundles dependencies for HTTP handlers.
type Handler struct {
	store  store.Repository
	list   *worklist.List
	syncer *syncer.Coordinator
	prober Prober
	loc    *time.Location
	log    logger.Logger
	ws     http.Handler
	cors   []string
	now    func() time.Time
}

// New constructs a Handler.
func New(d Deps) *Handler {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	return &Handler{
		store:  d.Store,
		list:   d.List,
		syncer: d.Syncer,
		prober: d.Prober,
		loc:    d.Location,
		log:    d.Logger.With(logger.Fields{"component": "api"}),
		ws:     d.WS,
		cors:   d.CORSOrigins,
		now:    time.Now,
	}
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cors,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Get("/diagnoses", h.listDiagnoses)

	r.Route("/records", func(r chi.Router) {
		r.Post("/", h.createRecord)
		r.Get("/", h.listRecords)
		r.Get("/{id}", h.getRecord)
		r.Delete("/{id}", h.deleteRecord)
	})

	r.Post("/sync", h.syncAll)
	r.Get("/stats", h.stats)
	r.Get("/dashboard", h.dashboard)
	r.Get("/export.csv", h.exportCSV)
	r.Get("/connectivity", h.connectivity)

	if h.ws != nil {
		r.Get("/ws", h.ws.ServeHTTP)
	}
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listDiagnoses(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"diagnoses":   domain.Diagnoses(),
		"genders":     domain.Genders,
		"frequencies": domain.Frequencies,
	})
}

// Records

type createResponse struct {
	Record  domain.Dispensation `json:"record"`
	Synced  bool                `json:"synced"`
	Message string              `json:"message"`
}

// createRequest is the submission body. Clients may send the total they
// computed; it is ignored and derived from the quantities instead.
type createRequest struct {
	domain.Form
	TotalAmount *float64 `json:"totalAmount,omitempty"`
}

func (h *Handler) createRecord(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	form := req.Form
	if err := form.Validate(); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, verr.Message)
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.Create(r.Context(), form.Dispensation(h.now()))
	if err != nil {
		h.log.Error("create record", logger.Fields{"error": err})
		respondError(w, http.StatusInternalServerError, "Failed to submit record")
		return
	}
	h.list.Invalidate()

	resp := createResponse{Record: rec, Message: "Record saved locally. Will sync when online"}
	if h.prober != nil && h.prober.Online(r.Context()) {
		if h.syncer.SyncRecord(r.Context(), rec) {
			resp.Synced = true
			resp.Message = "Record synced to Google Sheets"
			if fresh, err := h.store.Get(r.Context(), rec.ID); err == nil {
				resp.Record = fresh
			}
		} else {
			resp.Message = "Record saved locally. Will sync when possible"
		}
	}
	if err := h.list.Reload(r.Context()); err != nil {
		h.log.Warn("reload after create", logger.Fields{"error": err})
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.list.Records(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load records")
		return
	}
	q := r.URL.Query()
	respondJSON(w, http.StatusOK, report.Apply(records, report.Filter{
		Status: q.Get("status"),
		Query:  q.Get("q"),
	}))
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to load record")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := h.list.Remove(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found")
			return
		}
		h.log.Error("delete record", logger.Fields{"record_id": id, "error": err})
		respondError(w, http.StatusInternalServerError, "Failed to delete record")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "Record deleted successfully"})
}

func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid record id")
		return 0, false
	}
	return id, true
}

// Sync

type syncResponse struct {
	syncer.Outcome
	Message string `json:"message"`
}

func (h *Handler) syncAll(w http.ResponseWriter, r *http.Request) {
	out, err := h.syncer.SyncAll(r.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		h.log.Error("sync all", logger.Fields{"error": err})
		respondError(w, http.StatusInternalServerError, "Failed to sync records")
		return
	}
	respondJSON(w, http.StatusOK, syncResponse{Outcome: out, Message: out.Message()})
}

func (h *Handler) connectivity(w http.ResponseWriter, r *http.Request) {
	online := h.prober != nil && h.prober.Online(r.Context())
	respondJSON(w, http.StatusOK, map[string]bool{"online": online})
}

// Reports

type statsResponse struct {
	report.Stats
	PendingCount int `json:"pendingCount"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	records, err := h.list.Records(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load records")
		return
	}
	pending, err := h.store.CountPending(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to count pending records")
		return
	}
	respondJSON(w, http.StatusOK, statsResponse{Stats: report.Summarize(records), PendingCount: pending})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	records, err := h.list.Records(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load records")
		return
	}
	respondJSON(w, http.StatusOK, report.Dashboard(records))
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	records, err := h.list.Records(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load records")
		return
	}
	if len(records) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, records, h.loc); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to build export")
		return
	}
	filename := report.Filename(h.now())
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(filename))
	_, _ = w.Write(buf.Bytes())
}

func decodeJSON(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
