package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/composite-cli/internal/engine"
	"github.com/sells-group/composite-cli/internal/ingest"
	"github.com/sells-group/composite-cli/internal/labfile"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/monitoring"
	"github.com/sells-group/composite-cli/internal/store"
)

// maxUploadBytes bounds request bodies, lab exports included.
const maxUploadBytes = 16 << 20

// api adapts the engine to HTTP. It holds no state of its own.
type api struct {
	eng       *engine.Engine
	collector *monitoring.Collector
	defWeight float64
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error      string                `json:"error"`
	Kind       model.ErrorKind       `json:"kind,omitempty"`
	Comparison *model.Comparison     `json:"comparison,omitempty"`
	Record     *model.AnalysisRecord `json:"record,omitempty"`
}

// buildRouter mounts the API, /health, and /metrics. /metrics is skipped when
// env.Registry is nil.
func buildRouter(env *compositeEnv, corsOrigins []string) http.Handler {
	a := &api{
		eng:       env.Engine,
		collector: monitoring.NewCollector(env.Store).WithBreakers(env.Breakers),
		defWeight: 1,
	}
	if cfg != nil && cfg.Ingest.DefaultWeight > 0 {
		a.defWeight = cfg.Ingest.DefaultWeight
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if env.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(env.Registry, promhttp.HandlerOpts{Registry: env.Registry}))
	}
	r.Get("/status", a.status)

	r.Route("/materials", func(r chi.Router) {
		r.Post("/", a.createMaterial)
		r.Get("/", a.listMaterials)
		r.Route("/{material}", func(r chi.Router) {
			r.Get("/", a.getMaterial)
			r.Post("/analyses", a.ingestAnalysis)
			r.Get("/analyses", a.listAnalyses)
			r.Post("/composites", a.aggregate)
			r.Post("/composites/manual", a.createManual)
			r.Get("/composites", a.listComposites)
		})
	})

	r.Get("/analyses/{id}", a.getAnalysis)

	r.Route("/composites/{id}", func(r chi.Router) {
		r.Get("/", a.getComposite)
		r.Delete("/", a.deleteComposite)
		r.Get("/compare/{other}", a.compare)
		r.Get("/workflow", a.getWorkflow)
		r.Put("/submit", a.submit)
		r.Put("/review", a.startReview)
		r.Put("/approve", a.approve)
		r.Put("/reject", a.reject)
		r.Put("/archive", a.archive)
	})

	r.Get("/workflows", a.listWorkflows)
	return r
}

// requestLogger logs each request with zap once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("http: encode response", zap.Error(err))
	}
}

// statusFor maps engine error kinds to HTTP status codes.
func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation, model.KindMissingReason:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindNoUsableAnalyses:
		return http.StatusUnprocessableEntity
	case model.KindInvalidTransition, model.KindRequiresJustification,
		model.KindCannotArchiveActiveSpecification, model.KindConcurrencyConflict:
		return http.StatusConflict
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: model.KindOf(err)}
	var merr *model.Error
	if errors.As(err, &merr) {
		resp.Comparison = merr.Comparison
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("http: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return err
		}
		return model.NewError(model.KindValidation, "invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, model.NewError(model.KindValidation, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func page(r *http.Request) (limit, offset int, err error) {
	if limit, err = queryInt(r, "limit"); err != nil {
		return 0, 0, err
	}
	offset, err = queryInt(r, "offset")
	return limit, offset, err
}

func (a *api) material(r *http.Request) (*model.Material, error) {
	return a.eng.ResolveMaterial(r.Context(), chi.URLParam(r, "material"))
}

// --- materials ---

func (a *api) createMaterial(w http.ResponseWriter, r *http.Request) {
	var m model.Material
	if err := decode(w, r, &m); err != nil {
		writeError(w, r, err)
		return
	}
	m.ID = ""
	if err := a.eng.CreateMaterial(r.Context(), &m); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *api) listMaterials(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	materials, err := a.eng.ListMaterials(r.Context(), store.MaterialFilter{
		ActiveOnly: q.Get("all") != "true",
		Search:     q.Get("search"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, materials)
}

func (a *api) getMaterial(w http.ResponseWriter, r *http.Request) {
	m, err := a.material(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- analyses ---

// ingestAnalysis takes a raw CSV or XLSX body. The filename query parameter
// selects the format and is stored on the record.
func (a *api) ingestAnalysis(w http.ResponseWriter, r *http.Request) {
	m, err := a.material(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	name := q.Get("filename")
	if name == "" {
		name = "upload.csv"
	}
	weight := a.defWeight
	if s := q.Get("weight"); s != "" {
		if weight, err = strconv.ParseFloat(s, 64); err != nil {
			writeError(w, r, model.NewError(model.KindValidation, "weight must be a number"))
			return
		}
	}
	meta := ingest.Metadata{
		Filename:      name,
		BatchNumber:   q.Get("batch"),
		Supplier:      q.Get("supplier"),
		LabTechnician: q.Get("technician"),
	}
	if s := q.Get("date"); s != "" {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeError(w, r, model.NewError(model.KindValidation, "date must be YYYY-MM-DD"))
			return
		}
		meta.AnalysisDate = &d
	}

	// Read the whole upload before ingesting so an oversized or truncated
	// body is rejected without storing a record.
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := a.eng.IngestFile(r.Context(), m.ID, name, bytes.NewReader(data), weight, meta)
	if err != nil {
		if rec != nil {
			writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: model.KindOf(err), Record: rec})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *api) listAnalyses(w http.ResponseWriter, r *http.Request) {
	m, err := a.material(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := store.AnalysisFilter{MaterialID: m.ID, Limit: limit, Offset: offset}
	if s := r.URL.Query().Get("status"); s != "" {
		filter.Status = model.ProcessingStatus(strings.ToUpper(s))
		if !filter.Status.Valid() {
			writeError(w, r, model.NewError(model.KindValidation, "unknown processing status %q", s))
			return
		}
	}
	records, err := a.eng.ListAnalyses(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *api) getAnalysis(w http.ResponseWriter, r *http.Request) {
	rec, err := a.eng.GetAnalysis(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- composites ---

type aggregateRequest struct {
	AnalysisIDs []string `json:"analysis_ids"`
	All         bool     `json:"all"`
	Origin      string   `json:"origin"`
	Notes       string   `json:"notes"`
}

func (a *api) aggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := a.material(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	origin, err := model.ParseOrigin(req.Origin)
	if err != nil {
		writeError(w, r, model.NewError(model.KindValidation, "%v", err))
		return
	}

	var c *model.Composite
	if req.All {
		c, err = a.eng.AggregateAll(r.Context(), m.ID, origin, req.Notes)
	} else {
		c, err = a.eng.Aggregate(r.Context(), m.ID, req.AnalysisIDs, origin, req.Notes)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// createManual takes a component table (CSV or XLSX body) and stores it as a
// MANUAL composite.
func (a *api) createManual(w http.ResponseWriter, r *http.Request) {
	m, err := a.material(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	name := r.URL.Query().Get("filename")
	if name == "" {
		name = "manual.csv"
	}
	sheet, err := labfile.Read(r.Context(), name, http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, r, model.NewError(model.KindValidation, "%v", err))
		return
	}
	tbl := sheet.Table()
	if tbl.Failure != "" {
		writeError(w, r, model.NewError(model.KindValidation, "%s", tbl.Failure))
		return
	}
	c, err := a.eng.CreateManual(r.Context(), m.ID, tbl.Rows, r.URL.Query().Get("notes"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *api) listComposites(w http.ResponseWriter, r *http.Request) {
	m, err := a.material(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := store.CompositeFilter{MaterialID: m.ID, Limit: limit, Offset: offset}
	if s := r.URL.Query().Get("status"); s != "" {
		if filter.Status, err = model.ParseCompositeStatus(s); err != nil {
			writeError(w, r, model.NewError(model.KindValidation, "%v", err))
			return
		}
	}
	composites, err := a.eng.ListComposites(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, composites)
}

func (a *api) getComposite(w http.ResponseWriter, r *http.Request) {
	c, err := a.eng.GetComposite(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) deleteComposite(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.DeleteDraft(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) compare(w http.ResponseWriter, r *http.Request) {
	cmp, err := a.eng.Compare(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "other"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// --- workflow ---

type transitionRequest struct {
	Assignee string `json:"assignee"`
	Reviewer string `json:"reviewer"`
	Comments string `json:"comments"`
	Override bool   `json:"override"`
	Reason   string `json:"reason"`
}

func (a *api) transition(w http.ResponseWriter, r *http.Request, fn func(req transitionRequest, id string) (any, error)) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := fn(req, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) submit(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, func(req transitionRequest, id string) (any, error) {
		return a.eng.SubmitForApproval(r.Context(), id, req.Assignee)
	})
}

func (a *api) startReview(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, func(req transitionRequest, id string) (any, error) {
		return a.eng.StartReview(r.Context(), id, req.Reviewer)
	})
}

func (a *api) approve(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, func(req transitionRequest, id string) (any, error) {
		return a.eng.Approve(r.Context(), id, engine.ApproveOptions{Comments: req.Comments, Override: req.Override})
	})
}

func (a *api) reject(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, func(req transitionRequest, id string) (any, error) {
		return a.eng.Reject(r.Context(), id, req.Reason, req.Comments)
	})
}

func (a *api) archive(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, func(_ transitionRequest, id string) (any, error) {
		return a.eng.Archive(r.Context(), id)
	})
}

func (a *api) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.eng.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *api) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := store.WorkflowFilter{AssignedTo: q.Get("assignee"), Limit: limit, Offset: offset}
	if s := q.Get("status"); s != "" {
		if filter.Status, err = model.ParseWorkflowStatus(s); err != nil {
			writeError(w, r, model.NewError(model.KindValidation, "%v", err))
			return
		}
	}
	if ref := q.Get("material"); ref != "" {
		m, err := a.eng.ResolveMaterial(r.Context(), ref)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filter.MaterialID = m.ID
	}
	workflows, err := a.eng.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	snap, err := a.collector.Collect(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
