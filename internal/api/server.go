package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"model-run-scheduler/internal/catalog"
	"model-run-scheduler/internal/config"
	"model-run-scheduler/internal/inputs"
	"model-run-scheduler/internal/models"
	"model-run-scheduler/internal/ratelimit"
	"model-run-scheduler/internal/results"
	"model-run-scheduler/internal/scheduler"
	"model-run-scheduler/internal/status"
	"model-run-scheduler/internal/telemetry"
)

// RunArchive serves jobs that have been pruned from memory, and the audit
// trail of any archived job.
type RunArchive interface {
	GetRun(ctx context.Context, id string) (models.Job, error)
	Events(ctx context.Context, jobID string) ([]models.AuditLog, error)
}

// Server wires HTTP handlers for the scheduler API.
type Server struct {
	cfg      config.Config
	sched    *scheduler.Scheduler
	status   *status.Service
	archive  RunArchive
	catalog  *catalog.Catalog
	limiter  *ratelimit.TokenBucket
	log      *logrus.Entry
	validate *validator.Validate
	now      func() time.Time
}

// New constructs the API server. Archive, catalog and limiter are optional.
func New(cfg config.Config, sched *scheduler.Scheduler, svc *status.Service, log *logrus.Entry) *Server {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("singleline", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), "\r\n")
	})
	return &Server{cfg: cfg, sched: sched, status: svc, log: log, validate: v, now: time.Now}
}

// WithArchive enables the archive fallback for GET /jobs/{id} and the
// /jobs/{id}/events audit endpoint.
func (s *Server) WithArchive(a RunArchive) *Server { s.archive = a; return s }

// WithCatalog serves /models from published catalog entries.
func (s *Server) WithCatalog(c *catalog.Catalog) *Server { s.catalog = c; return s }

// WithLimiter rate limits the job-creating routes per tenant.
func (s *Server) WithLimiter(l *ratelimit.TokenBucket) *Server { s.limiter = l; return s }

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(tenantFromRequest, telemetry.RateLimitRejects.Inc, s.log))
		}
		r.Post("/jobs", s.handleEnqueue)
		r.Post("/runs", s.handleCreateRun)
		r.Post("/runs/from-upload", s.handleRunFromUpload)
		r.Post("/uploads", s.handleUpload)
	})

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/events", s.handleJobEvents)
	r.Get("/runs/defaults", s.handleRunDefaults)
	r.Get("/runs/{id}/results", s.handleResults)
	r.Get("/runs/{id}/preview.png", s.handlePreview)
	r.Get("/models", s.handleListModels)
	r.Get("/models/{id}", s.handleGetModel)
	r.Head("/models/{id}", s.handleModelExists)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	q, a, c := s.sched.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"environment":       s.cfg.Env,
		"concurrency_limit": s.sched.Limit(),
		"queued":            q,
		"active":            a,
		"completed":         c,
		"timestamp":         s.now().UTC(),
	})
}

type enqueueRequest struct {
	CorrelationID   string `json:"correlation_id" validate:"required,max=128"`
	DisplayName     string `json:"display_name" validate:"max=200"`
	InputFilePath   string `json:"input_file_path" validate:"required"`
	OutputDirectory string `json:"output_directory" validate:"required"`
}

type enqueueResponse struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.sched.Enqueue(r.Context(), models.Job{
		ID:          req.CorrelationID,
		DisplayName: req.DisplayName,
		InputPath:   req.InputFilePath,
		OutputDir:   req.OutputDirectory,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResponse{ID: id, Status: models.StatusQueued})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.status.GetJob(id)
	if errors.Is(err, models.ErrNotFound) && s.archive != nil {
		var job models.Job
		job, err = s.archive.GetRun(r.Context(), id)
		if err == nil {
			ms := job.Elapsed(s.now()).Milliseconds()
			view = models.JobView{Job: job, ElapsedMS: &ms}
		}
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job archive not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	events, err := s.archive.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(events) == 0 {
		s.writeError(w, models.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "events": events})
}

type listResponse struct {
	QueueLength       int            `json:"queue_length"`
	ActiveJobs        int            `json:"active_jobs"`
	RecentlyCompleted int            `json:"recently_completed"`
	Jobs              models.JobList `json:"jobs"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	list := s.status.ListJobs()
	writeJSON(w, http.StatusOK, listResponse{
		QueueLength:       len(list.Queued),
		ActiveJobs:        len(list.Active),
		RecentlyCompleted: len(list.Completed),
		Jobs:              list,
	})
}

type runRequest struct {
	ModelName  string        `json:"model_name" validate:"required,max=200,singleline"`
	Parameters inputs.Params `json:"parameters"`
}

type runResponse struct {
	RunID  string        `json:"run_id"`
	Status models.Status `json:"status"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !s.decode(w, r, &req) {
		return
	}
	prep, err := inputs.PrepareRun(s.cfg.RunsDir, req.ModelName, req.Parameters, s.now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.enqueuePrepared(w, r, prep, req.ModelName)
}

func (s *Server) handleRunDefaults(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, inputs.Defaults())
}

type fromUploadRequest struct {
	UploadID  string `json:"upload_id" validate:"required,uuid"`
	ModelName string `json:"model_name" validate:"max=200,singleline"`
}

func (s *Server) handleRunFromUpload(w http.ResponseWriter, r *http.Request) {
	var req fromUploadRequest
	if !s.decode(w, r, &req) {
		return
	}
	prep, err := inputs.StageUpload(s.cfg.UploadsDir, req.UploadID, s.cfg.RunsDir, s.now())
	if err != nil {
		if errors.Is(err, inputs.ErrNoInputFile) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "upload not found"})
			return
		}
		s.writeError(w, err)
		return
	}
	name := req.ModelName
	if name == "" {
		name = "Uploaded Model"
	}
	s.enqueuePrepared(w, r, prep, name)
}

func (s *Server) enqueuePrepared(w http.ResponseWriter, r *http.Request, prep inputs.Prepared, name string) {
	id, err := s.sched.Enqueue(r.Context(), models.Job{
		ID:          prep.ID,
		DisplayName: name,
		InputPath:   prep.InputPath,
		OutputDir:   prep.Dir,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, runResponse{RunID: id, Status: models.StatusQueued})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.UploadMaxBytes*int64(max(s.cfg.UploadMaxFiles, 1)) + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, models.NewValidationError("files", "invalid multipart body: "+err.Error()))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	up, err := inputs.SaveUploads(s.cfg.UploadsDir, r.MultipartForm.File["files"], s.cfg.UploadMaxFiles, s.cfg.UploadMaxBytes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

func (s *Server) runDir(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	id := chi.URLParam(r, "id")
	if !results.ValidRunID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid run id format"})
		return "", "", false
	}
	return id, filepath.Join(s.cfg.RunsDir, id), true
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id, dir, ok := s.runDir(w, r)
	if !ok {
		return
	}
	fileType := r.URL.Query().Get("file_type")
	if fileType == "" {
		fileType = "spectrum1"
	}
	if strings.ContainsAny(fileType, `/\`) {
		s.writeError(w, models.NewValidationError("file_type", "must be a file extension"))
		return
	}
	res, err := results.Load(id, dir, fileType)
	if err != nil {
		s.writeResultsError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id, dir, ok := s.runDir(w, r)
	if !ok {
		return
	}
	res, err := results.Load(id, dir, "spectrum1")
	if err != nil {
		s.writeResultsError(w, err)
		return
	}
	img, err := results.Preview(res.Data.(results.Spectrum).Data, 800, 400)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := results.EncodePNG(w, img); err != nil {
		s.log.WithError(err).WithField("run_id", id).Warn("encode preview failed")
	}
}

func (s *Server) writeResultsError(w http.ResponseWriter, err error) {
	var nf *results.NoFileError
	if errors.As(err, &nf) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": nf.Error(), "available_files": nf.Available})
		return
	}
	if errors.Is(err, models.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "model run not found"})
		return
	}
	s.writeError(w, err)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	runs := []catalog.ModelRun{}
	var md *catalog.Metadata
	if s.catalog != nil {
		runs = s.catalog.All(r.Context())
		m := s.catalog.Metadata(r.Context())
		md = &m
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": runs, "count": len(runs), "metadata": md, "source": "catalog"})
}

func (s *Server) handleModelExists(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil || !s.catalog.Exists(r.Context(), chi.URLParam(r, "id")) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		s.writeError(w, models.ErrNotFound)
		return
	}
	run := s.catalog.Get(r.Context(), chi.URLParam(r, "id"))
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "model run not found"})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// decode reads a JSON body and validates it, writing the error response itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, toValidationError(err))
		return false
	}
	return true
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	ve := &models.ValidationError{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		field := strings.SplitN(fe.Namespace(), ".", 2)
		name := field[len(field)-1]
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		ve.Fields[name] = msg
	}
	return ve
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error(), "fields": ve.Fields})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		s.log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
