package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orchestratord/internal/blobstore"
	"orchestratord/internal/fileref"
	"orchestratord/internal/jobstore"
	"orchestratord/internal/orchestrator"
	"orchestratord/internal/pool"
	"orchestratord/internal/registry"
	"orchestratord/pkg/types"
)

// Deps wires the HTTP bridge's collaborators. The bridge shares no state
// with WS sessions: both sides talk to the same pool and stores, and a
// job submitted here is indistinguishable from one submitted over WS.
type Deps struct {
	Pool     *pool.Pool
	FileRefs *fileref.Store
	Blobs    *blobstore.Store
	Registry *registry.Registry
	Store    *jobstore.Store
	// WS is the Session Router's upgrade handler, mounted at /v1/ws.
	// Nil leaves the route unmounted (unit tests).
	WS http.HandlerFunc
}

// NewMux builds the HTTP bridge router.
func NewMux(d Deps) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Post("/upload", d.handleUpload)
	r.Get("/storage/{key}", d.handleStorage)
	r.Get("/healthz", d.handleHealthz)
	r.Get("/readyz", d.handleReadyz)
	r.Get("/modes", d.handleModes)
	r.Get("/status", d.handleStatus)

	// Legacy synchronous adapters, feature-parallel to WS job:submit.
	r.Post("/generate", d.handleGenerate)
	r.Post("/superres", d.handleSuperres)

	if d.WS != nil {
		r.Get("/v1/ws", d.WS)
	}

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

// handleUpload godoc
// @Summary  Upload a binary blob and receive a fileRef
// @Accept   multipart/form-data
// @Produce  json
// @Success  200 {object} types.UploadResponse
// @Router   /upload [post]
func (d Deps) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	ct := r.Header.Get("Content-Type")
	var data []byte
	var mime string
	if strings.HasPrefix(strings.ToLower(ct), "multipart/form-data") {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "multipart field 'file' is required")
			return
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "read upload body")
			return
		}
		mime = hdr.Header.Get("Content-Type")
	} else {
		var err error
		data, err = io.ReadAll(r.Body)
		if err != nil || len(data) == 0 {
			writeJSONError(w, http.StatusBadRequest, "empty upload body")
			return
		}
		mime = ct
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	ref := d.FileRefs.Put(data, mime)
	writeJSON(w, types.UploadResponse{FileRef: ref})
}

// handleStorage godoc
// @Summary  Fetch an output blob by content-addressed key
// @Produce  octet-stream
// @Success  200
// @Failure  404 {object} types.ErrorResponse
// @Router   /storage/{key} [get]
func (d Deps) handleStorage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	blob, ok := d.Blobs.Get(key)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown storage key")
		return
	}
	mime := blob.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	// Content-addressed blobs never change; let clients cache forever.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(blob.Bytes)
}

// systemStatus composes the same snapshot the WS channel pushes, so REST
// and WS observers agree on what the service looks like.
func (d Deps) systemStatus() types.SystemStatus {
	return types.SystemStatus{
		Mode:    d.Pool.CurrentMode(),
		VRAM:    d.Registry.Stats(),
		Storage: types.StorageInfo{BlobCount: d.Blobs.Count()},
		QueueState: types.QueueState{
			Pending: d.Pool.QueueLen(),
			Running: runningCount(d.Pool),
			Jobs:    d.Pool.QueueSnapshot(),
		},
	}
}

func runningCount(p *pool.Pool) int {
	if p.Running() {
		return 1
	}
	return 0
}

// handleHealthz godoc
// @Summary  Service health snapshot
// @Produce  json
// @Success  200 {object} types.HealthResponse
// @Router   /healthz [get]
func (d Deps) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, types.HealthResponse{Status: d.systemStatus()})
}

func (d Deps) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if d.Registry.DefaultMode() != "" || d.Pool.CurrentMode() != "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("no mode configured"))
}

// handleModes godoc
// @Summary  List configured modes
// @Produce  json
// @Success  200 {object} map[string]any
// @Router   /modes [get]
func (d Deps) handleModes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"modes":   d.Registry.Modes(),
		"default": d.Registry.DefaultMode(),
		"current": d.Pool.CurrentMode(),
	})
}

func (d Deps) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.systemStatus())
}

// handleGenerate godoc
// @Summary  Synchronous generation (legacy adapter)
// @Accept   json
// @Produce  json
// @Success  200 {object} types.GenerateResponse
// @Failure  429 {object} types.ErrorResponse
// @Router   /generate [post]
func (d Deps) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	params := types.GenerateParams{
		Prompt:   req.Prompt,
		Size:     req.Size,
		Steps:    req.Steps,
		CFG:      req.CFG,
		Seed:     req.Seed,
		Superres: req.Superres,
	}
	d.runSync(w, r, types.JobGenerate, params, "")
}

// handleSuperres godoc
// @Summary  Synchronous super-resolution (legacy adapter)
// @Accept   json
// @Produce  json
// @Success  200 {object} types.GenerateResponse
// @Failure  404 {object} types.ErrorResponse
// @Router   /superres [post]
func (d Deps) handleSuperres(w http.ResponseWriter, r *http.Request) {
	var req types.SuperresRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.InitImageRef == "" {
		writeJSONError(w, http.StatusBadRequest, "init_image_ref is required")
		return
	}
	if _, _, ok := d.FileRefs.Take(req.InitImageRef); !ok {
		writeKindError(w, orchestrator.ErrRefNotFound(req.InitImageRef))
		return
	}
	params := types.SRParams{InitImageRef: req.InitImageRef, Magnitude: req.Magnitude}
	d.runSync(w, r, types.JobSR, params, req.InitImageRef)
}

// runSync submits a job on the caller's behalf and blocks on its future,
// the way the WS channel's ack/terminal pair would resolve it.
func (d Deps) runSync(w http.ResponseWriter, r *http.Request, jobType types.JobType, params any, initRef string) {
	lvl := requestLogLevel(r)
	start := time.Now()
	job := jobstore.NewJob("", "http", jobType, types.PriorityNormal, params, initRef)
	submitted, err := d.Pool.Submit(job, "session")
	if err != nil {
		writeKindError(w, err)
		return
	}
	if lvl >= LevelInfo && zlog != nil {
		z := zlog.Info().Str("path", r.URL.Path).Str("job_id", submitted.ID)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("sync job submitted")
	}

	joined, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	var timeout <-chan time.Time
	if syncTimeout > 0 {
		t := time.NewTimer(time.Duration(syncTimeout) * time.Second)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case final := <-d.Pool.Await(submitted.ID):
		if final.Result != nil && final.Result.ErrKind != "" {
			w.Header().Set("Content-Type", "application/json")
			status := statusForKind(final.Result.ErrKind)
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: final.Result.ErrMsg, Kind: final.Result.ErrKind, Code: status})
			return
		}
		resp := types.GenerateResponse{}
		if final.Result != nil {
			resp = types.GenerateResponse{Key: final.Result.Key, URL: final.Result.URL, Meta: final.Result.Meta}
		}
		if lvl >= LevelInfo && zlog != nil {
			zlog.Info().Str("job_id", submitted.ID).Dur("dur", time.Since(start)).Msg("sync job done")
		}
		writeJSON(w, resp)
	case <-timeout:
		d.Pool.Cancel(submitted.ID)
		writeJSONError(w, http.StatusGatewayTimeout, "job did not complete in time")
	case <-joined.Done():
		// Client went away or the process is stopping; the job keeps
		// running and its output stays retrievable by key.
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
