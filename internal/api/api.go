// Package api is the HTTP surface: upload, status, export, progress
// websocket, data-subject operations and health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/deckocr/deckd/internal/cache"
	"github.com/deckocr/deckd/internal/catalog"
	"github.com/deckocr/deckd/internal/deck"
	"github.com/deckocr/deckd/internal/errkind"
	"github.com/deckocr/deckd/internal/export"
	"github.com/deckocr/deckd/internal/fingerprint"
	"github.com/deckocr/deckd/internal/intake"
	"github.com/deckocr/deckd/internal/job"
	"github.com/deckocr/deckd/internal/pipeline"
	"github.com/deckocr/deckd/internal/progress"
	"github.com/deckocr/deckd/internal/ratelimit"
	"github.com/deckocr/deckd/internal/retention"
)

// PrincipalHeader carries the already-verified caller identity set by
// the edge proxy. Token verification stays outside this service.
const PrincipalHeader = "X-Auth-Principal"

type ctxKey int

const principalKey ctxKey = 0

// DefaultMaxUploadBytes bounds multipart image payloads.
const DefaultMaxUploadBytes = 10 << 20

// Server owns the handler set and its collaborators.
type Server struct {
	Jobs      *job.Store
	Idem      *job.Runner
	Pipeline  *pipeline.Runner
	Limiter   *ratelimit.Limiter
	Limits    ratelimit.Limits
	Retention *retention.Engine
	Hub       *progress.Hub
	Catalog   *catalog.Store
	Cache     *cache.Cache
	Redis     redis.UniversalClient

	MaxUploadBytes int
	PipelineConfig fingerprint.PipelineConfig
}

// Router assembles the chi route table.
func (s *Server) Router() http.Handler {
	var r = chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", PrincipalHeader},
		MaxAge:         300,
	}))
	r.Use(principalMiddleware)

	r.Post("/api/ocr/upload", s.handleUpload)
	r.Get("/api/ocr/status/{jobID}", s.handleStatus)
	r.Post("/api/export/{format}", s.handleExport)
	r.Get("/ws/{jobID}", s.handleProgress)
	r.Delete("/api/gdpr/data/{identifier}", s.handlePurge)
	r.Get("/api/gdpr/export/{principal}", s.handleArchive)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.Header.Get(PrincipalHeader); p != "" {
			r = r.WithContext(context.WithValue(r.Context(), principalKey, p))
		}
		next.ServeHTTP(w, r)
	})
}

func principalOf(r *http.Request) string {
	if p, ok := r.Context().Value(principalKey).(string); ok {
		return p
	}
	return ""
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type uploadResponse struct {
	JobID  string `json:"jobId"`
	Cached bool   `json:"cached"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var decision = s.check(w, r)
	if !decision.Allowed {
		writeError(w, errkind.New(errkind.RateLimited, "upload rate limit exceeded"))
		return
	}

	var maxBytes = s.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes)+(1<<20))
	if err := r.ParseMultipartForm(int64(maxBytes)); err != nil {
		writeError(w, errkind.Wrap(errkind.ValidationError, "malformed multipart body", err))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, errkind.Wrap(errkind.ValidationError, "missing image field", err))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.BadImage, "failed to read upload", err))
		return
	}

	img, err := intake.Validate(raw, header.Filename, maxBytes)
	if err != nil {
		writeError(w, err)
		return
	}

	var fp = fingerprint.Image(img.Sanitized)
	var principal = principalOf(r)

	// A completed job for the same pixels short-circuits the pipeline.
	if prior, err := s.Jobs.FindByFingerprint(r.Context(), fp); err == nil {
		log.WithFields(log.Fields{"job": prior.ID, "fingerprint": fp}).
			Info("upload deduplicated against completed job")
		writeJSON(w, http.StatusOK, uploadResponse{JobID: prior.ID, Cached: true})
		return
	}

	created, err := s.Jobs.Create(r.Context(), fp, principal, map[string]string{
		"filename": header.Filename,
		"format":   img.Format,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	var key = fingerprint.Key(fp, s.PipelineConfig)
	go s.execute(created.ID, key, img)

	writeJSON(w, http.StatusAccepted, uploadResponse{JobID: created.ID, Cached: false})
}

// execute runs the pipeline under the idempotency lock. A result cached
// by an earlier run with the same key completes the job directly.
func (s *Server) execute(jobID, key string, img *intake.Image) {
	var ctx = context.Background()

	result, fromCache, err := s.Idem.Run(ctx, key, func(ctx context.Context) (*deck.Result, error) {
		return s.Pipeline.Process(ctx, jobID, img)
	})
	if err != nil {
		// Pipeline failures are already recorded on the job; anything
		// else lands here.
		if j, getErr := s.Jobs.Get(ctx, jobID); getErr == nil && !j.State.Terminal() {
			_ = s.Jobs.Fail(ctx, jobID, errkind.KindOf(err), errkind.MessageOf(err))
		}
		log.WithFields(log.Fields{"job": jobID, "err": err}).Error("job execution failed")
		return
	}
	if fromCache {
		result.JobID = jobID
		result.FromCache = true
		if err = s.Jobs.Complete(ctx, jobID, result); err != nil {
			log.WithFields(log.Fields{"job": jobID, "err": err}).
				Error("failed to complete job from cached result")
		}
	}
}

type statusResponse struct {
	State    job.State    `json:"state"`
	Progress int          `json:"progress"`
	Result   *deck.Result `json:"result,omitempty"`
	Error    *statusError `json:"error,omitempty"`
}

type statusError struct {
	Kind    errkind.Kind `json:"kind"`
	Message string       `json:"message"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var id = chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, errkind.New(errkind.ValidationError, "malformed job id"))
		return
	}

	j, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var resp = statusResponse{State: j.State, Progress: j.Progress, Result: j.Result}
	if j.State == job.StateFailed {
		resp.Error = &statusError{Kind: j.ErrorKind, Message: j.Error}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var decision = s.check(w, r)
	if !decision.Allowed {
		writeError(w, errkind.New(errkind.RateLimited, "export rate limit exceeded"))
		return
	}

	var format = export.Format(chi.URLParam(r, "format"))
	var d deck.Normalized
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&d); err != nil {
		writeError(w, errkind.Wrap(errkind.ValidationError, "malformed deck body", err))
		return
	}

	text, err := export.Render(format, d)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, text)
}

// check runs the rate limiter and stamps the X-RateLimit headers.
func (s *Server) check(w http.ResponseWriter, r *http.Request) ratelimit.Decision {
	if s.Limiter == nil {
		return ratelimit.Decision{Allowed: true}
	}
	var d = s.Limiter.Check(r.Context(), clientAddr(r), s.Limits)
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", s.Limits.PerMinute))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
	return d
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.Hub.Serve(w, r, chi.URLParam(r, "jobID"))
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	purged, err := s.Retention.PurgeIdentifier(r.Context(), chi.URLParam(r, "identifier"), s.Jobs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purged)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	archive, err := s.Retention.Export(r.Context(), chi.URLParam(r, "principal"), s.Jobs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, archive)
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Catalogue  int               `json:"catalogue_cards"`
	Time       time.Time         `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var resp = healthResponse{
		Status:     "ok",
		Components: map[string]string{},
		Time:       time.Now().UTC(),
	}

	if s.Redis != nil {
		if err := s.Redis.Ping(r.Context()).Err(); err != nil {
			resp.Components["redis"] = "unreachable"
			resp.Status = "degraded"
		} else {
			resp.Components["redis"] = "ok"
		}
	}
	if s.Catalog != nil {
		if err := s.Catalog.Ping(); err != nil {
			resp.Components["catalogue"] = "unreachable"
			resp.Status = "degraded"
		} else {
			resp.Components["catalogue"] = "ok"
			resp.Catalogue = s.Catalog.Count()
		}
	}

	var code = http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

var statusOf = map[errkind.Kind]int{
	errkind.BadImage:             http.StatusBadRequest,
	errkind.ValidationError:      http.StatusBadRequest,
	errkind.RateLimited:          http.StatusTooManyRequests,
	errkind.NotFound:             http.StatusNotFound,
	errkind.OCRError:             http.StatusBadGateway,
	errkind.ExternalServiceError: http.StatusBadGateway,
	errkind.CircuitOpen:          http.StatusServiceUnavailable,
	errkind.Timeout:              http.StatusGatewayTimeout,
	errkind.Internal:             http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, err error) {
	var kind = errkind.KindOf(err)
	var code, ok = statusOf[kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, map[string]string{
		"error":   string(kind),
		"message": errkind.MessageOf(err),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("failed to encode response body")
	}
}
