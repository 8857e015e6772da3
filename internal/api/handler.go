package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gogvych/tabular-analyst/internal/agent"
	"github.com/gogvych/tabular-analyst/internal/analyst"
	"github.com/gogvych/tabular-analyst/internal/ingest"
	"github.com/gogvych/tabular-analyst/internal/schema"
	"go.uber.org/zap"
)

const defaultMaxUpload = 32 << 20

// Service is what the handlers need from the analyst service.
type Service interface {
	Ready() bool
	Ask(ctx context.Context, question string) (*agent.Result, error)
	Load(ctx context.Context, filename string, r io.Reader) (*analyst.LoadResult, error)
	Tables() ([]schema.TableDescription, error)
}

// Options configures the HTTP layer.
type Options struct {
	AllowedOrigins []string
	MaxUploadBytes int64
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	svc    Service
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc Service, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:3000"}
	}
	return &Handler{svc: svc, opts: opts, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.healthCheck)
	r.Get("/tables", h.listTables)
	r.Post("/query", h.query)
	r.Post("/upload", h.upload)

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ready": h.svc.Ready()})
}

func (h *Handler) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.svc.Tables()
	if errors.Is(err, analyst.ErrUnavailable) {
		writeDetail(w, http.StatusServiceUnavailable, "AI agent is not initialized. Please check server logs.")
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

type queryRequest struct {
	Question string `json:"question"`
}

type queryResponse struct {
	Answer       string            `json:"answer"`
	ID           string            `json:"id,omitempty"`
	TerminatedBy agent.Termination `json:"terminated_by,omitempty"`
	StepCount    *int              `json:"step_count,omitempty"`
	Transcript   *agent.Transcript `json:"transcript,omitempty"`
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeDetail(w, http.StatusBadRequest, "question must not be empty")
		return
	}

	res, err := h.svc.Ask(r.Context(), req.Question)
	if errors.Is(err, analyst.ErrUnavailable) {
		writeDetail(w, http.StatusServiceUnavailable, "AI agent is not initialized. Please check server logs.")
		return
	}
	if err != nil {
		h.logger.Error("query failed", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("An error occurred while processing your query: %v", err))
		return
	}

	h.logger.Info("query answered",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("ask_id", res.ID),
		zap.String("terminated_by", string(res.TerminatedBy)),
		zap.Int("steps", res.StepCount))

	out := queryResponse{Answer: res.Answer}
	if r.URL.Query().Get("trace") == "true" {
		out.ID = res.ID
		out.TerminatedBy = res.TerminatedBy
		out.StepCount = &res.StepCount
		out.Transcript = res.Transcript
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.opts.MaxUploadBytes {
		h.tooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge), strings.Contains(err.Error(), "request body too large"):
			h.tooLarge(w)
		case errors.Is(err, http.ErrMissingFile):
			writeDetail(w, http.StatusBadRequest, "No file provided.")
		default:
			writeDetail(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		}
		return
	}
	defer file.Close()

	filename := header.Filename
	if _, err := ingest.FormatOf(filename); err != nil {
		if errors.Is(err, ingest.ErrNoFilename) {
			writeDetail(w, http.StatusBadRequest, "No filename provided.")
		} else {
			writeDetail(w, http.StatusBadRequest, "Only CSV or XLSX files are allowed.")
		}
		return
	}

	res, err := h.svc.Load(r.Context(), filename, file)
	if err != nil {
		h.logger.Error("upload failed", zap.String("file", filename), zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Error processing file: %v", err))
		return
	}
	h.logger.Info("upload stored",
		zap.String("file", filename),
		zap.String("table", res.Table),
		zap.Int("rows", res.Rows))

	writeJSON(w, http.StatusOK, map[string]any{
		"detail": fmt.Sprintf("File '%s' uploaded and data saved successfully.", filename),
		"table":  res.Table,
		"rows":   res.Rows,
	})
}

func (h *Handler) tooLarge(w http.ResponseWriter) {
	writeDetail(w, http.StatusRequestEntityTooLarge,
		fmt.Sprintf("File exceeds the %d byte upload limit.", h.opts.MaxUploadBytes))
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
