package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"emoji-sticker-bot/internal/download"
	"emoji-sticker-bot/internal/generation"
	"emoji-sticker-bot/internal/metrics"
	"emoji-sticker-bot/internal/session"
	"emoji-sticker-bot/internal/sticker"
)

//go:embed static
var staticFS embed.FS

const (
	sessionCookie  = "sid"
	maxUploadBytes = 25 << 20
	maxJSONBytes   = 64 << 10
)

type Options struct {
	Workspaces *session.Store
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// BaseContext parents every generation run. Runs outlive the request
	// that started them.
	BaseContext context.Context
	RunTimeout  time.Duration
	Logger      *slog.Logger
}

type Server struct {
	workspaces *session.Store
	gatherer   prometheus.Gatherer
	baseCtx    context.Context
	runTimeout time.Duration
	logger     *slog.Logger
	runs       sync.WaitGroup
}

type apiError struct {
	Error string `json:"error"`
}

type catalogResponse struct {
	Expressions []string                   `json:"expressions"`
	CustomSlots int                        `json:"customSlots"`
	Styles      []sticker.Style            `json:"styles"`
	Backgrounds []sticker.BackgroundOption `json:"backgrounds"`
}

func New(opts Options) (*Server, error) {
	if opts.Workspaces == nil {
		return nil, errors.New("workspace store is required")
	}
	baseCtx := opts.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Server{
		workspaces: opts.Workspaces,
		gatherer:   opts.Gatherer,
		baseCtx:    baseCtx,
		runTimeout: runTimeout,
		logger:     logger,
	}, nil
}

// Wait blocks until every run started through the API has ended.
func (s *Server) Wait() {
	s.runs.Wait()
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	mux.HandleFunc("GET /api/state", s.withWorkspace(s.handleState))
	mux.HandleFunc("POST /api/image", s.withWorkspace(s.handleImage))
	mux.HandleFunc("POST /api/expressions/toggle", s.withWorkspace(s.handleToggleExpression))
	mux.HandleFunc("POST /api/expressions/custom", s.withWorkspace(s.handleCustomExpression))
	mux.HandleFunc("POST /api/style", s.withWorkspace(s.handleStyle))
	mux.HandleFunc("POST /api/background", s.withWorkspace(s.handleBackground))
	mux.HandleFunc("POST /api/generate", s.withWorkspace(s.handleGenerate))
	mux.HandleFunc("POST /api/gallery/toggle", s.withWorkspace(s.handleGalleryToggle))
	mux.HandleFunc("POST /api/gallery/toggle-all", s.withWorkspace(s.handleGalleryToggleAll))
	mux.HandleFunc("GET /api/download", s.withWorkspace(s.handleDownload))

	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("/", http.FileServer(http.FS(staticSub)))

	return withLogging(mux, s.logger)
}

type workspaceHandler func(w http.ResponseWriter, r *http.Request, ws *session.Workspace)

// withWorkspace resolves the caller's workspace from the session cookie,
// issuing a new session id when the cookie is missing or malformed.
func (s *Server) withWorkspace(next workspaceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := ""
		if c, err := r.Cookie(sessionCookie); err == nil {
			if _, err := uuid.Parse(c.Value); err == nil {
				sid = c.Value
			}
		}
		if sid == "" {
			sid = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookie,
				Value:    sid,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ws, err := s.workspaces.Get(sid)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "workspace unavailable", "err", err)
			writeJSON(w, http.StatusInternalServerError, apiError{Error: "workspace unavailable"})
			return
		}
		next(w, r, ws)
	}
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, catalogResponse{
		Expressions: sticker.PresetExpressions(),
		CustomSlots: sticker.CustomSlots,
		Styles:      sticker.Styles(),
		Backgrounds: sticker.Backgrounds(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	writeJSON(w, http.StatusOK, ws.View())
}

// handleImage replaces the portrait. Non-image uploads leave the previous
// portrait in place and are not an error.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid multipart form"})
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "missing image"})
		return
	}
	defer file.Close()

	img, ok, err := sticker.DecodeUpload(file, header.Header.Get("Content-Type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "failed to read image"})
		return
	}
	if ok {
		ws.SetImage(img)
	}
	writeJSON(w, http.StatusOK, ws.View())
}

func (s *Server) handleToggleExpression(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	var req struct {
		Expression string `json:"expression"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !sticker.IsPresetExpression(req.Expression) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "unknown expression"})
		return
	}
	s.updateSelection(w, ws, func(sel *sticker.Selection) error {
		sel.TogglePreset(req.Expression)
		return nil
	})
}

func (s *Server) handleCustomExpression(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	var req struct {
		Index int    `json:"index"`
		Value string `json:"value"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.updateSelection(w, ws, func(sel *sticker.Selection) error {
		return sel.SetCustom(req.Index, req.Value)
	})
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.updateSelection(w, ws, func(sel *sticker.Selection) error {
		return sel.SetStyle(req.Name)
	})
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	var req struct {
		ID string `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.updateSelection(w, ws, func(sel *sticker.Selection) error {
		return sel.SetBackground(req.ID)
	})
}

func (s *Server) updateSelection(w http.ResponseWriter, ws *session.Workspace, fn func(*sticker.Selection) error) {
	if err := ws.UpdateSelection(fn); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ws.View())
}

// handleGenerate starts a run and answers once it is running; clients poll
// /api/state for the streamed images and the final error.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.runTimeout)
	done, err := ws.Start(ctx, nil)
	if err != nil {
		cancel()
		if errors.Is(err, generation.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, apiError{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, ws.View())
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer cancel()
		if err := <-done; err != nil {
			s.logger.Warn("generation run ended with error", "err", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, ws.View())
}

func (s *Server) handleGalleryToggle(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	var req struct {
		URL string `json:"url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	ws.Gallery().Toggle(req.URL)
	writeJSON(w, http.StatusOK, ws.View())
}

func (s *Server) handleGalleryToggleAll(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	ws.Gallery().ToggleAll()
	writeJSON(w, http.StatusOK, ws.View())
}

// handleDownload streams the selected images as a zip of emoji-N.png files.
// An empty selection answers 204.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, ws *session.Workspace) {
	urls := ws.Gallery().Selected()
	if len(urls) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("content-type", "application/zip")
	w.Header().Set("content-disposition", `attachment; filename="emoji.zip"`)

	zs := download.NewZipSaver(w)
	d, err := download.New(download.Options{Saver: zs, Logger: s.logger})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: err.Error()})
		return
	}
	if _, err := d.Dispatch(r.Context(), urls); err != nil {
		s.logger.ErrorContext(r.Context(), "zip download failed", "err", err)
	}
	if err := zs.Close(); err != nil {
		s.logger.ErrorContext(r.Context(), "zip close failed", "err", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid json body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("http", "method", r.Method, "path", r.URL.Path, "status", rec.status, "dur_ms", time.Since(start).Milliseconds())
	})
}
