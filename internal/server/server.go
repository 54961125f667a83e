// Package server exposes the render pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/vastreel/internal/compositor"
	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/logx"
	"github.com/wapuda/vastreel/internal/pipeline"
	"github.com/wapuda/vastreel/internal/source"
	"github.com/wapuda/vastreel/internal/vast"
)

const (
	gracefulShutdownTimeout = 10 * time.Second
	readHeaderTimeout       = 10 * time.Second
	// multipart parts beyond this are spooled to disk
	multipartMemory = 8 << 20
	artifactPrefix  = "/generated/"
)

// Renderer runs the pipeline for one document.
type Renderer interface {
	Run(ctx context.Context, doc []byte) (pipeline.Report, error)
	CompositorVersion() string
}

// Loader acquires the VAST document from a request's inputs.
type Loader interface {
	Load(ctx context.Context, in source.Input) ([]byte, error)
}

type Server struct {
	dataDir  string
	maxBytes int64
	version  string
	loader   Loader
	renderer Renderer
}

func New(c *config.Config, loader Loader, renderer Renderer, version string) *Server {
	return &Server{
		dataDir:  c.DataDir,
		maxBytes: c.MaxUploadBytes,
		version:  version,
		loader:   loader,
		renderer: renderer,
	}
}

// Router wires every route.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		logx.RequestLogger("router"),
		middleware.Recoverer,
	)

	router.Post("/convert", s.convert)
	router.Get(artifactPrefix+"*", s.artifact)
	router.Get("/health", s.health)
	router.Handle("/metrics", promhttp.Handler())
	return router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	srv := http.Server{Handler: s.Router(), ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		<-ctx.Done()
		log.Info().Str("component", "server").Msgf("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
	}()

	log.Info().Str("component", "server").Msgf("Listening on %s...", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

type convertResponse struct {
	OK        bool             `json:"ok"`
	Error     string           `json:"error,omitempty"`
	Kind      string           `json:"kind,omitempty"`
	Stage     pipeline.Stage   `json:"stage,omitempty"`
	Report    *pipeline.Report `json:"report,omitempty"`
	QRCodeURL string           `json:"qr_code_url,omitempty"`
	VideoURL  string           `json:"video_url,omitempty"`
	LogURL    string           `json:"log_url,omitempty"`

	status int
}

func (c *convertResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, c.status)
	return nil
}

type HealthReply struct {
	OK         bool   `json:"ok"`
	Version    string `json:"version"`
	Compositor string `json:"compositor"`
	Ready      bool   `json:"ready"`
}

func (h HealthReply) Render(_ http.ResponseWriter, _ *http.Request) error {
	return nil
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logx.FromCtx(ctx)

	if s.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		status := http.StatusBadRequest
		if httpStatus(err) == http.StatusRequestEntityTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		s.reply(w, r, status, &convertResponse{Error: "invalid form: " + err.Error(), Kind: "bad_request"})
		return
	}

	in := source.Input{Text: r.FormValue("vast_input")}
	if f, hdr, err := r.FormFile("vast_file"); err == nil {
		defer f.Close()
		in.File = &source.Upload{Name: hdr.Filename, Body: f}
	}

	doc, err := s.loader.Load(ctx, in)
	if err != nil {
		logger.Warn().Err(err).Msg("no usable VAST input")
		s.reply(w, r, httpStatus(err), &convertResponse{Error: err.Error(), Kind: inputKind(err)})
		return
	}

	rep, err := s.renderer.Run(ctx, doc)
	resp := &convertResponse{OK: err == nil, Report: &rep}
	resp.QRCodeURL = s.artifactURL(rep.QRCodePath)
	resp.VideoURL = s.artifactURL(rep.OutputPath)
	resp.LogURL = s.artifactURL(rep.LogPath)
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = pipeline.Outcome(err)
		var pe *pipeline.Error
		if errors.As(err, &pe) {
			resp.Stage = pe.Stage
		}
		s.reply(w, r, httpStatus(err), resp)
		return
	}
	s.reply(w, r, http.StatusOK, resp)
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, status int, resp *convertResponse) {
	resp.status = status
	if err := render.Render(w, r, resp); err != nil {
		logger := logx.FromCtx(r.Context())
		logger.Error().Err(err).Msg("rendering reply")
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	v := s.renderer.CompositorVersion()
	_ = render.Render(w, r, HealthReply{OK: true, Version: s.version, Compositor: v, Ready: v != ""})
}

// artifact serves files below the data directory only.
func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	rel, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	path, ok := s.resolveArtifact(rel)
	if !ok {
		logger := logx.FromCtx(r.Context())
		logger.Warn().Str("path", rel).Msg("rejected artifact path")
		http.NotFound(w, r)
		return
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

// resolveArtifact canonicalises rel against the data directory, following
// symlinks, and reports whether the result stays inside it.
func (s *Server) resolveArtifact(rel string) (string, bool) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", false
	}
	root, err := filepath.EvalSymlinks(s.dataDir)
	if err != nil {
		return "", false
	}
	path, err := filepath.EvalSymlinks(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	if !within(root, path) {
		return "", false
	}
	return path, true
}

func within(root, path string) bool {
	r, err := filepath.Rel(root, path)
	if err != nil || r == "." {
		return false
	}
	return r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)) && !filepath.IsAbs(r)
}

// artifactURL maps a path inside the data directory to its retrieval URL.
func (s *Server) artifactURL(path string) string {
	if path == "" {
		return ""
	}
	r, err := filepath.Rel(s.dataDir, path)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return ""
	}
	return artifactPrefix + filepath.ToSlash(r)
}

func httpStatus(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, source.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, source.ErrEmpty), errors.Is(err, source.ErrFileType):
		return http.StatusBadRequest
	case errors.Is(err, vast.ErrParse), errors.Is(err, vast.ErrNoMediaFile), errors.Is(err, vast.ErrNoClickURL):
		return http.StatusUnprocessableEntity
	case errors.Is(err, source.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, compositor.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, compositor.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func inputKind(err error) string {
	switch {
	case errors.Is(err, source.ErrEmpty):
		return "empty_input"
	case errors.Is(err, source.ErrFileType):
		return "file_type"
	case errors.Is(err, source.ErrTooLarge):
		return "too_large"
	case errors.Is(err, source.ErrFetch):
		return "fetch_error"
	default:
		return "error"
	}
}
