package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/delivery"
	"github.com/fmkit/filemanager/internal/files"
	"github.com/fmkit/filemanager/internal/httpserver"
	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/metrics"
	"github.com/fmkit/filemanager/internal/requestid"
	"github.com/fmkit/filemanager/internal/upload"
)

// Server holds the services behind the HTTP surface.
type Server struct {
	files    *files.Service
	uploads  *upload.Service
	delivery *delivery.Handler
	auth     auth.Resolver

	log          *slog.Logger
	corsOrigins  []string
	corsMaxAge   int
	checks       []httpserver.Check
	checkTimeout time.Duration
	onError      ErrorHandler
}

type Option func(*Server)

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCORS allows browser clients from origins; "*" allows any.
func WithCORS(origins []string, maxAge int) Option {
	return func(s *Server) {
		s.corsOrigins = origins
		s.corsMaxAge = maxAge
	}
}

// WithReadiness registers the probes answered on /readyz.
func WithReadiness(timeout time.Duration, checks ...httpserver.Check) Option {
	return func(s *Server) {
		s.checkTimeout = timeout
		s.checks = append(s.checks, checks...)
	}
}

func NewServer(filesSvc *files.Service, uploads *upload.Service, content *delivery.Handler, resolver auth.Resolver, opts ...Option) *Server {
	s := &Server{
		files:        filesSvc,
		uploads:      uploads,
		delivery:     content,
		auth:         resolver,
		log:          logger.Discard(),
		checkTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.onError = ErrorWriter(s.log)
	return s
}

// ErrorHandler returns the envelope error writer, for components that render
// errors outside the router.
func (s *Server) ErrorHandler() ErrorHandler { return s.onError }

// Routes builds the complete router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestid.Middleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.corsOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", requestid.Header, contentSHA256Header},
			ExposedHeaders:   []string{requestid.Header, "ETag"},
			AllowCredentials: false,
			MaxAge:           s.corsMaxAge,
		}))
	}

	r.Get("/healthz", httpserver.LivenessHandler())
	r.Get("/readyz", httpserver.ReadinessHandler(s.log, s.checkTimeout, s.checks...))
	r.Handle("/metrics", metrics.Handler())

	r.Get("/content/{uid}", s.publicContent)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(s.auth, auth.ErrorWriter(s.onError)))

		r.Post("/upload/init", s.fileInit())
		r.Post("/upload/finalize", s.fileFinalize())
		r.Post("/upload/{fileUid}/proxy", s.fileProxy())

		r.Post("/variants/upload/init", s.variantInit())
		r.Post("/variants/upload/finalize", s.variantFinalize())
		r.Post("/variants/upload/{variantUid}/proxy", s.variantProxy())

		r.Get("/files", s.listFiles())
		r.Route("/files/{fileUid}", func(r chi.Router) {
			r.Get("/", s.getFile())
			r.Patch("/", s.patchFile())
			r.Delete("/", s.deleteFile())
			r.Get("/variants", s.fileVariants())
			r.Get("/object-metadata", s.objectMetadata())
			r.Get("/url", s.fileURL())
			r.Get("/content", s.fileContent())
			r.Post("/rename", s.renameFile())
			r.Post("/move", s.moveFile())
			r.Post("/archive", s.archiveFile())
			r.Post("/restore", s.restoreFile())

			r.Get("/links", s.listLinks())
			r.Post("/links", s.createLink())
			r.Delete("/links/{linkUid}", s.deleteLink())
		})
	})

	return r
}

func (s *Server) publicContent(w http.ResponseWriter, r *http.Request) {
	s.delivery.ServePublic(w, r, chi.URLParam(r, "uid"))
}

// wrap binds path and query parameters and renders failures as envelopes.
func wrap[R any](s *Server, h HandlerFunc[R], binders ...Bind) http.HandlerFunc {
	return Wrap(h,
		WithBinders[R](append([]Bind{BindPath(), BindQuery()}, binders...)...),
		WithErrorHandler[R](s.onError),
	)
}
