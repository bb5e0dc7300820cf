// Package files implements the ownership-checked reads and mutations of file
// records. Every mutation loads the record, asserts owner-or-admin, writes
// through the store, drops cached redirects and emits a write event.
package files

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fmkit/filemanager/internal/access"
	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/hook"
	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/store"
)

// Invalidator drops cached delivery state of a file.
type Invalidator interface {
	InvalidateFile(fileUID string) int
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateFile(string) int { return 0 }

// Service is the file management surface.
type Service struct {
	records  store.Store
	drivers  *storage.Registry
	resolver *access.Resolver

	cache            Invalidator
	emitter          hook.Emitter
	log              *slog.Logger
	now              func() time.Time
	newUID           func() string
	linksEnabled     bool
	ownerForceDelete bool
	contentBase      string
}

type Option func(*Service)

// WithCache sets the redirect cache invalidated by mutations.
func WithCache(c Invalidator) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

func WithEmitter(e hook.Emitter) Option {
	return func(s *Service) {
		if e != nil {
			s.emitter = e
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithUIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newUID = fn
		}
	}
}

// WithLinks enables the entity link subsystem.
func WithLinks(enabled bool) Option {
	return func(s *Service) { s.linksEnabled = enabled }
}

// WithOwnerForceDelete lets owners hard-delete their own files.
func WithOwnerForceDelete(allowed bool) Option {
	return func(s *Service) { s.ownerForceDelete = allowed }
}

// WithContentBase sets the path prefix of authenticated content URLs handed
// out for local storage. Defaults to /api/files.
func WithContentBase(base string) Option {
	return func(s *Service) {
		if base != "" {
			s.contentBase = base
		}
	}
}

func NewService(records store.Store, drivers *storage.Registry, resolver *access.Resolver, opts ...Option) *Service {
	s := &Service{
		records:     records,
		drivers:     drivers,
		resolver:    resolver,
		cache:       noopInvalidator{},
		emitter:     hook.Noop{},
		log:         logger.Discard(),
		now:         time.Now,
		newUID:      uuid.NewString,
		contentBase: "/api/files",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logger.Component("files"))
	return s
}

// load fetches a file for a mutation and asserts the actor may change it.
func (s *Service) load(ctx context.Context, actor auth.Actor, uid string) (*domain.File, error) {
	f, err := s.get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if err := auth.AssertOwnerOrAdmin(f, actor); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) get(ctx context.Context, uid string) (*domain.File, error) {
	f, err := s.records.GetFile(ctx, uid)
	if err != nil {
		return nil, storeError(err, "file")
	}
	return f, nil
}

func (s *Service) save(ctx context.Context, f *domain.File) error {
	f.UpdatedAt = s.now().UTC()
	if err := s.records.UpdateFile(ctx, f); err != nil {
		return storeError(err, "file")
	}
	return nil
}

// committed runs the post-write steps shared by every mutation.
func (s *Service) committed(ctx context.Context, actor auth.Actor, action, fileUID string, invalidate bool) {
	if invalidate {
		if n := s.cache.InvalidateFile(fileUID); n > 0 {
			s.log.DebugContext(ctx, "redirect cache invalidated", logger.FileUID(fileUID), slog.Int("entries", n))
		}
	}
	s.emitter.Emit(ctx, hook.Event{Action: action, FileUID: fileUID, UserUID: actor.UserUID})
	s.log.InfoContext(ctx, "file updated", logger.Action(action), logger.FileUID(fileUID), logger.UserUID(actor.UserUID))
}

func storeError(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmerr.NotFound(what + " not found")
	case errors.Is(err, store.ErrDuplicate):
		return fmerr.Conflict(what + " already exists")
	}
	return fmerr.Internal("failed to access "+what+" records", err)
}
