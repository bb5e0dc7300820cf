// Package access answers how a stored file is served: a signed redirect for
// remote backends or an absolute path for the local one.
package access

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/metrics"
	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/store"
)

// Records is the part of the record store the resolver reads.
type Records interface {
	GetFile(ctx context.Context, uid string) (*domain.File, error)
	FindVariant(ctx context.Context, fileUID string, kind domain.VariantKind) (*domain.Variant, error)
}

// Options select what to resolve.
type Options struct {
	// Variant is a derived kind; empty or original resolves the original.
	Variant domain.VariantKind
	// Download requests an attachment disposition from remote backends.
	Download bool
	// ExpiresIn bounds signed URLs. Zero uses the driver default.
	ExpiresIn time.Duration
	// DisableFallback turns a missing variant into Not-Found.
	DisableFallback bool
}

type Resolver struct {
	records  Records
	drivers  *storage.Registry
	fallback bool
	log      *slog.Logger
}

type Option func(*Resolver)

// WithFallback toggles variant-to-original fallback. Enabled by default.
func WithFallback(enabled bool) Option {
	return func(r *Resolver) { r.fallback = enabled }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

func New(records Records, drivers *storage.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		records:  records,
		drivers:  drivers,
		fallback: true,
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FallbackEnabled reports whether opts allow degrading a variant to the original.
func (r *Resolver) FallbackEnabled(opts Options) bool {
	return r.fallback && !opts.DisableFallback
}

// Load fetches the file record.
func (r *Resolver) Load(ctx context.Context, fileUID string) (*domain.File, error) {
	f, err := r.records.GetFile(ctx, fileUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmerr.NotFound("file not found")
		}
		return nil, fmerr.Internal("failed to load file", err)
	}
	return f, nil
}

// Resolve loads the file and resolves its access descriptor.
func (r *Resolver) Resolve(ctx context.Context, fileUID string, opts Options) (*domain.AccessDescriptor, error) {
	f, err := r.Load(ctx, fileUID)
	if err != nil {
		return nil, err
	}
	return r.ResolveFile(ctx, f, opts)
}

// ResolveFile resolves an already loaded file.
func (r *Resolver) ResolveFile(ctx context.Context, f *domain.File, opts Options) (*domain.AccessDescriptor, error) {
	if opts.Variant.Derived() {
		v, err := r.records.FindVariant(ctx, f.UID, opts.Variant)
		switch {
		case err == nil:
			return r.describe(ctx, f, v, opts)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmerr.Internal("failed to load variant", err)
		case !r.FallbackEnabled(opts):
			return nil, fmerr.NotFound("variant not found")
		}
		r.log.DebugContext(ctx, "variant missing, resolving original",
			logger.FileUID(f.UID), logger.VariantKind(opts.Variant))
		metrics.RecordVariantFallback()
	}
	return r.describe(ctx, f, nil, opts)
}

func (r *Resolver) describe(ctx context.Context, f *domain.File, v *domain.Variant, opts Options) (*domain.AccessDescriptor, error) {
	obj := f.Object()
	contentType := domain.NormalizeContentType(f.MimeType, f.OriginalFilename)
	kind := domain.VariantOriginal
	if v != nil {
		obj = v.Object()
		contentType = domain.NormalizeContentType(v.MimeType, v.ObjectKey)
		kind = v.Kind
	}

	driver, err := r.drivers.Driver(obj.Location)
	if err != nil {
		return nil, fmerr.Storage("storage backend is not configured", err)
	}

	acc, err := driver.Access(ctx, obj, storage.AccessOptions{
		ContentType: contentType,
		Filename:    f.OriginalFilename,
		Download:    opts.Download,
		ExpiresIn:   opts.ExpiresIn,
	})
	if err != nil {
		return nil, fmerr.Storage("failed to resolve content access", err)
	}

	d := &domain.AccessDescriptor{
		ContentType: contentType,
		File:        f,
		Variant:     v,
		VariantKind: kind,
	}
	if acc.RedirectURL != "" {
		d.Provider = domain.ProviderRemote
		d.RedirectURL = acc.RedirectURL
	} else {
		d.Provider = domain.ProviderLocal
		d.AbsPath = acc.AbsPath
	}
	return d, nil
}
