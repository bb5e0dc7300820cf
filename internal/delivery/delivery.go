// Package delivery serves file content: the public endpoint that redirects
// to signed URLs or streams local bytes, and the authenticated content path.
package delivery

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/fmkit/filemanager/internal/access"
	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/metrics"
	"github.com/fmkit/filemanager/internal/redirectcache"
	"github.com/fmkit/filemanager/internal/storage"
)

const (
	DefaultCacheControl = "public, max-age=300"
	privateCacheControl = "private, no-store"
)

// Delivery outcomes recorded in metrics.
const (
	outcomeCached   = "redirect_cached"
	outcomeRedirect = "redirect"
	outcomeStream   = "stream"
	outcomeNotFound = "not_found"
	outcomeError    = "error"
)

// ErrorWriter renders a typed failure as an API envelope.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Handler serves file content.
type Handler struct {
	resolver     *access.Resolver
	cache        *redirectcache.Cache
	cacheControl string
	onError      ErrorWriter
	log          *slog.Logger
}

type Option func(*Handler)

// WithCacheControl sets the Cache-Control value of public responses.
func WithCacheControl(v string) Option {
	return func(h *Handler) {
		if v != "" {
			h.cacheControl = v
		}
	}
}

// WithErrorWriter sets the renderer for typed non-404 failures.
func WithErrorWriter(fn ErrorWriter) Option {
	return func(h *Handler) {
		if fn != nil {
			h.onError = fn
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func New(resolver *access.Resolver, cache *redirectcache.Cache, opts ...Option) *Handler {
	h := &Handler{
		resolver:     resolver,
		cache:        cache,
		cacheControl: DefaultCacheControl,
		onError: func(w http.ResponseWriter, _ *http.Request, err error) {
			fe, _ := fmerr.As(err)
			status := http.StatusInternalServerError
			if fe != nil {
				status = fe.Status()
			}
			http.Error(w, http.StatusText(status), status)
		},
		log: logger.Discard(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(logger.Component("delivery"))
	return h
}

// Selector is what a content request asks for.
type Selector struct {
	Variant  domain.VariantKind
	Download bool
}

// ParseSelector reads the public query: variant, else the width hint w,
// else the original.
func ParseSelector(r *http.Request) Selector {
	q := r.URL.Query()
	sel := Selector{Variant: domain.VariantOriginal, Download: isTrue(q.Get("download"))}

	if kind := domain.VariantKind(q.Get("variant")); kind.Derived() {
		sel.Variant = kind
		return sel
	}
	if w, err := strconv.Atoi(q.Get("w")); err == nil {
		if kind, ok := domain.VariantForWidth(w); ok {
			sel.Variant = kind
		}
	}
	return sel
}

// ServePublic serves uid without authentication. Missing, private and archived
// files answer a bare 404.
func (h *Handler) ServePublic(w http.ResponseWriter, r *http.Request, uid string) {
	ctx := r.Context()
	sel := ParseSelector(r)
	key := redirectcache.Key(uid, sel.Variant, sel.Download)

	if url, ok := h.cache.Get(key); ok {
		metrics.RecordCacheLookup(true)
		metrics.RecordDelivery(outcomeCached)
		w.Header().Set("Cache-Control", h.cacheControl)
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	if h.cache.Enabled() {
		metrics.RecordCacheLookup(false)
	}

	f, err := h.resolver.Load(ctx, uid)
	if err != nil {
		h.fail(w, r, uid, err, true)
		return
	}
	if !f.IsPublic || f.Archived() {
		notFound(w)
		return
	}

	desc, err := h.resolve(ctx, f, sel)
	if err != nil {
		h.fail(w, r, uid, err, true)
		return
	}
	if desc.Provider == domain.ProviderRemote {
		// Cached before any byte of the response is written.
		h.cache.Set(key, desc.RedirectURL)
	}
	h.write(w, r, f, desc, sel, h.cacheControl, true)
}

// ServeContent serves uid to an authenticated actor. The redirect cache is
// neither read nor written.
func (h *Handler) ServeContent(w http.ResponseWriter, r *http.Request, actor auth.Actor, uid string, sel Selector) {
	ctx := r.Context()

	f, err := h.resolver.Load(ctx, uid)
	if err != nil {
		h.fail(w, r, uid, err, false)
		return
	}
	if err := auth.CanRead(f, actor); err != nil {
		h.fail(w, r, uid, err, false)
		return
	}
	desc, err := h.resolve(ctx, f, sel)
	if err != nil {
		h.fail(w, r, uid, err, false)
		return
	}

	cacheControl := privateCacheControl
	if f.IsPublic && !f.Archived() {
		cacheControl = h.cacheControl
	}
	h.write(w, r, f, desc, sel, cacheControl, false)
}

func (h *Handler) resolve(ctx context.Context, f *domain.File, sel Selector) (*domain.AccessDescriptor, error) {
	opts := access.Options{Variant: sel.Variant, Download: sel.Download}
	desc, err := h.resolver.ResolveFile(ctx, f, opts)
	if err != nil && sel.Variant.Derived() && h.resolver.FallbackEnabled(opts) {
		h.log.DebugContext(ctx, "variant resolution failed, serving original",
			logger.FileUID(f.UID), logger.VariantKind(sel.Variant), logger.Error(err))
		metrics.RecordVariantFallback()
		opts.Variant = domain.VariantOriginal
		return h.resolver.ResolveFile(ctx, f, opts)
	}
	return desc, err
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, f *domain.File, desc *domain.AccessDescriptor, sel Selector, cacheControl string, public bool) {
	if desc.Provider == domain.ProviderLocal {
		file, info, err := openLocal(desc.AbsPath)
		if errors.Is(err, fs.ErrNotExist) && desc.Variant != nil && h.resolver.FallbackEnabled(access.Options{}) {
			metrics.RecordVariantFallback()
			fallback, ferr := h.resolver.ResolveFile(r.Context(), f, access.Options{Download: sel.Download})
			if ferr != nil {
				h.fail(w, r, f.UID, ferr, public)
				return
			}
			if fallback.Provider == domain.ProviderRemote {
				if public {
					h.cache.Set(redirectcache.Key(f.UID, sel.Variant, sel.Download), fallback.RedirectURL)
				}
				h.write(w, r, f, fallback, sel, cacheControl, public)
				return
			}
			desc = fallback
			file, info, err = openLocal(desc.AbsPath)
		}
		if err != nil {
			h.fail(w, r, f.UID, localError(err), public)
			return
		}
		defer file.Close()

		setHeaders(w, f, desc, sel, cacheControl)
		metrics.RecordDelivery(outcomeStream)
		http.ServeContent(w, r, f.OriginalFilename, info.ModTime(), file)
		return
	}

	setHeaders(w, f, desc, sel, cacheControl)
	metrics.RecordDelivery(outcomeRedirect)
	http.Redirect(w, r, desc.RedirectURL, http.StatusFound)
}

// fail renders err. On the public path Not-Found and untyped errors are a
// bare 404 so the endpoint never reveals why content is unavailable.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, uid string, err error, public bool) {
	kind := fmerr.KindOf(err)
	if kind != fmerr.KindNotFound {
		h.log.WarnContext(r.Context(), "content delivery failed", logger.FileUID(uid), logger.Error(err))
	}
	if kind == fmerr.KindNotFound {
		metrics.RecordDelivery(outcomeNotFound)
	} else {
		metrics.RecordDelivery(outcomeError)
	}

	if public {
		if _, typed := fmerr.As(err); !typed || kind == fmerr.KindNotFound {
			notFound(w)
			return
		}
	}
	h.onError(w, r, err)
}

func setHeaders(w http.ResponseWriter, f *domain.File, desc *domain.AccessDescriptor, sel Selector, cacheControl string) {
	hdr := w.Header()
	hdr.Set("Content-Type", desc.ContentType)
	hdr.Set("Cache-Control", cacheControl)
	if etag := ETag(f, desc.Variant); etag != "" {
		hdr.Set("ETag", etag)
	}
	if sel.Download {
		hdr.Set("Content-Disposition", storage.AttachmentDisposition(f.OriginalFilename))
	}
}

// ETag is the quoted sha256 of an original, or "<variant uid>-<byte size>"
// for a variant. Originals without a recorded hash have no ETag.
func ETag(f *domain.File, v *domain.Variant) string {
	if v != nil {
		return `"` + v.UID + "-" + strconv.FormatInt(v.ByteSize, 10) + `"`
	}
	if f.SHA256 != nil && *f.SHA256 != "" {
		return `"` + *f.SHA256 + `"`
	}
	return ""
}

func openLocal(path string) (*os.File, os.FileInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, nil, fs.ErrNotExist
	}
	return file, info, nil
}

func localError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmerr.NotFound("content not found")
	}
	return fmerr.Storage("failed to open content", err)
}

func notFound(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", privateCacheControl)
	w.WriteHeader(http.StatusNotFound)
}

func isTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
