// Package storage provides the byte-level backends of the file manager.
//
// A Driver stores objects addressed by domain.ObjectRef and answers access
// questions: remote drivers sign time-bounded GET URLs, the local driver hands
// out absolute paths that are streamed by the delivery layer.
package storage

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fmkit/filemanager/internal/domain"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
	// SHA256 is the hex digest recorded by the backend, empty when it keeps none.
	SHA256 string `json:"sha256,omitempty"`
}

// PutResult is returned by Driver.Put.
type PutResult struct {
	Size   int64
	SHA256 string
}

// PresignedRequest is a credential for a direct client write.
type PresignedRequest struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// PresignPutOptions tune a direct-write credential.
type PresignPutOptions struct {
	ContentType string
	// SHA256 is a hex digest the backend enforces on the written bytes.
	SHA256    string
	ExpiresIn time.Duration
}

// AccessOptions tune how an object is exposed.
type AccessOptions struct {
	ContentType string
	Filename    string
	Download    bool
	ExpiresIn   time.Duration
}

// Access tells how to serve an object. Exactly one of RedirectURL and AbsPath is set.
type Access struct {
	RedirectURL string
	AbsPath     string
}

// Driver is a storage backend.
type Driver interface {
	// Location identifies the backend.
	Location() domain.Location
	// DefaultBucket is used when an upload carries no bucket hint.
	DefaultBucket() string
	// SupportsPresign reports whether PresignPut can issue direct-write credentials.
	SupportsPresign() bool
	// Put writes r to obj, hashing it while streaming.
	Put(ctx context.Context, obj domain.ObjectRef, r io.Reader, contentType string) (PutResult, error)
	// Stat returns ErrObjectNotFound when obj does not exist.
	Stat(ctx context.Context, obj domain.ObjectRef) (ObjectInfo, error)
	// Delete removes obj. Missing objects are not an error.
	Delete(ctx context.Context, obj domain.ObjectRef) error
	// Move relocates the object at from to to.
	Move(ctx context.Context, from, to domain.ObjectRef) error
	// PresignPut issues a direct-write credential, or ErrPresignUnsupported.
	PresignPut(ctx context.Context, obj domain.ObjectRef, opts PresignPutOptions) (*PresignedRequest, error)
	// Access resolves how obj is served. It never checks existence.
	Access(ctx context.Context, obj domain.ObjectRef, opts AccessOptions) (Access, error)
}

// Registry holds one driver per location.
type Registry struct {
	drivers  map[domain.Location]Driver
	fallback domain.Location
}

// NewRegistry registers drivers. The first driver is the default unless
// SetDefault is called.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[domain.Location]Driver, len(drivers))}
	for _, d := range drivers {
		if r.fallback == "" {
			r.fallback = d.Location()
		}
		r.drivers[d.Location()] = d
	}
	return r
}

// SetDefault selects the default location.
func (r *Registry) SetDefault(loc domain.Location) error {
	if _, ok := r.drivers[loc]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLocation, loc)
	}
	r.fallback = loc
	return nil
}

// Driver returns the driver for loc.
func (r *Registry) Driver(loc domain.Location) (Driver, error) {
	d, ok := r.drivers[loc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocation, loc)
	}
	return d, nil
}

// Default returns the default driver.
func (r *Registry) Default() Driver {
	return r.drivers[r.fallback]
}

// Locations lists the registered locations in sorted order.
func (r *Registry) Locations() []domain.Location {
	return slices.Sorted(maps.Keys(r.drivers))
}

// AttachmentDisposition builds an attachment Content-Disposition value with the
// filename percent-encoded as an RFC 5987 ext-value.
func AttachmentDisposition(filename string) string {
	return "attachment; filename*=UTF-8''" + encodeExtValue(filename)
}

func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
