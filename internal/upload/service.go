package upload

import (
	"errors"

	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/store"
)

// Service exposes the upload protocol for originals and for variants.
type Service struct {
	Files    *Protocol[FileMeta, FileResult]
	Variants *Protocol[VariantMeta, VariantResult]
}

// Config holds the service-level upload settings.
type Config struct {
	Policy        Policy
	DefaultPublic bool
}

// NewService wires both protocol instances over the same store, drivers and staging.
func NewService(records store.Store, drivers *storage.Registry, staging Staging, cfg Config, opts ...Option) *Service {
	o := newOptions(opts)

	files := NewFileTarget(records, cfg.DefaultPublic)
	files.now = o.now

	variants := NewVariantTarget(records, drivers)
	variants.now = o.now
	variants.log = o.log

	return &Service{
		Files:    NewProtocol(files, drivers, staging, cfg.Policy, opts...),
		Variants: NewProtocol(variants, drivers, staging, cfg.Policy, opts...),
	}
}

func isStoreNotFound(err error) bool  { return errors.Is(err, store.ErrNotFound) }
func isStoreDuplicate(err error) bool { return errors.Is(err, store.ErrDuplicate) }
