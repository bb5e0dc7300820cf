// Package store defines the record store consumed by the file manager:
// files, their variants and entity links.
package store

import (
	"context"
	"errors"

	"github.com/fmkit/filemanager/internal/domain"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Sortable columns of ListFiles.
const (
	OrderCreatedAt        = "created_at"
	OrderUpdatedAt        = "updated_at"
	OrderOriginalFilename = "original_filename"
	OrderByteSize         = "byte_size"
)

// ValidOrder reports whether column can be used in ListFilter.OrderBy.
func ValidOrder(column string) bool {
	switch column {
	case OrderCreatedAt, OrderUpdatedAt, OrderOriginalFilename, OrderByteSize:
		return true
	}
	return false
}

// ListFilter narrows ListFiles. Zero values mean "no constraint".
type ListFilter struct {
	Search          string // case-insensitive match on filename and title
	OwnerUserUID    string
	IsPublic        *bool
	IncludeArchived bool
	Limit           int
	Offset          int
	OrderBy         string
	Descending      bool
}

// Store persists records. Implementations return ErrNotFound for missing
// records and ErrDuplicate for uniqueness violations.
type Store interface {
	CreateFile(ctx context.Context, f *domain.File) error
	GetFile(ctx context.Context, uid string) (*domain.File, error)
	// UpdateFile replaces every mutable column of an existing file.
	UpdateFile(ctx context.Context, f *domain.File) error
	// DeleteFile removes the file together with its variants and links.
	DeleteFile(ctx context.Context, uid string) error
	ListFiles(ctx context.Context, filter ListFilter) ([]*domain.File, int, error)

	// CreateVariant fails with ErrDuplicate when the file already has a variant of that kind.
	CreateVariant(ctx context.Context, v *domain.Variant) error
	// UpdateVariant replaces the storage columns and dimensions of a variant.
	UpdateVariant(ctx context.Context, v *domain.Variant) error
	GetVariant(ctx context.Context, uid string) (*domain.Variant, error)
	FindVariant(ctx context.Context, fileUID string, kind domain.VariantKind) (*domain.Variant, error)
	ListVariants(ctx context.Context, fileUID string) ([]*domain.Variant, error)

	CreateLink(ctx context.Context, l *domain.Link) error
	ListLinks(ctx context.Context, fileUID string) ([]*domain.Link, error)
	DeleteLink(ctx context.Context, fileUID, linkUID string) error
}
