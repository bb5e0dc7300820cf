package files

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/fmkit/filemanager/internal/access"
	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/store"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	MinURLExpiry     = time.Second
	MaxURLExpiry     = 7 * 24 * time.Hour
	DefaultURLExpiry = time.Hour
)

// ListQuery filters a listing. Non-admin listings are always scoped to the actor.
type ListQuery struct {
	Search          string
	OwnerUserUID    string
	IsPublic        *bool
	IncludeArchived bool
	Limit           int
	Offset          int
	OrderBy         string
	Direction       string
	IncludeVariants bool
}

// ListItem is a file with its variants when requested.
type ListItem struct {
	*domain.File
	Variants []*domain.Variant `json:"variants,omitempty"`
}

// Page is one page of a listing.
type Page struct {
	Items  []ListItem `json:"items"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// ObjectMetadata describes the stored bytes of a file.
type ObjectMetadata struct {
	Object       domain.ObjectRef `json:"object"`
	Size         int64            `json:"size"`
	ContentType  string           `json:"content_type"`
	ETag         string           `json:"etag,omitempty"`
	LastModified time.Time        `json:"last_modified"`
}

// SignedURL is a time-bounded content URL.
type SignedURL struct {
	URL         string             `json:"url"`
	Provider    domain.Provider    `json:"provider"`
	VariantKind domain.VariantKind `json:"variant_kind"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
}

// Get returns a file the actor may read.
func (s *Service) Get(ctx context.Context, actor auth.Actor, uid string) (*domain.File, error) {
	f, err := s.get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if err := auth.CanRead(f, actor); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) List(ctx context.Context, actor auth.Actor, q ListQuery) (*Page, error) {
	filter, err := s.listFilter(actor, q)
	if err != nil {
		return nil, err
	}

	records, total, err := s.records.ListFiles(ctx, filter)
	if err != nil {
		return nil, storeError(err, "file")
	}

	page := &Page{Items: make([]ListItem, 0, len(records)), Total: total, Limit: filter.Limit, Offset: filter.Offset}
	for _, f := range records {
		item := ListItem{File: f}
		if q.IncludeVariants {
			if item.Variants, err = s.records.ListVariants(ctx, f.UID); err != nil {
				return nil, storeError(err, "variant")
			}
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

func (s *Service) listFilter(actor auth.Actor, q ListQuery) (store.ListFilter, error) {
	d := fmerr.Details{}
	filter := store.ListFilter{
		Search:          q.Search,
		OwnerUserUID:    q.OwnerUserUID,
		IsPublic:        q.IsPublic,
		IncludeArchived: q.IncludeArchived,
		Limit:           q.Limit,
		Offset:          q.Offset,
		OrderBy:         q.OrderBy,
	}

	switch {
	case q.Limit == 0:
		filter.Limit = DefaultLimit
	case q.Limit < 0 || q.Limit > MaxLimit:
		d.Add("limit", fmt.Sprintf("must be between 1 and %d", MaxLimit))
	}
	if q.Offset < 0 {
		d.Add("offset", "must not be negative")
	}
	if filter.OrderBy == "" {
		filter.OrderBy = store.OrderCreatedAt
	} else if !store.ValidOrder(filter.OrderBy) {
		d.Add("orderBy", "must be one of created_at, updated_at, original_filename, byte_size")
	}
	switch q.Direction {
	case "", "desc":
		filter.Descending = true
	case "asc":
	default:
		d.Add("orderDirection", "must be asc or desc")
	}
	if !d.Empty() {
		return store.ListFilter{}, fmerr.Validation("invalid listing query", d)
	}

	if !actor.IsAdmin {
		if actor.UserUID == "" {
			return store.ListFilter{}, fmerr.Forbidden("listing requires a user")
		}
		filter.OwnerUserUID = actor.UserUID
	}
	return filter, nil
}

// Variants lists the variants of a readable file.
func (s *Service) Variants(ctx context.Context, actor auth.Actor, uid string) ([]*domain.Variant, error) {
	if _, err := s.Get(ctx, actor, uid); err != nil {
		return nil, err
	}
	variants, err := s.records.ListVariants(ctx, uid)
	if err != nil {
		return nil, storeError(err, "variant")
	}
	return variants, nil
}

// ObjectMetadata stats the stored original.
func (s *Service) ObjectMetadata(ctx context.Context, actor auth.Actor, uid string) (*ObjectMetadata, error) {
	f, err := s.Get(ctx, actor, uid)
	if err != nil {
		return nil, err
	}
	driver, err := s.drivers.Driver(f.StorageLocation)
	if err != nil {
		return nil, fmerr.Storage("storage backend is not configured", err)
	}

	info, err := driver.Stat(ctx, f.Object())
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmerr.NotFound("stored object not found")
	}
	if err != nil {
		return nil, fmerr.Storage("failed to inspect stored object", err)
	}
	return &ObjectMetadata{
		Object:       f.Object(),
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

// URL returns a time-bounded URL for the file or one of its variants.
// Local storage has no signed URLs; the authenticated content path is returned.
func (s *Service) URL(ctx context.Context, actor auth.Actor, uid string, kind domain.VariantKind, expiresIn time.Duration) (*SignedURL, error) {
	d := fmerr.Details{}
	if kind != "" {
		if _, err := domain.ParseVariantKind(string(kind)); err != nil {
			d.Add("variantKind", "must be one of original, thumb, preview, web")
		}
	}
	if expiresIn == 0 {
		expiresIn = DefaultURLExpiry
	}
	if expiresIn < MinURLExpiry || expiresIn > MaxURLExpiry {
		d.Add("expiresInSeconds", fmt.Sprintf("must be between %d and %d", int(MinURLExpiry.Seconds()), int(MaxURLExpiry.Seconds())))
	}
	if !d.Empty() {
		return nil, fmerr.Validation("invalid url request", d)
	}

	f, err := s.Get(ctx, actor, uid)
	if err != nil {
		return nil, err
	}
	desc, err := s.resolver.ResolveFile(ctx, f, access.Options{Variant: kind, ExpiresIn: expiresIn})
	if err != nil {
		return nil, err
	}

	if desc.Provider == domain.ProviderRemote {
		expires := s.now().Add(expiresIn).UTC()
		return &SignedURL{URL: desc.RedirectURL, Provider: desc.Provider, VariantKind: desc.VariantKind, ExpiresAt: &expires}, nil
	}
	u := s.contentBase + "/" + url.PathEscape(f.UID) + "/content"
	if desc.VariantKind.Derived() {
		u += "?variantKind=" + url.QueryEscape(string(desc.VariantKind))
	}
	return &SignedURL{URL: u, Provider: desc.Provider, VariantKind: desc.VariantKind}, nil
}
