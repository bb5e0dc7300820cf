// Package memory is an in-process store.Store used for development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/store"
)

// Store keeps records in maps guarded by a RWMutex. Records are copied on the
// way in and out so callers never share memory with the store.
type Store struct {
	mu       sync.RWMutex
	files    map[string]*domain.File
	variants map[string]*domain.Variant
	links    map[string]*domain.Link
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		files:    make(map[string]*domain.File),
		variants: make(map[string]*domain.Variant),
		links:    make(map[string]*domain.Link),
	}
}

func (s *Store) CreateFile(ctx context.Context, f *domain.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[f.UID]; ok {
		return fmt.Errorf("%w: file %s", store.ErrDuplicate, f.UID)
	}
	s.files[f.UID] = copyFile(f)
	return nil
}

func (s *Store) GetFile(ctx context.Context, uid string) (*domain.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[uid]
	if !ok {
		return nil, fmt.Errorf("%w: file %s", store.ErrNotFound, uid)
	}
	return copyFile(f), nil
}

func (s *Store) UpdateFile(ctx context.Context, f *domain.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[f.UID]; !ok {
		return fmt.Errorf("%w: file %s", store.ErrNotFound, f.UID)
	}
	s.files[f.UID] = copyFile(f)
	return nil
}

func (s *Store) DeleteFile(ctx context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[uid]; !ok {
		return fmt.Errorf("%w: file %s", store.ErrNotFound, uid)
	}
	delete(s.files, uid)
	maps.DeleteFunc(s.variants, func(_ string, v *domain.Variant) bool { return v.VariantOfUID == uid })
	maps.DeleteFunc(s.links, func(_ string, l *domain.Link) bool { return l.FileUID == uid })
	return nil
}

func (s *Store) ListFiles(ctx context.Context, filter store.ListFilter) ([]*domain.File, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	matched := make([]*domain.File, 0, len(s.files))
	for _, f := range s.files {
		if !filter.IncludeArchived && f.Archived() {
			continue
		}
		if filter.OwnerUserUID != "" && !f.OwnedBy(filter.OwnerUserUID) {
			continue
		}
		if filter.IsPublic != nil && f.IsPublic != *filter.IsPublic {
			continue
		}
		if search != "" && !matchesSearch(f, search) {
			continue
		}
		matched = append(matched, f)
	}

	slices.SortFunc(matched, func(a, b *domain.File) int {
		c := compareBy(a, b, filter.OrderBy)
		if c == 0 {
			c = strings.Compare(a.UID, b.UID)
		}
		if filter.Descending {
			return -c
		}
		return c
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	out := make([]*domain.File, 0, end-start)
	for _, f := range matched[start:end] {
		out = append(out, copyFile(f))
	}
	return out, total, nil
}

func (s *Store) CreateVariant(ctx context.Context, v *domain.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[v.VariantOfUID]; !ok {
		return fmt.Errorf("%w: file %s", store.ErrNotFound, v.VariantOfUID)
	}
	if _, ok := s.variants[v.UID]; ok {
		return fmt.Errorf("%w: variant %s", store.ErrDuplicate, v.UID)
	}
	for _, existing := range s.variants {
		if existing.VariantOfUID == v.VariantOfUID && existing.Kind == v.Kind {
			return fmt.Errorf("%w: variant %s of %s", store.ErrDuplicate, v.Kind, v.VariantOfUID)
		}
	}
	s.variants[v.UID] = copyVariant(v)
	return nil
}

func (s *Store) UpdateVariant(ctx context.Context, v *domain.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.variants[v.UID]
	if !ok {
		return fmt.Errorf("%w: variant %s", store.ErrNotFound, v.UID)
	}
	updated := copyVariant(v)
	updated.VariantOfUID = existing.VariantOfUID
	updated.Kind = existing.Kind
	updated.CreatedAt = existing.CreatedAt
	s.variants[v.UID] = updated
	return nil
}

func (s *Store) GetVariant(ctx context.Context, uid string) (*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.variants[uid]
	if !ok {
		return nil, fmt.Errorf("%w: variant %s", store.ErrNotFound, uid)
	}
	return copyVariant(v), nil
}

func (s *Store) FindVariant(ctx context.Context, fileUID string, kind domain.VariantKind) (*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.variants {
		if v.VariantOfUID == fileUID && v.Kind == kind {
			return copyVariant(v), nil
		}
	}
	return nil, fmt.Errorf("%w: variant %s of %s", store.ErrNotFound, kind, fileUID)
}

func (s *Store) ListVariants(ctx context.Context, fileUID string) ([]*domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Variant, 0)
	for _, v := range s.variants {
		if v.VariantOfUID == fileUID {
			out = append(out, copyVariant(v))
		}
	}
	slices.SortFunc(out, func(a, b *domain.Variant) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(string(a.Kind), string(b.Kind)))
	})
	return out, nil
}

func (s *Store) CreateLink(ctx context.Context, l *domain.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[l.FileUID]; !ok {
		return fmt.Errorf("%w: file %s", store.ErrNotFound, l.FileUID)
	}
	for _, existing := range s.links {
		if existing.FileUID == l.FileUID &&
			existing.LinkedEntityType == l.LinkedEntityType &&
			existing.LinkedEntityUID == l.LinkedEntityUID &&
			existing.LinkedField == l.LinkedField {
			return fmt.Errorf("%w: link %s/%s", store.ErrDuplicate, l.LinkedEntityType, l.LinkedEntityUID)
		}
	}
	cp := *l
	s.links[l.UID] = &cp
	return nil
}

func (s *Store) ListLinks(ctx context.Context, fileUID string) ([]*domain.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Link, 0)
	for _, l := range s.links {
		if l.FileUID == fileUID {
			cp := *l
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Link) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.UID, b.UID))
	})
	return out, nil
}

func (s *Store) DeleteLink(ctx context.Context, fileUID, linkUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.links[linkUID]
	if !ok || l.FileUID != fileUID {
		return fmt.Errorf("%w: link %s", store.ErrNotFound, linkUID)
	}
	delete(s.links, linkUID)
	return nil
}

func matchesSearch(f *domain.File, search string) bool {
	if strings.Contains(strings.ToLower(f.OriginalFilename), search) {
		return true
	}
	return f.Title != nil && strings.Contains(strings.ToLower(*f.Title), search)
}

func compareBy(a, b *domain.File, column string) int {
	switch column {
	case store.OrderUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case store.OrderOriginalFilename:
		return strings.Compare(strings.ToLower(a.OriginalFilename), strings.ToLower(b.OriginalFilename))
	case store.OrderByteSize:
		return cmp.Compare(a.ByteSize, b.ByteSize)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func copyFile(f *domain.File) *domain.File {
	cp := *f
	cp.Tags = slices.Clone(f.Tags)
	cp.OwnerUserUID = clonePtr(f.OwnerUserUID)
	cp.Title = clonePtr(f.Title)
	cp.AltText = clonePtr(f.AltText)
	cp.SHA256 = clonePtr(f.SHA256)
	cp.Purpose = clonePtr(f.Purpose)
	cp.CreatedBy = clonePtr(f.CreatedBy)
	cp.ArchivedAt = clonePtr(f.ArchivedAt)
	return &cp
}

func copyVariant(v *domain.Variant) *domain.Variant {
	cp := *v
	cp.Width = clonePtr(v.Width)
	cp.Height = clonePtr(v.Height)
	cp.Transform = maps.Clone(v.Transform)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
