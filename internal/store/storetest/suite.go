// Package storetest holds the behaviour every store.Store implementation must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewFile builds a valid file record; n shifts the timestamps and size.
func NewFile(uid string, n int) *domain.File {
	owner := "user-1"
	return &domain.File{
		UID:              uid,
		OwnerUserUID:     &owner,
		OriginalFilename: fmt.Sprintf("photo-%d.png", n),
		Tags:             []string{"a"},
		StorageLocation:  domain.LocationLocal,
		Bucket:           "files",
		ObjectKey:        "uploads/" + uid + ".png",
		ByteSize:         int64(100 * (n + 1)),
		MimeType:         "image/png",
		CreatedAt:        base.Add(time.Duration(n) * time.Minute),
		UpdatedAt:        base.Add(time.Duration(n) * time.Minute),
	}
}

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("file lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		f := NewFile("f1", 0)
		require.NoError(t, s.CreateFile(ctx, f))
		assert.ErrorIs(t, s.CreateFile(ctx, f), store.ErrDuplicate)

		got, err := s.GetFile(ctx, "f1")
		require.NoError(t, err)
		assert.Equal(t, f.OriginalFilename, got.OriginalFilename)
		assert.Equal(t, "user-1", *got.OwnerUserUID)
		assert.Equal(t, []string{"a"}, got.Tags)
		assert.Nil(t, got.ArchivedAt)

		title := "Sunset"
		archived := base.Add(time.Hour)
		got.Title = &title
		got.ArchivedAt = &archived
		got.IsPublic = true
		require.NoError(t, s.UpdateFile(ctx, got))

		again, err := s.GetFile(ctx, "f1")
		require.NoError(t, err)
		require.NotNil(t, again.Title)
		assert.Equal(t, "Sunset", *again.Title)
		assert.True(t, again.IsPublic)
		assert.True(t, again.Archived())

		_, err = s.GetFile(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.UpdateFile(ctx, NewFile("missing", 1)), store.ErrNotFound)
	})

	t.Run("delete cascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateFile(ctx, NewFile("f1", 0)))
		require.NoError(t, s.CreateVariant(ctx, newVariant("v1", "f1", domain.VariantThumb)))
		require.NoError(t, s.CreateLink(ctx, newLink("l1", "f1", "post", "p1")))

		require.NoError(t, s.DeleteFile(ctx, "f1"))
		assert.ErrorIs(t, s.DeleteFile(ctx, "f1"), store.ErrNotFound)

		_, err := s.GetVariant(ctx, "v1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		links, err := s.ListLinks(ctx, "f1")
		require.NoError(t, err)
		assert.Empty(t, links)
	})

	t.Run("list filters and ordering", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := range 5 {
			f := NewFile(fmt.Sprintf("f%d", i), i)
			if i == 4 {
				now := base
				f.ArchivedAt = &now
			}
			if i%2 == 0 {
				f.IsPublic = true
			}
			require.NoError(t, s.CreateFile(ctx, f))
		}
		other := NewFile("other", 9)
		owner := "user-2"
		title := "Holiday Beach"
		other.OwnerUserUID = &owner
		other.Title = &title
		require.NoError(t, s.CreateFile(ctx, other))

		items, total, err := s.ListFiles(ctx, store.ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, total, "archived files are excluded by default")
		assert.Len(t, items, 5)
		assert.Equal(t, "f0", items[0].UID)

		_, total, err = s.ListFiles(ctx, store.ListFilter{IncludeArchived: true})
		require.NoError(t, err)
		assert.Equal(t, 6, total)

		items, total, err = s.ListFiles(ctx, store.ListFilter{OwnerUserUID: "user-1", Limit: 2, Offset: 1, Descending: true})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		require.Len(t, items, 2)
		assert.Equal(t, "f2", items[0].UID)
		assert.Equal(t, "f1", items[1].UID)

		public := true
		_, total, err = s.ListFiles(ctx, store.ListFilter{IsPublic: &public})
		require.NoError(t, err)
		assert.Equal(t, 2, total)

		items, total, err = s.ListFiles(ctx, store.ListFilter{Search: "beach"})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "other", items[0].UID)

		items, _, err = s.ListFiles(ctx, store.ListFilter{OrderBy: store.OrderByteSize, Descending: true, Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, "other", items[0].UID)
	})

	t.Run("variants", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateFile(ctx, NewFile("f1", 0)))
		v := newVariant("v1", "f1", domain.VariantThumb)
		require.NoError(t, s.CreateVariant(ctx, v))
		assert.ErrorIs(t, s.CreateVariant(ctx, newVariant("v2", "f1", domain.VariantThumb)), store.ErrDuplicate)
		assert.ErrorIs(t, s.CreateVariant(ctx, newVariant("v3", "nope", domain.VariantThumb)), store.ErrNotFound)
		require.NoError(t, s.CreateVariant(ctx, newVariant("v4", "f1", domain.VariantWeb)))

		found, err := s.FindVariant(ctx, "f1", domain.VariantThumb)
		require.NoError(t, err)
		assert.Equal(t, "v1", found.UID)
		_, err = s.FindVariant(ctx, "f1", domain.VariantPreview)
		assert.ErrorIs(t, err, store.ErrNotFound)

		width := 200
		found.Width = &width
		found.ByteSize = 77
		found.Transform = map[string]any{"fit": "cover"}
		require.NoError(t, s.UpdateVariant(ctx, found))

		got, err := s.GetVariant(ctx, "v1")
		require.NoError(t, err)
		require.NotNil(t, got.Width)
		assert.Equal(t, 200, *got.Width)
		assert.Equal(t, int64(77), got.ByteSize)
		assert.Equal(t, "cover", got.Transform["fit"])
		assert.Equal(t, domain.VariantThumb, got.Kind)

		list, err := s.ListVariants(ctx, "f1")
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("links", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CreateFile(ctx, NewFile("f1", 0)))
		require.NoError(t, s.CreateLink(ctx, newLink("l1", "f1", "post", "p1")))
		assert.ErrorIs(t, s.CreateLink(ctx, newLink("l2", "f1", "post", "p1")), store.ErrDuplicate)
		assert.ErrorIs(t, s.CreateLink(ctx, newLink("l3", "nope", "post", "p1")), store.ErrNotFound)

		links, err := s.ListLinks(ctx, "f1")
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, domain.DefaultLinkedField, links[0].LinkedField)

		assert.ErrorIs(t, s.DeleteLink(ctx, "other", "l1"), store.ErrNotFound)
		require.NoError(t, s.DeleteLink(ctx, "f1", "l1"))
		assert.ErrorIs(t, s.DeleteLink(ctx, "f1", "l1"), store.ErrNotFound)
	})
}

func newVariant(uid, fileUID string, kind domain.VariantKind) *domain.Variant {
	return &domain.Variant{
		UID:             uid,
		VariantOfUID:    fileUID,
		Kind:            kind,
		StorageLocation: domain.LocationLocal,
		Bucket:          "files",
		ObjectKey:       "variants/" + uid + ".webp",
		ByteSize:        10,
		MimeType:        "image/webp",
		CreatedAt:       base,
		UpdatedAt:       base,
	}
}

func newLink(uid, fileUID, entityType, entityUID string) *domain.Link {
	return &domain.Link{
		UID:              uid,
		FileUID:          fileUID,
		LinkedEntityType: entityType,
		LinkedEntityUID:  entityUID,
		LinkedField:      domain.DefaultLinkedField,
		CreatedAt:        base,
	}
}
