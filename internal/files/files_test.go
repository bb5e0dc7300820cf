package files_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmkit/filemanager/internal/access"
	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/files"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/hook"
	"github.com/fmkit/filemanager/internal/redirectcache"
	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/storage/storagetest"
	"github.com/fmkit/filemanager/internal/store/memory"
)

var (
	owner = auth.Actor{UserUID: "user-1"}
	other = auth.Actor{UserUID: "user-2"}
	admin = auth.Actor{UserUID: "root", IsAdmin: true}
)

type recorder struct {
	mu     sync.Mutex
	events []hook.Event
}

func (r *recorder) Emit(_ context.Context, e hook.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type env struct {
	svc     *files.Service
	records *memory.Store
	remote  *storagetest.Driver
	cache   *redirectcache.Cache
	events  *recorder
}

func newEnv(t *testing.T, opts ...files.Option) *env {
	t.Helper()
	remote := storagetest.New(domain.LocationS3, "media")
	drivers := storage.NewRegistry(remote)
	records := memory.New()
	cache := redirectcache.New()
	events := &recorder{}

	var n atomic.Int64
	base := []files.Option{
		files.WithCache(cache),
		files.WithEmitter(events),
		files.WithUIDGenerator(func() string { return fmt.Sprintf("link-%d", n.Add(1)) }),
	}
	svc := files.NewService(records, drivers, access.New(records, drivers), append(base, opts...)...)
	return &env{svc: svc, records: records, remote: remote, cache: cache, events: events}
}

func (e *env) seed(t *testing.T, uid, ownerUID string, public bool) *domain.File {
	t.Helper()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &domain.File{
		UID:              uid,
		OwnerUserUID:     &ownerUID,
		OriginalFilename: uid + ".png",
		Tags:             []string{},
		StorageLocation:  domain.LocationS3,
		Bucket:           "media",
		ObjectKey:        "uploads/" + uid + ".png",
		ByteSize:         4,
		MimeType:         "image/png",
		IsPublic:         public,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, e.records.CreateFile(context.Background(), f))
	e.remote.Seed(f.Object(), []byte("data"), "image/png")
	return f
}

func (e *env) warm(uid string) {
	e.cache.Set(redirectcache.Key(uid, domain.VariantOriginal, false), "https://cached")
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestGetAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, "a", "user-1", false)
	e.seed(t, "b", "user-2", true)
	e.seed(t, "c", "user-1", true)

	t.Run("get", func(t *testing.T) {
		t.Parallel()
		_, err := e.svc.Get(ctx, other, "a")
		assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err))

		f, err := e.svc.Get(ctx, other, "c")
		require.NoError(t, err, "public files are readable")
		assert.Equal(t, "c", f.UID)

		_, err = e.svc.Get(ctx, admin, "missing")
		assert.Equal(t, fmerr.KindNotFound, fmerr.KindOf(err))
	})

	t.Run("non-admin listing is scoped", func(t *testing.T) {
		t.Parallel()
		page, err := e.svc.List(ctx, owner, files.ListQuery{OwnerUserUID: "user-2"})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
		assert.Equal(t, files.DefaultLimit, page.Limit)
		for _, item := range page.Items {
			assert.Equal(t, "user-1", *item.OwnerUserUID)
		}
	})

	t.Run("admin listing", func(t *testing.T) {
		t.Parallel()
		page, err := e.svc.List(ctx, admin, files.ListQuery{OrderBy: "original_filename", Direction: "asc", Limit: 2, IncludeVariants: true})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "a", page.Items[0].UID)
		assert.NotNil(t, page.Items[0].Variants)
	})

	t.Run("invalid query", func(t *testing.T) {
		t.Parallel()
		_, err := e.svc.List(ctx, admin, files.ListQuery{Limit: 101, Offset: -1, OrderBy: "uid", Direction: "up"})
		fe, ok := fmerr.As(err)
		require.True(t, ok)
		for _, field := range []string{"limit", "offset", "orderBy", "orderDirection"} {
			assert.Contains(t, fe.Details, field)
		}
	})
}

func TestURLAndMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	e.seed(t, "a", "user-1", false)

	u, err := e.svc.URL(ctx, owner, "a", domain.VariantThumb, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderRemote, u.Provider)
	assert.Equal(t, domain.VariantOriginal, u.VariantKind, "missing thumb falls back to the original")
	assert.Contains(t, u.URL, "uploads/a.png")
	require.NotNil(t, u.ExpiresAt)

	_, err = e.svc.URL(ctx, owner, "a", "", 8*24*time.Hour)
	assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))
	_, err = e.svc.URL(ctx, owner, "a", "huge", time.Minute)
	assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))
	_, err = e.svc.URL(ctx, other, "a", "", time.Minute)
	assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err))

	meta, err := e.svc.ObjectMetadata(ctx, owner, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), meta.Size)
	assert.Equal(t, "image/png", meta.ContentType)
}

func TestLocalURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	local, err := storage.NewLocalDriver(t.TempDir(), "files")
	require.NoError(t, err)
	drivers := storage.NewRegistry(local)
	records := memory.New()
	svc := files.NewService(records, drivers, access.New(records, drivers))

	owner := "user-1"
	require.NoError(t, records.CreateFile(ctx, &domain.File{
		UID: "a", OwnerUserUID: &owner, OriginalFilename: "a.png", StorageLocation: domain.LocationLocal,
		Bucket: "files", ObjectKey: "a.png", MimeType: "image/png",
	}))
	require.NoError(t, records.CreateVariant(ctx, &domain.Variant{
		UID: "v", VariantOfUID: "a", Kind: domain.VariantThumb, StorageLocation: domain.LocationLocal,
		Bucket: "files", ObjectKey: "t.png", MimeType: "image/png",
	}))

	u, err := svc.URL(ctx, auth.Actor{UserUID: owner}, "a", domain.VariantThumb, 0)
	require.NoError(t, err)
	assert.Equal(t, "/api/files/a/content?variantKind=thumb", u.URL)
	assert.Nil(t, u.ExpiresAt)
}

func TestPatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("applies allowed fields", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.seed(t, "a", "user-1", false)
		e.warm("a")

		f, err := e.svc.Patch(ctx, owner, "a", map[string]json.RawMessage{
			"title":     raw(" Sunset "),
			"alt_text":  raw(nil),
			"tags":      raw([]string{"a", " b ", "a", ""}),
			"is_public": raw(true),
		})
		require.NoError(t, err)
		assert.Equal(t, "Sunset", *f.Title)
		assert.Nil(t, f.AltText)
		assert.Equal(t, []string{"a", "b"}, f.Tags)
		assert.True(t, f.IsPublic)
		assert.Zero(t, e.cache.Len(), "visibility change drops cached redirects")
		assert.Equal(t, []string{hook.ActionPatch}, e.events.actions())
	})

	t.Run("metadata only keeps the cache", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.seed(t, "a", "user-1", false)
		e.warm("a")

		_, err := e.svc.Patch(ctx, owner, "a", map[string]json.RawMessage{"title": raw("x")})
		require.NoError(t, err)
		assert.Equal(t, 1, e.cache.Len())
	})

	t.Run("rejections", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.seed(t, "a", "user-1", false)

		_, err := e.svc.Patch(ctx, owner, "a", nil)
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err), "empty patch")

		_, err = e.svc.Patch(ctx, owner, "a", map[string]json.RawMessage{"object_key": raw("x"), "is_public": raw("yes")})
		fe, ok := fmerr.As(err)
		require.True(t, ok)
		assert.Contains(t, fe.Details, "object_key")
		assert.Contains(t, fe.Details, "is_public")

		_, err = e.svc.Patch(ctx, other, "a", map[string]json.RawMessage{"title": raw("x")})
		assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err))

		_, err = e.svc.Patch(ctx, owner, "missing", map[string]json.RawMessage{"title": raw("x")})
		assert.Equal(t, fmerr.KindNotFound, fmerr.KindOf(err))
		assert.Empty(t, e.events.actions())
	})
}

func TestRenameMove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rename", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.seed(t, "a", "user-1", true)
		e.warm("a")

		f, err := e.svc.Rename(ctx, owner, "a", "../Café.png")
		require.NoError(t, err)
		assert.Equal(t, "Café.png", f.OriginalFilename)
		assert.Equal(t, "uploads/a.png", f.ObjectKey)
		assert.Zero(t, e.cache.Len())

		_, err = e.svc.Rename(ctx, owner, "a", "  ")
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))
	})

	t.Run("move", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		orig := e.seed(t, "a", "user-1", true)

		bucket, folder := "archive", "2025/old"
		f, err := e.svc.Move(ctx, owner, "a", files.MoveRequest{Bucket: &bucket, FolderPath: &folder})
		require.NoError(t, err)
		assert.Equal(t, domain.ObjectRef{Location: domain.LocationS3, Bucket: "archive", Key: "2025/old/a.png"}, f.Object())
		assert.True(t, e.remote.Has(f.Object()))
		assert.False(t, e.remote.Has(orig.Object()))

		stored, err := e.records.GetFile(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, f.Object(), stored.Object())
		assert.Equal(t, []string{hook.ActionMove}, e.events.actions())
	})

	t.Run("move validation", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.seed(t, "a", "user-1", true)

		_, err := e.svc.Move(ctx, owner, "a", files.MoveRequest{})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))

		escape := "../../etc"
		_, err = e.svc.Move(ctx, owner, "a", files.MoveRequest{FolderPath: &escape})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))
	})

	t.Run("move of missing bytes", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		f := e.seed(t, "a", "user-1", true)
		require.NoError(t, e.remote.Delete(ctx, f.Object()))

		folder := "elsewhere"
		_, err := e.svc.Move(ctx, owner, "a", files.MoveRequest{FolderPath: &folder})
		assert.Equal(t, fmerr.KindStorage, fmerr.KindOf(err))

		stored, err := e.records.GetFile(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, f.ObjectKey, stored.ObjectKey)
	})
}

func TestArchiveRestoreDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("archive and restore are idempotent", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.seed(t, "a", "user-1", true)
		e.warm("a")

		f, err := e.svc.Archive(ctx, owner, "a")
		require.NoError(t, err)
		assert.True(t, f.Archived())
		assert.Zero(t, e.cache.Len())

		_, err = e.svc.Archive(ctx, owner, "a")
		require.NoError(t, err)

		f, err = e.svc.Restore(ctx, owner, "a")
		require.NoError(t, err)
		assert.False(t, f.Archived())
		_, err = e.svc.Restore(ctx, owner, "a")
		require.NoError(t, err)

		assert.Equal(t, []string{hook.ActionArchive, hook.ActionRestore}, e.events.actions())
	})

	t.Run("soft delete archives", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.seed(t, "a", "user-1", true)

		res, err := e.svc.Delete(ctx, owner, "a", false)
		require.NoError(t, err)
		assert.False(t, res.Hard)
		assert.True(t, res.File.Archived())
	})

	t.Run("force delete requires admin", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.seed(t, "a", "user-1", true)

		_, err := e.svc.Delete(ctx, owner, "a", true)
		assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err))
	})

	t.Run("force delete removes everything", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		f := e.seed(t, "a", "user-1", true)
		v := &domain.Variant{
			UID: "v", VariantOfUID: "a", Kind: domain.VariantThumb,
			StorageLocation: domain.LocationS3, Bucket: "media", ObjectKey: "variants/a/v.png", MimeType: "image/png",
		}
		require.NoError(t, e.records.CreateVariant(ctx, v))
		e.remote.Seed(v.Object(), []byte("t"), "image/png")

		res, err := e.svc.Delete(ctx, admin, "a", true)
		require.NoError(t, err)
		assert.True(t, res.Hard)
		assert.False(t, e.remote.Has(f.Object()))
		assert.False(t, e.remote.Has(v.Object()))

		_, err = e.records.GetFile(ctx, "a")
		require.Error(t, err)
		_, err = e.records.GetVariant(ctx, "v")
		require.Error(t, err)
	})

	t.Run("owner force delete when allowed", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, files.WithOwnerForceDelete(true))
		e.seed(t, "a", "user-1", true)

		_, err := e.svc.Delete(ctx, other, "a", true)
		assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err))
		res, err := e.svc.Delete(ctx, owner, "a", true)
		require.NoError(t, err)
		assert.True(t, res.Hard)
	})
}

func TestMutationsRequireOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	title, bucket := "x", "elsewhere"

	tests := []struct {
		name     string
		archived bool
		mutate   func(s *files.Service) error
	}{
		{"patch", false, func(s *files.Service) error {
			_, err := s.Patch(ctx, other, "a", map[string]json.RawMessage{"title": raw(title)})
			return err
		}},
		{"rename", false, func(s *files.Service) error {
			_, err := s.Rename(ctx, other, "a", "b.png")
			return err
		}},
		{"move", false, func(s *files.Service) error {
			_, err := s.Move(ctx, other, "a", files.MoveRequest{Bucket: &bucket})
			return err
		}},
		{"archive", false, func(s *files.Service) error {
			_, err := s.Archive(ctx, other, "a")
			return err
		}},
		{"restore", true, func(s *files.Service) error {
			_, err := s.Restore(ctx, other, "a")
			return err
		}},
		{"soft delete", false, func(s *files.Service) error {
			_, err := s.Delete(ctx, other, "a", false)
			return err
		}},
		{"force delete", false, func(s *files.Service) error {
			_, err := s.Delete(ctx, other, "a", true)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, files.WithOwnerForceDelete(true))
			f := e.seed(t, "a", "user-1", true)
			if tt.archived {
				archivedAt := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
				f.ArchivedAt = &archivedAt
				require.NoError(t, e.records.UpdateFile(ctx, f))
			}
			e.warm("a")

			err := tt.mutate(e.svc)
			assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err))

			stored, err := e.records.GetFile(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, f, stored)
			assert.True(t, e.remote.Has(f.Object()))
			assert.Empty(t, e.events.actions())
			assert.Equal(t, 1, e.cache.Len())
		})
	}
}

func TestLinks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.seed(t, "a", "user-1", true)

		_, err := e.svc.ListLinks(ctx, admin, "a")
		assert.Equal(t, fmerr.KindNotFound, fmerr.KindOf(err))
	})

	t.Run("lifecycle", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, files.WithLinks(true))
		e.seed(t, "a", "user-1", true)

		_, err := e.svc.CreateLink(ctx, owner, "a", files.LinkInput{LinkedEntityType: "post", LinkedEntityUID: "p1"})
		assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err), "links are admin-only")

		_, err = e.svc.CreateLink(ctx, admin, "a", files.LinkInput{LinkedEntityType: "post"})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))

		l, err := e.svc.CreateLink(ctx, admin, "a", files.LinkInput{LinkedEntityType: "post", LinkedEntityUID: "p1"})
		require.NoError(t, err)
		assert.Equal(t, domain.DefaultLinkedField, l.LinkedField)
		assert.Equal(t, "link-1", l.UID)

		_, err = e.svc.CreateLink(ctx, admin, "a", files.LinkInput{LinkedEntityType: "post", LinkedEntityUID: "p1"})
		assert.Equal(t, fmerr.KindConflict, fmerr.KindOf(err))

		_, err = e.svc.CreateLink(ctx, admin, "missing", files.LinkInput{LinkedEntityType: "post", LinkedEntityUID: "p1"})
		assert.Equal(t, fmerr.KindNotFound, fmerr.KindOf(err))

		links, err := e.svc.ListLinks(ctx, admin, "a")
		require.NoError(t, err)
		require.Len(t, links, 1)

		require.NoError(t, e.svc.DeleteLink(ctx, admin, "a", l.UID))
		err = e.svc.DeleteLink(ctx, admin, "a", l.UID)
		assert.Equal(t, fmerr.KindNotFound, fmerr.KindOf(err))
		assert.Equal(t, []string{hook.ActionLinkCreate, hook.ActionLinkDelete}, e.events.actions())
	})
}
