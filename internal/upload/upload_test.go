package upload_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/hook"
	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/storage/storagetest"
	"github.com/fmkit/filemanager/internal/store/memory"
	"github.com/fmkit/filemanager/internal/upload"
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

func (r *recorder) Events() []hook.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hook.Event(nil), r.events...)
}

type env struct {
	svc     *upload.Service
	records *memory.Store
	remote  *storagetest.Driver
	local   *storage.LocalDriver
	events  *recorder
}

func sequence(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%03d", prefix, n.Add(1))
	}
}

// newEnv registers a presign-capable remote driver as default and a local driver.
func newEnv(t *testing.T, cfg upload.Config) *env {
	t.Helper()
	remote := storagetest.New(domain.LocationS3, "media")
	local, err := storage.NewLocalDriver(t.TempDir(), "files")
	require.NoError(t, err)

	records := memory.New()
	events := &recorder{}
	svc := upload.NewService(records, storage.NewRegistry(remote, local), upload.NewMemoryStaging(), cfg,
		upload.WithUIDGenerator(sequence("uid")),
		upload.WithEmitter(events),
		upload.WithLogger(logger.Discard()),
	)
	return &env{svc: svc, records: records, remote: remote, local: local, events: events}
}

func pngMeta(size int64) upload.FileMeta {
	return upload.FileMeta{OriginalFilename: "a.png", MimeType: "image/png", SizeBytes: size}
}

func sum(data string) string {
	s := sha256.Sum256([]byte(data))
	return hex.EncodeToString(s[:])
}

func TestFilesInit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("direct mode on presign capable storage", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})

		res, err := e.svc.Files.Init(ctx, owner, pngMeta(1024))
		require.NoError(t, err)
		assert.Equal(t, "uid-001", res.UID)
		assert.Equal(t, res.UID, res.FileUID)
		assert.Equal(t, upload.ModeDirect, res.Mode)
		require.NotNil(t, res.PresignedPut)
		assert.Equal(t, "PUT", res.PresignedPut.Method)
		assert.Equal(t, domain.ObjectRef{Location: domain.LocationS3, Bucket: "media", Key: "uploads/uid-001.png"}, res.Object)
		assert.Equal(t, int64(1), e.remote.PresignCalls())
	})

	t.Run("proxied on local storage", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})

		meta := pngMeta(10)
		meta.FolderPath = "/avatars/2025/"
		meta.DestinationHint = &upload.Destination{Location: domain.LocationLocal}
		res, err := e.svc.Files.Init(ctx, owner, meta)
		require.NoError(t, err)
		assert.Equal(t, upload.ModeProxied, res.Mode)
		assert.Nil(t, res.PresignedPut)
		assert.Equal(t, domain.ObjectRef{Location: domain.LocationLocal, Bucket: "files", Key: "avatars/2025/uid-001.png"}, res.Object)
	})

	t.Run("forced proxied mode", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{Policy: upload.Policy{Mode: upload.ModeForceProxied}})

		res, err := e.svc.Files.Init(ctx, owner, pngMeta(10))
		require.NoError(t, err)
		assert.Equal(t, upload.ModeProxied, res.Mode)
		assert.Zero(t, e.remote.PresignCalls())
	})

	t.Run("forced direct mode on local storage", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{Policy: upload.Policy{Mode: upload.ModeForceDirect}})

		meta := pngMeta(10)
		meta.DestinationHint = &upload.Destination{Location: domain.LocationLocal}
		_, err := e.svc.Files.Init(ctx, owner, meta)
		assert.True(t, fmerr.Is(err, fmerr.KindPolicy))
	})

	t.Run("validation details", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})

		_, err := e.svc.Files.Init(ctx, owner, upload.FileMeta{
			OriginalFilename: " ",
			MimeType:         "not a type",
			Visibility:       "secret",
			DestinationHint:  &upload.Destination{Location: "ftp", Bucket: "../x"},
		})
		fe, ok := fmerr.As(err)
		require.True(t, ok)
		assert.Equal(t, fmerr.KindValidation, fe.Kind)
		for _, field := range []string{"originalFilename", "mimeType", "sizeBytes", "visibility", "destinationHint.location", "destinationHint.bucket"} {
			assert.Contains(t, fe.Details, field)
		}
	})

	t.Run("folder escape", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})

		meta := pngMeta(10)
		meta.FolderPath = "a/../../etc"
		_, err := e.svc.Files.Init(ctx, owner, meta)
		assert.True(t, fmerr.Is(err, fmerr.KindValidation))
	})

	t.Run("policy", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{Policy: upload.Policy{
			MaxBytes:            100,
			DeniedExtensions:    []string{".exe"},
			AllowedMIMEPrefixes: []string{"image/"},
		}})

		cases := map[string]upload.FileMeta{
			"too large":        pngMeta(1024),
			"denied extension": {OriginalFilename: "setup.EXE", MimeType: "image/png", SizeBytes: 1},
			"disallowed type":  {OriginalFilename: "doc.pdf", MimeType: "application/pdf", SizeBytes: 1},
		}
		for name, meta := range cases {
			_, err := e.svc.Files.Init(ctx, owner, meta)
			assert.Equal(t, fmerr.KindPolicy, fmerr.KindOf(err), name)
			assert.Equal(t, 422, fmerr.Status(fmerr.KindOf(err)), name)
		}
	})
}

func TestFilesFinalize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	initSeeded := func(t *testing.T, e *env, size int) *upload.InitResult {
		t.Helper()
		res, err := e.svc.Files.Init(ctx, owner, pngMeta(int64(size)))
		require.NoError(t, err)
		e.remote.Seed(res.Object, make([]byte, size), "image/png")
		return res
	}

	t.Run("commits the record", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		res := initSeeded(t, e, 1024)

		digest := strings.ToUpper(sum("x"))
		out, err := e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object, SHA256: digest})
		require.NoError(t, err)
		require.NotNil(t, out.File)
		assert.Equal(t, "image/png", out.File.MimeType)
		assert.Equal(t, int64(1024), out.File.ByteSize)
		assert.Equal(t, "a.png", out.File.OriginalFilename)
		require.NotNil(t, out.File.OwnerUserUID)
		assert.Equal(t, "user-1", *out.File.OwnerUserUID)
		require.NotNil(t, out.File.SHA256)
		assert.Equal(t, sum("x"), *out.File.SHA256)
		assert.False(t, out.File.IsPublic)
		assert.Empty(t, out.Variants)

		stored, err := e.records.GetFile(ctx, res.UID)
		require.NoError(t, err)
		assert.Equal(t, res.Object, stored.Object())

		events := e.events.Events()
		require.Len(t, events, 1)
		assert.Equal(t, hook.ActionUploadFinalize, events[0].Action)
		assert.Equal(t, res.UID, events[0].FileUID)
		assert.Equal(t, "user-1", events[0].UserUID)
	})

	t.Run("default visibility", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{DefaultPublic: true})
		res := initSeeded(t, e, 8)

		out, err := e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object})
		require.NoError(t, err)
		assert.True(t, out.File.IsPublic)
		assert.Nil(t, out.File.SHA256)
	})

	t.Run("refinalize is a no-op for the same object", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		res := initSeeded(t, e, 8)
		req := upload.FinalizeRequest{UID: res.UID, Object: res.Object}

		first, err := e.svc.Files.Finalize(ctx, owner, req)
		require.NoError(t, err)
		second, err := e.svc.Files.Finalize(ctx, owner, req)
		require.NoError(t, err)
		assert.Equal(t, first.File.UID, second.File.UID)
		assert.Len(t, e.events.Events(), 1, "a repeated finalize emits nothing")

		other := res.Object
		other.Key = "uploads/elsewhere.png"
		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: other})
		assert.Equal(t, fmerr.KindConflict, fmerr.KindOf(err))
	})

	t.Run("unknown upload", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		_, err := e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{
			UID:    "missing",
			Object: domain.ObjectRef{Location: domain.LocationS3, Bucket: "media", Key: "x.png"},
		})
		assert.Equal(t, fmerr.KindNotFound, fmerr.KindOf(err))
	})

	t.Run("rejections", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})

		res := initSeeded(t, e, 16)
		wrong := res.Object
		wrong.Bucket = "other"

		_, err := e.svc.Files.Finalize(ctx, other, upload.FinalizeRequest{UID: res.UID, Object: res.Object})
		assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err), "not the reservation owner")

		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: wrong})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err), "object mismatch")

		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object, SHA256: "abc"})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err), "malformed sha256")

		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err), "missing object")

		e.remote.Seed(res.Object, make([]byte, 15), "image/png")
		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err), "size mismatch")

		require.NoError(t, e.remote.Delete(ctx, res.Object))
		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err), "object missing")

		e.remote.Seed(res.Object, make([]byte, 16), "image/png")
		out, err := e.svc.Files.Finalize(ctx, admin, upload.FinalizeRequest{UID: res.UID, Object: res.Object})
		require.NoError(t, err, "admins may finalize any reservation")
		assert.Equal(t, "user-1", *out.File.OwnerUserUID)
	})

	t.Run("variant reservation is not a file upload", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		parent := initSeeded(t, e, 4)
		_, err := e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: parent.UID, Object: parent.Object})
		require.NoError(t, err)

		vres, err := e.svc.Variants.Init(ctx, owner, upload.VariantMeta{
			FileUID: parent.UID, VariantKind: domain.VariantThumb, MimeType: "image/png", SizeBytes: 2,
		})
		require.NoError(t, err)
		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: vres.UID, Object: vres.Object})
		assert.Equal(t, fmerr.KindNotFound, fmerr.KindOf(err))
	})
}

func TestFilesWriteAndFinalize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	initLocal := func(t *testing.T, e *env, size int64) *upload.InitResult {
		t.Helper()
		meta := pngMeta(size)
		meta.DestinationHint = &upload.Destination{Location: domain.LocationLocal}
		res, err := e.svc.Files.Init(ctx, owner, meta)
		require.NoError(t, err)
		require.Equal(t, upload.ModeProxied, res.Mode)
		return res
	}

	t.Run("stores and hashes the body", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		res := initLocal(t, e, 5)

		out, err := e.svc.Files.WriteAndFinalize(ctx, owner, res.UID, strings.NewReader("hello"), "", sum("hello"))
		require.NoError(t, err)
		assert.Equal(t, int64(5), out.File.ByteSize)
		require.NotNil(t, out.File.SHA256)
		assert.Equal(t, sum("hello"), *out.File.SHA256)

		info, err := e.local.Stat(ctx, res.Object)
		require.NoError(t, err)
		assert.Equal(t, int64(5), info.Size)

		_, err = e.svc.Files.WriteAndFinalize(ctx, owner, res.UID, strings.NewReader("hello"), "", "")
		assert.Equal(t, fmerr.KindConflict, fmerr.KindOf(err), "already finalized")
	})

	t.Run("body over the limit", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{Policy: upload.Policy{MaxBytes: 4}})
		res := initLocal(t, e, 3)

		_, err := e.svc.Files.WriteAndFinalize(ctx, owner, res.UID, strings.NewReader("hello"), "image/png", "")
		assert.Equal(t, fmerr.KindPolicy, fmerr.KindOf(err))
		_, err = e.local.Stat(ctx, res.Object)
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	})

	t.Run("declared size mismatch", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		res := initLocal(t, e, 3)

		_, err := e.svc.Files.WriteAndFinalize(ctx, owner, res.UID, strings.NewReader("hello"), "", "")
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))
		_, err = e.local.Stat(ctx, res.Object)
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		res := initLocal(t, e, 5)

		_, err := e.svc.Files.WriteAndFinalize(ctx, owner, res.UID, strings.NewReader("hello"), "", sum("world"))
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))
		_, err = e.svc.Files.WriteAndFinalize(ctx, owner, res.UID, strings.NewReader("hello"), "", "zz")
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))
	})

	t.Run("foreign reservation", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		res := initLocal(t, e, 5)

		_, err := e.svc.Files.WriteAndFinalize(ctx, other, res.UID, strings.NewReader("hello"), "", "")
		assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err))
		_, err = e.svc.Files.WriteAndFinalize(ctx, owner, "nope", strings.NewReader("hello"), "", "")
		assert.Equal(t, fmerr.KindNotFound, fmerr.KindOf(err))
	})
}

func TestDigestVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("declared digest is signed into the credential", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		meta := pngMeta(3)
		meta.SHA256 = strings.ToUpper(sum("abc"))

		res, err := e.svc.Files.Init(ctx, owner, meta)
		require.NoError(t, err)
		require.Equal(t, upload.ModeDirect, res.Mode)
		assert.Equal(t, sum("abc"), res.PresignedPut.Headers[storagetest.ChecksumHeader])

		e.remote.SeedChecksummed(res.Object, []byte("abd"), "image/png")
		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))

		e.remote.SeedChecksummed(res.Object, []byte("abc"), "image/png")
		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object, SHA256: sum("xyz")})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err), "finalize digest contradicts init")

		out, err := e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object})
		require.NoError(t, err)
		require.NotNil(t, out.File.SHA256)
		assert.Equal(t, sum("abc"), *out.File.SHA256)
	})

	t.Run("recorded digest wins over the asserted one", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		res, err := e.svc.Files.Init(ctx, owner, pngMeta(3))
		require.NoError(t, err)
		e.remote.SeedChecksummed(res.Object, []byte("abc"), "image/png")

		_, err = e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object, SHA256: sum("xyz")})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))

		out, err := e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object})
		require.NoError(t, err)
		require.NotNil(t, out.File.SHA256)
		assert.Equal(t, sum("abc"), *out.File.SHA256)
	})

	t.Run("invalid declared digest", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		meta := pngMeta(3)
		meta.SHA256 = "abc"

		_, err := e.svc.Files.Init(ctx, owner, meta)
		fe, ok := fmerr.As(err)
		require.True(t, ok)
		assert.Equal(t, fmerr.KindValidation, fe.Kind)
		assert.Contains(t, fe.Details, "sha256")
	})

	t.Run("proxied body checked against the declared digest", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		meta := pngMeta(3)
		meta.SHA256 = sum("abc")
		meta.DestinationHint = &upload.Destination{Location: domain.LocationLocal}

		res, err := e.svc.Files.Init(ctx, owner, meta)
		require.NoError(t, err)
		_, err = e.svc.Files.WriteAndFinalize(ctx, owner, res.UID, strings.NewReader("abd"), "", "")
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))
		_, err = e.local.Stat(ctx, res.Object)
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)

		out, err := e.svc.Files.WriteAndFinalize(ctx, owner, res.UID, strings.NewReader("abc"), "", "")
		require.NoError(t, err)
		assert.Equal(t, sum("abc"), *out.File.SHA256)
	})
}

func TestVariants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	parent := func(t *testing.T, e *env) *domain.File {
		t.Helper()
		res, err := e.svc.Files.Init(ctx, owner, pngMeta(4))
		require.NoError(t, err)
		e.remote.Seed(res.Object, []byte("orig"), "image/png")
		out, err := e.svc.Files.Finalize(ctx, owner, upload.FinalizeRequest{UID: res.UID, Object: res.Object})
		require.NoError(t, err)
		return out.File
	}

	t.Run("init checks", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		f := parent(t, e)

		_, err := e.svc.Variants.Init(ctx, owner, upload.VariantMeta{FileUID: "missing", VariantKind: domain.VariantThumb, MimeType: "image/png", SizeBytes: 1})
		assert.Equal(t, fmerr.KindNotFound, fmerr.KindOf(err))

		_, err = e.svc.Variants.Init(ctx, other, upload.VariantMeta{FileUID: f.UID, VariantKind: domain.VariantThumb, MimeType: "image/png", SizeBytes: 1})
		assert.Equal(t, fmerr.KindForbidden, fmerr.KindOf(err))

		_, err = e.svc.Variants.Init(ctx, owner, upload.VariantMeta{FileUID: f.UID, VariantKind: domain.VariantOriginal, MimeType: "image/png", SizeBytes: 1})
		fe, ok := fmerr.As(err)
		require.True(t, ok)
		assert.Equal(t, fmerr.KindValidation, fe.Kind)
		assert.Contains(t, fe.Details, "variantKind")
	})

	t.Run("create then re-derive", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		f := parent(t, e)
		width := 200

		first, err := e.svc.Variants.Init(ctx, owner, upload.VariantMeta{
			FileUID: f.UID, VariantKind: domain.VariantThumb, MimeType: "image/png", SizeBytes: 3, Width: &width,
		})
		require.NoError(t, err)
		assert.Equal(t, f.UID, first.FileUID)
		assert.Equal(t, "variants/"+f.UID+"/"+first.UID+".png", first.Object.Key)
		e.remote.Seed(first.Object, []byte("abc"), "image/png")

		created, err := e.svc.Variants.Finalize(ctx, owner, upload.FinalizeRequest{UID: first.UID, Object: first.Object})
		require.NoError(t, err)
		assert.Equal(t, domain.VariantThumb, created.Variant.Kind)
		assert.Equal(t, f.UID, created.Variant.VariantOfUID)
		assert.Equal(t, 200, *created.Variant.Width)

		second, err := e.svc.Variants.Init(ctx, owner, upload.VariantMeta{
			FileUID: f.UID, VariantKind: domain.VariantThumb, MimeType: "image/webp", SizeBytes: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, first.UID, second.UID, "re-derivation keeps the variant uid")
		e.remote.Seed(second.Object, []byte("abcde"), "image/webp")

		replaced, err := e.svc.Variants.Finalize(ctx, owner, upload.FinalizeRequest{UID: second.UID, Object: second.Object})
		require.NoError(t, err)
		assert.Equal(t, int64(5), replaced.Variant.ByteSize)
		assert.Equal(t, "image/webp", replaced.Variant.MimeType)
		assert.Equal(t, created.Variant.CreatedAt, replaced.Variant.CreatedAt)
		assert.False(t, e.remote.Has(first.Object), "the replaced object is removed")

		variants, err := e.records.ListVariants(ctx, f.UID)
		require.NoError(t, err)
		assert.Len(t, variants, 1)

		events := e.events.Events()
		last := events[len(events)-1]
		assert.Equal(t, hook.ActionVariantFinalize, last.Action)
		assert.Equal(t, f.UID, last.FileUID)
		assert.Equal(t, first.UID, last.VariantUID)
	})

	t.Run("rejected re-derive keeps the live variant", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		f := parent(t, e)
		meta := upload.VariantMeta{FileUID: f.UID, VariantKind: domain.VariantThumb, MimeType: "image/png", SizeBytes: 3}

		first, err := e.svc.Variants.Init(ctx, owner, meta)
		require.NoError(t, err)
		e.remote.Seed(first.Object, []byte("abc"), "image/png")
		_, err = e.svc.Variants.Finalize(ctx, owner, upload.FinalizeRequest{UID: first.UID, Object: first.Object})
		require.NoError(t, err)

		second, err := e.svc.Variants.Init(ctx, owner, meta)
		require.NoError(t, err)
		assert.Equal(t, first.UID, second.UID)
		assert.NotEqual(t, first.Object, second.Object, "a re-derivation never reserves the live object key")
		assert.Equal(t, "variants/"+f.UID+"/"+first.UID+"-uid-003.png", second.Object.Key)

		_, err = e.svc.Variants.WriteAndFinalize(ctx, owner, second.UID, strings.NewReader("toolong"), "image/png", "")
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))

		v, err := e.records.GetVariant(ctx, first.UID)
		require.NoError(t, err)
		assert.Equal(t, first.Object, v.Object())
		assert.Equal(t, int64(3), v.ByteSize)
		assert.True(t, e.remote.Has(first.Object), "live object survives the rejected upload")
		assert.False(t, e.remote.Has(second.Object))
	})

	t.Run("re-derive over the limit keeps the local variant", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{Policy: upload.Policy{MaxBytes: 4}})
		f := parent(t, e)
		meta := upload.VariantMeta{
			FileUID: f.UID, VariantKind: domain.VariantPreview, MimeType: "image/png", SizeBytes: 3,
			DestinationHint: &upload.Destination{Location: domain.LocationLocal},
		}

		first, err := e.svc.Variants.Init(ctx, owner, meta)
		require.NoError(t, err)
		_, err = e.svc.Variants.WriteAndFinalize(ctx, owner, first.UID, strings.NewReader("abc"), "image/png", "")
		require.NoError(t, err)

		second, err := e.svc.Variants.Init(ctx, owner, meta)
		require.NoError(t, err)
		_, err = e.svc.Variants.WriteAndFinalize(ctx, owner, second.UID, strings.NewReader("hello"), "image/png", "")
		assert.Equal(t, fmerr.KindPolicy, fmerr.KindOf(err))

		info, err := e.local.Stat(ctx, first.Object)
		require.NoError(t, err)
		assert.Equal(t, int64(3), info.Size)
	})

	t.Run("direct re-derive leaves live bytes until commit", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		f := parent(t, e)
		meta := upload.VariantMeta{FileUID: f.UID, VariantKind: domain.VariantWeb, MimeType: "image/png", SizeBytes: 3}

		first, err := e.svc.Variants.Init(ctx, owner, meta)
		require.NoError(t, err)
		e.remote.Seed(first.Object, []byte("abc"), "image/png")
		_, err = e.svc.Variants.Finalize(ctx, owner, upload.FinalizeRequest{UID: first.UID, Object: first.Object})
		require.NoError(t, err)

		second, err := e.svc.Variants.Init(ctx, owner, meta)
		require.NoError(t, err)
		require.Equal(t, upload.ModeDirect, second.Mode)
		e.remote.Seed(second.Object, []byte("abcdefg"), "image/png")

		_, err = e.svc.Variants.Finalize(ctx, owner, upload.FinalizeRequest{UID: second.UID, Object: second.Object})
		assert.Equal(t, fmerr.KindValidation, fmerr.KindOf(err))
		assert.True(t, e.remote.Has(first.Object))

		e.remote.Seed(second.Object, []byte("xyz"), "image/png")
		replaced, err := e.svc.Variants.Finalize(ctx, owner, upload.FinalizeRequest{UID: second.UID, Object: second.Object})
		require.NoError(t, err)
		assert.Equal(t, second.Object, replaced.Variant.Object())
		assert.False(t, e.remote.Has(first.Object), "the replaced object is retired after commit")
	})

	t.Run("proxied variant", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t, upload.Config{})
		f := parent(t, e)

		res, err := e.svc.Variants.Init(ctx, owner, upload.VariantMeta{
			FileUID: f.UID, VariantKind: domain.VariantWeb, MimeType: "image/jpeg", SizeBytes: 4,
			DestinationHint: &upload.Destination{Location: domain.LocationLocal},
		})
		require.NoError(t, err)
		assert.Equal(t, upload.ModeProxied, res.Mode)
		assert.True(t, strings.HasSuffix(res.Object.Key, ".jpg"))

		out, err := e.svc.Variants.WriteAndFinalize(ctx, owner, res.UID, strings.NewReader("jpeg"), "image/jpeg", "")
		require.NoError(t, err)
		assert.Equal(t, domain.LocationLocal, out.Variant.StorageLocation)
	})
}

func TestMemoryStaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := upload.NewMemoryStaging().WithClock(clock)

	require.NoError(t, s.Put(ctx, &upload.Reservation{UID: "a", ExpiresAt: now.Add(time.Minute)}))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.UID)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, upload.ErrReservationNotFound)

	require.NoError(t, s.Put(ctx, &upload.Reservation{UID: "b", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.Delete(ctx, "b"))
	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, upload.ErrReservationNotFound)
}
