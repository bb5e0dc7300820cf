package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/hook"
	"github.com/fmkit/filemanager/internal/store"
)

// Visibility values accepted at file init.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// FileMeta is the init payload of an original upload.
type FileMeta struct {
	Purpose          *string      `json:"purpose,omitempty"`
	OriginalFilename string       `json:"originalFilename"`
	MimeType         string       `json:"mimeType"`
	SizeBytes        int64        `json:"sizeBytes"`
	SHA256           string       `json:"sha256,omitempty"`
	Visibility       string       `json:"visibility,omitempty"`
	FolderPath       string       `json:"folderPath,omitempty"`
	DestinationHint  *Destination `json:"destinationHint,omitempty"`
}

// FileResult is the finalize result of an original upload.
type FileResult struct {
	File     *domain.File      `json:"file"`
	Variants []*domain.Variant `json:"variants"`
}

type fileReservation struct {
	IsPublic  bool    `json:"is_public"`
	Purpose   *string `json:"purpose,omitempty"`
	CreatedBy *string `json:"created_by,omitempty"`
}

// FileTarget commits original uploads as file records.
type FileTarget struct {
	records       store.Store
	defaultPublic bool
	now           func() time.Time
}

var _ Target[FileMeta, FileResult] = (*FileTarget)(nil)

// NewFileTarget creates the file target. defaultPublic applies when init
// carries no visibility.
func NewFileTarget(records store.Store, defaultPublic bool) *FileTarget {
	return &FileTarget{records: records, defaultPublic: defaultPublic, now: time.Now}
}

func (t *FileTarget) Name() string   { return "file" }
func (t *FileTarget) Action() string { return hook.ActionUploadFinalize }

func (t *FileTarget) Prepare(_ context.Context, actor auth.Actor, meta FileMeta) (*Plan, error) {
	d := fmerr.Details{}
	if strings.TrimSpace(meta.OriginalFilename) == "" {
		d.Add("originalFilename", "is required")
	}
	mimeType, ok := parseMediaType(meta.MimeType)
	if !ok {
		d.Add("mimeType", "must be a valid media type")
	}
	if meta.SizeBytes <= 0 {
		d.Add("sizeBytes", "must be greater than zero")
	}

	isPublic := t.defaultPublic
	switch meta.Visibility {
	case "":
	case VisibilityPublic:
		isPublic = true
	case VisibilityPrivate:
		isPublic = false
	default:
		d.Add("visibility", "must be public or private")
	}
	digest := validateDigest(meta.SHA256, d)
	dest := validateDestination(meta.DestinationHint, d)
	if !d.Empty() {
		return nil, fmerr.Validation("invalid upload metadata", d)
	}

	return &Plan{
		Filename:    domain.SanitizeFilename(meta.OriginalFilename),
		MimeType:    mimeType,
		Size:        meta.SizeBytes,
		SHA256:      digest,
		Folder:      meta.FolderPath,
		Destination: dest,
		Meta: fileReservation{
			IsPublic:  isPublic,
			Purpose:   meta.Purpose,
			CreatedBy: actor.CreatedBy,
		},
	}, nil
}

func (t *FileTarget) Commit(ctx context.Context, res *Reservation, c Committed) (FileResult, error) {
	var meta fileReservation
	if len(res.Meta) > 0 {
		if err := json.Unmarshal(res.Meta, &meta); err != nil {
			return FileResult{}, fmerr.Internal("failed to decode upload metadata", err)
		}
	}

	now := t.now().UTC()
	f := &domain.File{
		UID:              res.UID,
		OriginalFilename: res.Filename,
		Tags:             []string{},
		StorageLocation:  res.Object.Location,
		Bucket:           res.Object.Bucket,
		ObjectKey:        res.Object.Key,
		ByteSize:         c.Size,
		MimeType:         res.MimeType,
		IsPublic:         meta.IsPublic,
		Purpose:          meta.Purpose,
		CreatedBy:        meta.CreatedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if res.OwnerUserUID != "" {
		f.OwnerUserUID = &res.OwnerUserUID
	}
	if c.SHA256 != "" {
		f.SHA256 = &c.SHA256
	}

	if err := t.records.CreateFile(ctx, f); err != nil {
		return FileResult{}, storeError(err, "file")
	}
	return FileResult{File: f, Variants: []*domain.Variant{}}, nil
}

func (t *FileTarget) Existing(ctx context.Context, actor auth.Actor, uid string) (FileResult, domain.ObjectRef, error) {
	f, err := t.records.GetFile(ctx, uid)
	if err != nil {
		return FileResult{}, domain.ObjectRef{}, storeError(err, "file")
	}
	if err := auth.AssertOwnerOrAdmin(f, actor); err != nil {
		return FileResult{}, domain.ObjectRef{}, err
	}
	variants, err := t.records.ListVariants(ctx, uid)
	if err != nil {
		return FileResult{}, domain.ObjectRef{}, storeError(err, "variant")
	}
	return FileResult{File: f, Variants: variants}, f.Object(), nil
}

func validateDestination(hint *Destination, d fmerr.Details) Destination {
	if hint == nil {
		return Destination{}
	}
	if hint.Location != "" {
		if _, err := domain.ParseLocation(string(hint.Location)); err != nil {
			d.Add("destinationHint.location", "must be local or s3")
		}
	}
	if strings.ContainsAny(hint.Bucket, "/\\") || hint.Bucket == ".." {
		d.Add("destinationHint.bucket", "must be a plain bucket name")
	}
	return *hint
}

func validateDigest(s string, d fmerr.Details) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s != "" && !sha256Pattern.MatchString(s) {
		d.Add("sha256", "must be 64 hexadecimal characters")
	}
	return s
}

func parseMediaType(s string) (string, bool) {
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(s))
	if err != nil || !strings.Contains(mt, "/") {
		return "", false
	}
	return strings.ToLower(mt), true
}

var preferredExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"image/avif":      ".avif",
	"image/svg+xml":   ".svg",
	"application/pdf": ".pdf",
}

// objectExtension picks the object key extension from the filename, then the
// media type.
func objectExtension(filename, mimeType string) string {
	if ext := domain.Extension(filename); ext != "" && !strings.ContainsAny(ext, " /") {
		return ext
	}
	if ext, ok := preferredExtensions[mimeType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// storeError translates store sentinels into fmerr kinds.
func storeError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case isStoreNotFound(err):
		return fmerr.NotFound(what + " not found")
	case isStoreDuplicate(err):
		return fmerr.Conflict(what + " already exists")
	}
	return fmerr.Internal(fmt.Sprintf("failed to persist %s", what), err)
}
