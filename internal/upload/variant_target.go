package upload

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/hook"
	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/store"
)

// VariantMeta is the init payload of a derived rendition upload.
type VariantMeta struct {
	FileUID          string             `json:"fileUid"`
	VariantKind      domain.VariantKind `json:"variantKind"`
	OriginalFilename string             `json:"originalFilename,omitempty"`
	MimeType         string             `json:"mimeType"`
	SizeBytes        int64              `json:"sizeBytes"`
	SHA256           string             `json:"sha256,omitempty"`
	Width            *int               `json:"width,omitempty"`
	Height           *int               `json:"height,omitempty"`
	Transform        map[string]any     `json:"transform,omitempty"`
	FolderPath       string             `json:"folderPath,omitempty"`
	DestinationHint  *Destination       `json:"destinationHint,omitempty"`
}

// VariantResult is the finalize result of a variant upload.
type VariantResult struct {
	Variant *domain.Variant `json:"variant"`
}

type variantReservation struct {
	Kind      domain.VariantKind `json:"kind"`
	Width     *int               `json:"width,omitempty"`
	Height    *int               `json:"height,omitempty"`
	Transform map[string]any     `json:"transform,omitempty"`
	// Replaces is the object of the variant being re-derived.
	Replaces *domain.ObjectRef `json:"replaces,omitempty"`
}

// VariantTarget commits derived renditions of existing files.
type VariantTarget struct {
	records store.Store
	drivers *storage.Registry
	log     *slog.Logger
	now     func() time.Time
}

var _ Target[VariantMeta, VariantResult] = (*VariantTarget)(nil)

func NewVariantTarget(records store.Store, drivers *storage.Registry) *VariantTarget {
	return &VariantTarget{records: records, drivers: drivers, log: logger.Discard(), now: time.Now}
}

func (t *VariantTarget) Name() string   { return "variant" }
func (t *VariantTarget) Action() string { return hook.ActionVariantFinalize }

func (t *VariantTarget) Prepare(ctx context.Context, actor auth.Actor, meta VariantMeta) (*Plan, error) {
	d := fmerr.Details{}
	if strings.TrimSpace(meta.FileUID) == "" {
		d.Add("fileUid", "is required")
	}
	if !meta.VariantKind.Derived() {
		d.Add("variantKind", "must be one of thumb, preview, web")
	}
	mimeType, ok := parseMediaType(meta.MimeType)
	if !ok {
		d.Add("mimeType", "must be a valid media type")
	}
	if meta.SizeBytes <= 0 {
		d.Add("sizeBytes", "must be greater than zero")
	}
	if meta.Width != nil && *meta.Width <= 0 {
		d.Add("width", "must be greater than zero")
	}
	if meta.Height != nil && *meta.Height <= 0 {
		d.Add("height", "must be greater than zero")
	}
	digest := validateDigest(meta.SHA256, d)
	dest := validateDestination(meta.DestinationHint, d)
	if !d.Empty() {
		return nil, fmerr.Validation("invalid variant metadata", d)
	}

	parent, err := t.records.GetFile(ctx, meta.FileUID)
	if err != nil {
		return nil, storeError(err, "file")
	}
	if err := auth.AssertOwnerOrAdmin(parent, actor); err != nil {
		return nil, err
	}

	if dest.Location == "" {
		dest.Location = parent.StorageLocation
		if dest.Bucket == "" {
			dest.Bucket = parent.Bucket
		}
	}
	folder := meta.FolderPath
	if folder == "" {
		folder = "variants/" + parent.UID
	}
	filename := meta.OriginalFilename
	if strings.TrimSpace(filename) == "" {
		filename = string(meta.VariantKind) + objectExtension("", mimeType)
	}

	plan := &Plan{
		FileUID:     parent.UID,
		Filename:    domain.SanitizeFilename(filename),
		MimeType:    mimeType,
		Size:        meta.SizeBytes,
		SHA256:      digest,
		Folder:      folder,
		Destination: dest,
	}
	vr := variantReservation{
		Kind:      meta.VariantKind,
		Width:     meta.Width,
		Height:    meta.Height,
		Transform: meta.Transform,
	}

	existing, err := t.records.FindVariant(ctx, parent.UID, meta.VariantKind)
	switch {
	case err == nil:
		plan.UID = existing.UID
		obj := existing.Object()
		vr.Replaces = &obj
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeError(err, "variant")
	}
	plan.Meta = vr
	return plan, nil
}

func (t *VariantTarget) Commit(ctx context.Context, res *Reservation, c Committed) (VariantResult, error) {
	var meta variantReservation
	if err := json.Unmarshal(res.Meta, &meta); err != nil {
		return VariantResult{}, fmerr.Internal("failed to decode variant metadata", err)
	}

	now := t.now().UTC()
	v := &domain.Variant{
		UID:             res.UID,
		VariantOfUID:    res.FileUID,
		Kind:            meta.Kind,
		Width:           meta.Width,
		Height:          meta.Height,
		Transform:       meta.Transform,
		StorageLocation: res.Object.Location,
		Bucket:          res.Object.Bucket,
		ObjectKey:       res.Object.Key,
		ByteSize:        c.Size,
		MimeType:        res.MimeType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if meta.Replaces == nil {
		if err := t.records.CreateVariant(ctx, v); err != nil {
			return VariantResult{}, storeError(err, "variant")
		}
		return VariantResult{Variant: v}, nil
	}

	current, err := t.records.GetVariant(ctx, res.UID)
	if err != nil {
		return VariantResult{}, storeError(err, "variant")
	}
	v.CreatedAt = current.CreatedAt
	if err := t.records.UpdateVariant(ctx, v); err != nil {
		return VariantResult{}, storeError(err, "variant")
	}
	if old := current.Object(); old != res.Object {
		t.removeStale(ctx, old)
	}
	return VariantResult{Variant: v}, nil
}

func (t *VariantTarget) Existing(ctx context.Context, actor auth.Actor, uid string) (VariantResult, domain.ObjectRef, error) {
	v, err := t.records.GetVariant(ctx, uid)
	if err != nil {
		return VariantResult{}, domain.ObjectRef{}, storeError(err, "variant")
	}
	parent, err := t.records.GetFile(ctx, v.VariantOfUID)
	if err != nil {
		return VariantResult{}, domain.ObjectRef{}, storeError(err, "file")
	}
	if err := auth.AssertOwnerOrAdmin(parent, actor); err != nil {
		return VariantResult{}, domain.ObjectRef{}, err
	}
	return VariantResult{Variant: v}, v.Object(), nil
}

func (t *VariantTarget) removeStale(ctx context.Context, obj domain.ObjectRef) {
	driver, err := t.drivers.Driver(obj.Location)
	if err == nil {
		err = driver.Delete(context.WithoutCancel(ctx), obj)
	}
	if err != nil {
		t.log.WarnContext(ctx, "failed to remove replaced variant object",
			logger.Object(obj.String()), logger.Error(err))
	}
}
