package files

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path"
	"slices"
	"strings"

	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/hook"
	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/storage"
)

// Patchable fields.
const (
	FieldTitle    = "title"
	FieldAltText  = "alt_text"
	FieldTags     = "tags"
	FieldIsPublic = "is_public"
)

const maxTags = 64

// Patch applies a partial metadata update. Only title, alt_text, tags and
// is_public may be set; null clears title and alt_text.
func (s *Service) Patch(ctx context.Context, actor auth.Actor, uid string, fields map[string]json.RawMessage) (*domain.File, error) {
	if len(fields) == 0 {
		return nil, fmerr.Validation("patch must change at least one field", nil)
	}
	f, err := s.load(ctx, actor, uid)
	if err != nil {
		return nil, err
	}

	d := fmerr.Details{}
	visibility := false
	for name, raw := range fields {
		switch name {
		case FieldTitle:
			f.Title = decodeOptionalText(name, raw, d)
		case FieldAltText:
			f.AltText = decodeOptionalText(name, raw, d)
		case FieldTags:
			var tags []string
			if err := json.Unmarshal(raw, &tags); err != nil {
				d.Add(name, "must be an array of strings")
				continue
			}
			f.Tags = normalizeTags(tags)
			if len(f.Tags) > maxTags {
				d.Add(name, "too many tags")
			}
		case FieldIsPublic:
			var public bool
			if isNull(raw) || json.Unmarshal(raw, &public) != nil {
				d.Add(name, "must be a boolean")
				continue
			}
			visibility = visibility || f.IsPublic != public
			f.IsPublic = public
		default:
			d.Add(name, "is not allowed")
		}
	}
	if !d.Empty() {
		return nil, fmerr.Validation("invalid patch", d)
	}

	if err := s.save(ctx, f); err != nil {
		return nil, err
	}
	s.committed(ctx, actor, hook.ActionPatch, f.UID, visibility)
	return f, nil
}

// Rename changes the original filename only. Stored objects keep their keys.
func (s *Service) Rename(ctx context.Context, actor auth.Actor, uid, filename string) (*domain.File, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, fmerr.Validation("invalid rename", fmerr.Details{"original_filename": {"is required"}})
	}
	f, err := s.load(ctx, actor, uid)
	if err != nil {
		return nil, err
	}

	f.OriginalFilename = domain.SanitizeFilename(filename)
	if err := s.save(ctx, f); err != nil {
		return nil, err
	}
	// Download dispositions embed the filename.
	s.committed(ctx, actor, hook.ActionRename, f.UID, true)
	return f, nil
}

// MoveRequest relocates the original. At least one field is required.
type MoveRequest struct {
	Bucket     *string `json:"bucket,omitempty"`
	FolderPath *string `json:"folder_path,omitempty"`
}

// Move relocates the original object and updates the record. Variants stay
// where they are.
func (s *Service) Move(ctx context.Context, actor auth.Actor, uid string, req MoveRequest) (*domain.File, error) {
	d := fmerr.Details{}
	if req.Bucket == nil && req.FolderPath == nil {
		d.Add("bucket", "bucket or folder_path is required")
	}
	if req.Bucket != nil && (strings.TrimSpace(*req.Bucket) == "" || strings.ContainsAny(*req.Bucket, "/\\") || *req.Bucket == "..") {
		d.Add("bucket", "must be a plain bucket name")
	}
	var folder string
	if req.FolderPath != nil {
		var ok bool
		if folder, ok = cleanFolder(*req.FolderPath); !ok {
			d.Add("folder_path", "must not contain parent references")
		}
	}
	if !d.Empty() {
		return nil, fmerr.Validation("invalid move", d)
	}

	f, err := s.load(ctx, actor, uid)
	if err != nil {
		return nil, err
	}

	from := f.Object()
	to := from
	if req.Bucket != nil {
		to.Bucket = strings.TrimSpace(*req.Bucket)
	}
	if req.FolderPath != nil {
		to.Key = path.Join(folder, path.Base(from.Key))
	}
	if to == from {
		return f, nil
	}

	driver, err := s.drivers.Driver(from.Location)
	if err != nil {
		return nil, fmerr.Storage("storage backend is not configured", err)
	}
	if err := driver.Move(ctx, from, to); err != nil {
		return nil, fmerr.Storage("failed to move stored object", err)
	}

	f.Bucket, f.ObjectKey = to.Bucket, to.Key
	if err := s.save(ctx, f); err != nil {
		if rbErr := driver.Move(context.WithoutCancel(ctx), to, from); rbErr != nil {
			s.log.ErrorContext(ctx, "failed to roll back object move",
				logger.FileUID(uid), logger.Object(to.String()), logger.Error(rbErr))
		}
		return nil, err
	}
	s.committed(ctx, actor, hook.ActionMove, f.UID, true)
	return f, nil
}

// Archive soft-deletes a file. Archiving an archived file is a no-op.
func (s *Service) Archive(ctx context.Context, actor auth.Actor, uid string) (*domain.File, error) {
	f, err := s.load(ctx, actor, uid)
	if err != nil {
		return nil, err
	}
	if f.Archived() {
		return f, nil
	}

	now := s.now().UTC()
	f.ArchivedAt = &now
	if err := s.save(ctx, f); err != nil {
		return nil, err
	}
	s.committed(ctx, actor, hook.ActionArchive, f.UID, true)
	return f, nil
}

// Restore clears archived_at. Restoring an active file is a no-op.
func (s *Service) Restore(ctx context.Context, actor auth.Actor, uid string) (*domain.File, error) {
	f, err := s.load(ctx, actor, uid)
	if err != nil {
		return nil, err
	}
	if !f.Archived() {
		return f, nil
	}

	f.ArchivedAt = nil
	if err := s.save(ctx, f); err != nil {
		return nil, err
	}
	s.committed(ctx, actor, hook.ActionRestore, f.UID, true)
	return f, nil
}

// DeleteResult reports how a file was deleted.
type DeleteResult struct {
	UID  string       `json:"uid"`
	Hard bool         `json:"hard"`
	File *domain.File `json:"file,omitempty"`
}

// Delete archives the file, or with force removes the record, its variants,
// its links and the stored objects.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, uid string, force bool) (*DeleteResult, error) {
	if !force {
		f, err := s.Archive(ctx, actor, uid)
		if err != nil {
			return nil, err
		}
		return &DeleteResult{UID: uid, File: f}, nil
	}

	f, err := s.load(ctx, actor, uid)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin && !s.ownerForceDelete {
		return nil, fmerr.Forbidden("force delete requires administrator access")
	}

	variants, err := s.records.ListVariants(ctx, uid)
	if err != nil {
		return nil, storeError(err, "variant")
	}
	if err := s.records.DeleteFile(ctx, uid); err != nil {
		return nil, storeError(err, "file")
	}

	objects := []domain.ObjectRef{f.Object()}
	for _, v := range variants {
		objects = append(objects, v.Object())
	}
	s.removeObjects(ctx, uid, objects)

	s.committed(ctx, actor, hook.ActionDelete, uid, true)
	return &DeleteResult{UID: uid, Hard: true}, nil
}

// removeObjects deletes stored bytes after the records are gone. Failures
// leave orphans and are only logged.
func (s *Service) removeObjects(ctx context.Context, fileUID string, objects []domain.ObjectRef) {
	ctx = context.WithoutCancel(ctx)
	for _, obj := range objects {
		driver, err := s.drivers.Driver(obj.Location)
		if err == nil {
			err = driver.Delete(ctx, obj)
		}
		if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			s.log.WarnContext(ctx, "failed to remove stored object",
				logger.FileUID(fileUID), logger.Object(obj.String()), logger.Error(err))
		}
	}
}

func decodeOptionalText(field string, raw json.RawMessage, d fmerr.Details) *string {
	if isNull(raw) {
		return nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		d.Add(field, "must be a string or null")
		return nil
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func cleanFolder(folder string) (string, bool) {
	folder = strings.Trim(strings.ReplaceAll(strings.TrimSpace(folder), "\\", "/"), "/")
	for _, seg := range strings.Split(folder, "/") {
		if seg == ".." {
			return "", false
		}
	}
	if folder == "" {
		return "", true
	}
	return path.Clean(folder), true
}
