package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmkit/filemanager/internal/domain"
)

// LocalDriver stores objects under baseDir/<bucket>/<key>.
// All operations are confined to baseDir to prevent path traversal attacks.
type LocalDriver struct {
	baseDir       string
	defaultBucket string
	writeTimeout  time.Duration
}

// LocalOption configures LocalDriver.
type LocalOption func(*LocalDriver)

// WithLocalWriteTimeout bounds Put. If not set, relies on the caller's context deadline.
func WithLocalWriteTimeout(timeout time.Duration) LocalOption {
	return func(d *LocalDriver) {
		d.writeTimeout = timeout
	}
}

// NewLocalDriver creates a local filesystem driver.
// baseDir is resolved to an absolute path and created if it doesn't exist.
func NewLocalDriver(baseDir, defaultBucket string, opts ...LocalOption) (*LocalDriver, error) {
	if baseDir == "" || defaultBucket == "" {
		return nil, ErrInvalidConfig
	}

	absBaseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve base directory: %v", ErrInvalidConfig, err)
	}
	if err := os.MkdirAll(absBaseDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	d := &LocalDriver{
		baseDir:       absBaseDir,
		defaultBucket: defaultBucket,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *LocalDriver) Location() domain.Location { return domain.LocationLocal }

func (d *LocalDriver) DefaultBucket() string { return d.defaultBucket }

func (d *LocalDriver) SupportsPresign() bool { return false }

// Put writes into a temporary file next to the target and renames it into
// place, so readers never observe a partial object.
func (d *LocalDriver) Put(ctx context.Context, obj domain.ObjectRef, r io.Reader, _ string) (PutResult, error) {
	if d.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.writeTimeout)
		defer cancel()
	}

	absPath, err := d.resolvePath(obj)
	if err != nil {
		return PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", ErrFailedToWriteObject, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(absPath), ".upload-*")
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", ErrFailedToWriteObject, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	h := sha256.New()
	w := io.MultiWriter(tmp, h)

	// Manual buffered copy with context checking - allows cancellation during large uploads
	written := int64(0)
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			cleanup()
			return PutResult{}, ctx.Err()
		default:
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			nw, writeErr := w.Write(buf[:n])
			if writeErr != nil {
				cleanup()
				return PutResult{}, fmt.Errorf("%w: %v", ErrFailedToWriteObject, writeErr)
			}
			written += int64(nw)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			return PutResult{}, readErr
		}
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return PutResult{}, fmt.Errorf("%w: %v", ErrFailedToWriteObject, err)
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		_ = os.Remove(tmpName)
		return PutResult{}, fmt.Errorf("%w: %v", ErrFailedToWriteObject, err)
	}

	return PutResult{Size: written, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func (d *LocalDriver) Stat(ctx context.Context, obj domain.ObjectRef) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	absPath, err := d.resolvePath(obj)
	if err != nil {
		return ObjectInfo{}, err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, obj)
		}
		return ObjectInfo{}, fmt.Errorf("%w: %v", ErrFailedToStatObject, err)
	}
	if info.IsDir() {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrObjectNotFound, obj)
	}

	return ObjectInfo{
		Size:         info.Size(),
		ContentType:  domain.NormalizeContentType("", obj.Key),
		LastModified: info.ModTime(),
	}, nil
}

func (d *LocalDriver) Delete(ctx context.Context, obj domain.ObjectRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	absPath, err := d.resolvePath(obj)
	if err != nil {
		return err
	}
	if err := os.Remove(absPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (d *LocalDriver) Move(ctx context.Context, from, to domain.ObjectRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := d.resolvePath(from)
	if err != nil {
		return err
	}
	dst, err := d.resolvePath(to)
	if err != nil {
		return err
	}
	if src == dst {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, from)
		}
		return fmt.Errorf("%w: %v", ErrFailedToStatObject, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToWriteObject, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move object: %w", err)
	}
	return nil
}

func (d *LocalDriver) PresignPut(context.Context, domain.ObjectRef, PresignPutOptions) (*PresignedRequest, error) {
	return nil, ErrPresignUnsupported
}

// Access returns the absolute path of obj. Existence is checked at serve time.
func (d *LocalDriver) Access(_ context.Context, obj domain.ObjectRef, _ AccessOptions) (Access, error) {
	absPath, err := d.resolvePath(obj)
	if err != nil {
		return Access{}, err
	}
	return Access{AbsPath: absPath}, nil
}

// resolvePath validates and resolves an object reference within the base directory.
// Critical security function that prevents path traversal attacks by ensuring
// all resolved paths stay within baseDir bounds.
func (d *LocalDriver) resolvePath(obj domain.ObjectRef) (string, error) {
	if obj.Bucket == "" || obj.Key == "" || obj.Bucket == "." || obj.Bucket == ".." ||
		strings.ContainsAny(obj.Bucket, `/\`) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, obj)
	}

	rel := filepath.Join(obj.Bucket, filepath.FromSlash(obj.Key))
	absPath, err := filepath.Abs(filepath.Join(d.baseDir, filepath.Clean(rel)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	bucketDir := filepath.Join(d.baseDir, obj.Bucket)
	if !strings.HasPrefix(absPath, bucketDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, obj)
	}
	return absPath, nil
}
