// Package storagetest provides an in-memory remote storage driver for tests.
package storagetest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/storage"
)

// ChecksumHeader carries the enforced digest on fake presigned requests.
const ChecksumHeader = "X-Amz-Checksum-Sha256"

type object struct {
	data        []byte
	contentType string
	modified    time.Time
	checksum    string
}

// Driver is a thread-safe in-memory storage.Driver that behaves like a
// remote backend: Access returns signed-looking redirect URLs.
type Driver struct {
	location domain.Location
	bucket   string
	presign  bool

	mu      sync.Mutex
	objects map[string]object

	accessCalls  atomic.Int64
	presignCalls atomic.Int64

	// AccessErr, when set, is returned by Access.
	AccessErr error
}

// New creates a fake driver registered under loc with presign support.
func New(loc domain.Location, bucket string) *Driver {
	return &Driver{
		location: loc,
		bucket:   bucket,
		presign:  true,
		objects:  make(map[string]object),
	}
}

// WithoutPresign disables direct-upload credentials.
func (d *Driver) WithoutPresign() *Driver {
	d.presign = false
	return d
}

// AccessCalls returns how many times Access was invoked.
func (d *Driver) AccessCalls() int64 { return d.accessCalls.Load() }

// PresignCalls returns how many times PresignPut was invoked.
func (d *Driver) PresignCalls() int64 { return d.presignCalls.Load() }

// Seed stores data directly, bypassing Put.
func (d *Driver) Seed(obj domain.ObjectRef, data []byte, contentType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[key(obj)] = object{data: bytes.Clone(data), contentType: contentType, modified: time.Now()}
}

// SeedChecksummed stores data with a recorded sha256, like an S3 object written
// through a checksum-signed PUT.
func (d *Driver) SeedChecksummed(obj domain.ObjectRef, data []byte, contentType string) {
	sum := sha256.Sum256(data)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.objects[key(obj)] = object{
		data:        bytes.Clone(data),
		contentType: contentType,
		modified:    time.Now(),
		checksum:    hex.EncodeToString(sum[:]),
	}
}

// Has reports whether obj is stored.
func (d *Driver) Has(obj domain.ObjectRef) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.objects[key(obj)]
	return ok
}

func (d *Driver) Location() domain.Location { return d.location }

func (d *Driver) DefaultBucket() string { return d.bucket }

func (d *Driver) SupportsPresign() bool { return d.presign }

func (d *Driver) Put(ctx context.Context, obj domain.ObjectRef, r io.Reader, contentType string) (storage.PutResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.PutResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.PutResult{}, err
	}
	d.Seed(obj, data, contentType)
	sum := sha256.Sum256(data)
	return storage.PutResult{Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}, nil
}

func (d *Driver) Stat(_ context.Context, obj domain.ObjectRef) (storage.ObjectInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[key(obj)]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, obj)
	}
	return storage.ObjectInfo{Size: int64(len(o.data)), ContentType: o.contentType, LastModified: o.modified, SHA256: o.checksum}, nil
}

func (d *Driver) Delete(_ context.Context, obj domain.ObjectRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, key(obj))
	return nil
}

func (d *Driver) Move(_ context.Context, from, to domain.ObjectRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.objects[key(from)]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, from)
	}
	delete(d.objects, key(from))
	d.objects[key(to)] = o
	return nil
}

func (d *Driver) PresignPut(_ context.Context, obj domain.ObjectRef, opts storage.PresignPutOptions) (*storage.PresignedRequest, error) {
	if !d.presign {
		return nil, storage.ErrPresignUnsupported
	}
	n := d.presignCalls.Add(1)
	req := &storage.PresignedRequest{
		URL:       fmt.Sprintf("https://storage.test/%s/%s?put=%d", obj.Bucket, obj.Key, n),
		Method:    "PUT",
		Headers:   map[string]string{},
		ExpiresAt: time.Now().Add(opts.ExpiresIn),
	}
	if opts.ContentType != "" {
		req.Headers["Content-Type"] = opts.ContentType
	}
	if opts.SHA256 != "" {
		req.Headers[ChecksumHeader] = opts.SHA256
	}
	return req, nil
}

func (d *Driver) Access(_ context.Context, obj domain.ObjectRef, opts storage.AccessOptions) (storage.Access, error) {
	n := d.accessCalls.Add(1)
	if d.AccessErr != nil {
		return storage.Access{}, d.AccessErr
	}
	if obj.Key == "" {
		return storage.Access{}, errors.New("empty key")
	}
	url := fmt.Sprintf("https://storage.test/%s/%s?sig=%d", obj.Bucket, obj.Key, n)
	if opts.Download {
		url += "&dl=1"
	}
	return storage.Access{RedirectURL: url}, nil
}

func key(obj domain.ObjectRef) string {
	return obj.Bucket + "/" + obj.Key
}
