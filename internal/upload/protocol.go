package upload

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
	"github.com/fmkit/filemanager/internal/hook"
	"github.com/fmkit/filemanager/internal/logger"
	"github.com/fmkit/filemanager/internal/metrics"
	"github.com/fmkit/filemanager/internal/storage"
)

var (
	errBodyTooLarge = errors.New("upload body exceeds the maximum size")
	sha256Pattern   = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Option configures a Protocol.
type Option func(*options)

type options struct {
	now     func() time.Time
	newUID  func() string
	log     *slog.Logger
	emitter hook.Emitter
	cache   Invalidator
}

// Invalidator drops cached delivery state of a file.
type Invalidator interface {
	InvalidateFile(fileUID string) int
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithUIDGenerator replaces UUID v4 allocation.
func WithUIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newUID = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithEmitter sets the write event emitter.
func WithEmitter(e hook.Emitter) Option {
	return func(o *options) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithCache sets the redirect cache dropped for a file after each commit.
func WithCache(c Invalidator) Option {
	return func(o *options) {
		if c != nil {
			o.cache = c
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		now:     time.Now,
		newUID:  uuid.NewString,
		log:     logger.Discard(),
		emitter: hook.Noop{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Protocol is the two-phase upload state machine over a Target.
type Protocol[M, R any] struct {
	target  Target[M, R]
	drivers *storage.Registry
	staging Staging
	policy  Policy
	options
}

// NewProtocol builds a protocol for target.
func NewProtocol[M, R any](target Target[M, R], drivers *storage.Registry, staging Staging, policy Policy, opts ...Option) *Protocol[M, R] {
	if policy.Mode == "" {
		policy.Mode = ModeAuto
	}
	if policy.ReservationTTL <= 0 {
		policy.ReservationTTL = defaultReserveTTL
	}
	if policy.PresignTTL <= 0 {
		policy.PresignTTL = defaultPresignTTL
	}
	o := newOptions(opts)
	o.log = o.log.With(logger.Component("upload." + target.Name()))
	return &Protocol[M, R]{
		target:  target,
		drivers: drivers,
		staging: staging,
		policy:  policy,
		options: o,
	}
}

// Init validates meta, applies the upload policy and stages a reservation.
func (p *Protocol[M, R]) Init(ctx context.Context, actor auth.Actor, meta M) (*InitResult, error) {
	res, err := p.init(ctx, actor, meta)
	metrics.RecordUpload(p.target.Name(), "init", err == nil)
	return res, err
}

func (p *Protocol[M, R]) init(ctx context.Context, actor auth.Actor, meta M) (*InitResult, error) {
	plan, err := p.target.Prepare(ctx, actor, meta)
	if err != nil {
		return nil, err
	}
	if err := p.checkPolicy(plan); err != nil {
		return nil, err
	}

	driver, err := p.driverFor(plan.Destination.Location)
	if err != nil {
		return nil, err
	}
	folder, err := cleanFolder(plan.Folder)
	if err != nil {
		return nil, err
	}

	uid, keyName := plan.UID, plan.UID
	if uid == "" {
		uid = p.newUID()
		keyName = uid
	} else {
		// A reused uid belongs to a committed record whose object stays live
		// until the replacement commits.
		keyName = uid + "-" + p.newUID()
	}
	fileUID := plan.FileUID
	if fileUID == "" {
		fileUID = uid
	}
	bucket := plan.Destination.Bucket
	if bucket == "" {
		bucket = driver.DefaultBucket()
	}
	obj := domain.ObjectRef{
		Location: driver.Location(),
		Bucket:   bucket,
		Key:      path.Join(folder, keyName+objectExtension(plan.Filename, plan.MimeType)),
	}

	now := p.now()
	result := &InitResult{
		UID:       uid,
		FileUID:   fileUID,
		Mode:      ModeProxied,
		Object:    obj,
		ExpiresAt: now.Add(p.policy.ReservationTTL),
	}
	if p.policy.Mode != ModeForceProxied && driver.SupportsPresign() {
		put, err := driver.PresignPut(ctx, obj, storage.PresignPutOptions{
			ContentType: plan.MimeType,
			SHA256:      plan.SHA256,
			ExpiresIn:   p.policy.PresignTTL,
		})
		switch {
		case err == nil:
			result.Mode = ModeDirect
			result.PresignedPut = put
		case p.policy.Mode == ModeForceDirect:
			return nil, fmerr.Storage("failed to issue upload credentials", err)
		default:
			p.log.WarnContext(ctx, "presign failed, falling back to proxied upload",
				logger.Object(obj.String()), logger.Error(err))
		}
	} else if p.policy.Mode == ModeForceDirect {
		return nil, fmerr.Policy("direct uploads are not supported by the selected storage")
	}

	rawMeta, err := json.Marshal(plan.Meta)
	if err != nil {
		return nil, fmerr.Internal("failed to encode upload metadata", err)
	}
	res := &Reservation{
		UID:          uid,
		Target:       p.target.Name(),
		FileUID:      fileUID,
		OwnerUserUID: actor.UserUID,
		Object:       obj,
		Mode:         result.Mode,
		Filename:     plan.Filename,
		MimeType:     plan.MimeType,
		DeclaredSize: plan.Size,
		DeclaredSHA:  plan.SHA256,
		Meta:         rawMeta,
		CreatedAt:    now,
		ExpiresAt:    result.ExpiresAt,
	}
	if err := p.staging.Put(ctx, res); err != nil {
		return nil, fmerr.Internal("failed to stage upload", err)
	}

	p.log.DebugContext(ctx, "upload initiated",
		logger.FileUID(fileUID), logger.Object(obj.String()), logger.Mode(result.Mode))
	return result, nil
}

// Finalize verifies the uploaded object and commits the record.
func (p *Protocol[M, R]) Finalize(ctx context.Context, actor auth.Actor, req FinalizeRequest) (R, error) {
	r, err := p.finalize(ctx, actor, req)
	metrics.RecordUpload(p.target.Name(), "finalize", err == nil)
	return r, err
}

func (p *Protocol[M, R]) finalize(ctx context.Context, actor auth.Actor, req FinalizeRequest) (R, error) {
	var zero R

	if err := validateFinalize(req); err != nil {
		return zero, err
	}
	res, err := p.reservation(ctx, req.UID)
	if errors.Is(err, ErrReservationNotFound) {
		return p.refinalize(ctx, actor, req.UID, req.Object)
	}
	if err != nil {
		return zero, err
	}
	if err := authorize(res, actor); err != nil {
		return zero, err
	}
	if req.Object != res.Object {
		return zero, fmerr.Validation("object does not match the reserved upload", fmerr.Details{
			"object": {"must equal the object returned by init"},
		})
	}

	driver, err := p.driverFor(res.Object.Location)
	if err != nil {
		return zero, err
	}
	info, err := driver.Stat(ctx, res.Object)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return zero, fmerr.Validation("uploaded object was not found", fmerr.Details{
			"object": {"has not been uploaded"},
		})
	}
	if err != nil {
		return zero, fmerr.Storage("failed to inspect uploaded object", err)
	}
	if res.DeclaredSize > 0 && info.Size != res.DeclaredSize {
		return zero, sizeMismatch(res.DeclaredSize, info.Size)
	}

	digest, err := finalDigest(res.DeclaredSHA, strings.ToLower(req.SHA256), info.SHA256)
	if err != nil {
		return zero, err
	}
	return p.commit(ctx, actor, res, Committed{Size: info.Size, SHA256: digest})
}

// WriteAndFinalize streams body to the reserved object and commits with the
// server-computed hash. expectedSHA256 is optional.
func (p *Protocol[M, R]) WriteAndFinalize(ctx context.Context, actor auth.Actor, uid string, body io.Reader, contentType, expectedSHA256 string) (R, error) {
	r, err := p.writeAndFinalize(ctx, actor, uid, body, contentType, expectedSHA256)
	metrics.RecordUpload(p.target.Name(), "proxy", err == nil)
	return r, err
}

func (p *Protocol[M, R]) writeAndFinalize(ctx context.Context, actor auth.Actor, uid string, body io.Reader, contentType, expectedSHA256 string) (R, error) {
	var zero R

	expectedSHA256 = strings.ToLower(strings.TrimSpace(expectedSHA256))
	if expectedSHA256 != "" && !sha256Pattern.MatchString(expectedSHA256) {
		return zero, invalidSHA256()
	}

	res, err := p.reservation(ctx, uid)
	if errors.Is(err, ErrReservationNotFound) {
		if _, _, existErr := p.target.Existing(ctx, actor, uid); existErr == nil {
			return zero, fmerr.Conflict("upload has already been finalized")
		} else if !fmerr.Is(existErr, fmerr.KindNotFound) {
			return zero, existErr
		}
		return zero, fmerr.NotFound("upload not found")
	}
	if err != nil {
		return zero, err
	}
	if err := authorize(res, actor); err != nil {
		return zero, err
	}

	driver, err := p.driverFor(res.Object.Location)
	if err != nil {
		return zero, err
	}
	if contentType == "" {
		contentType = res.MimeType
	}

	put, err := driver.Put(ctx, res.Object, limitReader(body, p.policy.MaxBytes), domain.NormalizeContentType(contentType, res.Filename))
	if errors.Is(err, errBodyTooLarge) {
		p.discard(ctx, driver, res.Object)
		return zero, fmerr.Policy(fmt.Sprintf("file exceeds the maximum upload size of %d bytes", p.policy.MaxBytes))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, fmerr.Internal("upload aborted", ctxErr)
		}
		return zero, fmerr.Storage("failed to store uploaded object", err)
	}
	if res.DeclaredSize > 0 && put.Size != res.DeclaredSize {
		p.discard(ctx, driver, res.Object)
		return zero, sizeMismatch(res.DeclaredSize, put.Size)
	}
	for _, want := range []string{expectedSHA256, res.DeclaredSHA} {
		if want != "" && want != put.SHA256 {
			p.discard(ctx, driver, res.Object)
			return zero, checksumMismatch()
		}
	}

	metrics.RecordUploadedBytes(put.Size)
	return p.commit(ctx, actor, res, Committed{Size: put.Size, SHA256: put.SHA256})
}

func (p *Protocol[M, R]) commit(ctx context.Context, actor auth.Actor, res *Reservation, c Committed) (R, error) {
	r, err := p.target.Commit(ctx, res, c)
	if fmerr.Is(err, fmerr.KindConflict) {
		// A concurrent finalize of the same reservation may have won.
		if existing, obj, existErr := p.target.Existing(ctx, actor, res.UID); existErr == nil && obj == res.Object {
			_ = p.staging.Delete(ctx, res.UID)
			return existing, nil
		}
	}
	if err != nil {
		return r, err
	}

	if err := p.staging.Delete(ctx, res.UID); err != nil {
		p.log.WarnContext(ctx, "failed to drop reservation", logger.FileUID(res.FileUID), logger.Error(err))
	}

	if p.cache != nil {
		p.cache.InvalidateFile(res.FileUID)
	}

	e := hook.Event{Action: p.target.Action(), FileUID: res.FileUID, UserUID: actor.UserUID}
	if res.UID != res.FileUID {
		e.VariantUID = res.UID
	}
	p.emitter.Emit(ctx, e)

	p.log.InfoContext(ctx, "upload finalized",
		logger.FileUID(res.FileUID), logger.Object(res.Object.String()), logger.Mode(res.Mode))
	return r, nil
}

// refinalize handles a finalize for which no reservation exists: a repeated
// call for the same object is a no-op, a different object is a conflict.
func (p *Protocol[M, R]) refinalize(ctx context.Context, actor auth.Actor, uid string, obj domain.ObjectRef) (R, error) {
	existing, committed, err := p.target.Existing(ctx, actor, uid)
	if fmerr.Is(err, fmerr.KindNotFound) {
		var zero R
		return zero, fmerr.NotFound("upload not found or expired")
	}
	if err != nil {
		var zero R
		return zero, err
	}
	if committed != obj {
		var zero R
		return zero, fmerr.Conflict("upload was already finalized with a different object")
	}
	return existing, nil
}

func (p *Protocol[M, R]) reservation(ctx context.Context, uid string) (*Reservation, error) {
	res, err := p.staging.Get(ctx, uid)
	if errors.Is(err, ErrReservationNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmerr.Internal("failed to load upload reservation", err)
	}
	if res.Target != p.target.Name() {
		return nil, ErrReservationNotFound
	}
	return res, nil
}

func (p *Protocol[M, R]) driverFor(loc domain.Location) (storage.Driver, error) {
	if loc == "" {
		return p.drivers.Default(), nil
	}
	d, err := p.drivers.Driver(loc)
	if err != nil {
		return nil, fmerr.Validation("unknown storage location", fmerr.Details{
			"destinationHint.location": {fmt.Sprintf("%q is not configured", loc)},
		})
	}
	return d, nil
}

func (p *Protocol[M, R]) checkPolicy(plan *Plan) error {
	if p.policy.MaxBytes > 0 && plan.Size > p.policy.MaxBytes {
		return fmerr.Policy(fmt.Sprintf("file exceeds the maximum upload size of %d bytes", p.policy.MaxBytes))
	}
	if ext := domain.Extension(plan.Filename); ext != "" {
		for _, denied := range p.policy.DeniedExtensions {
			if strings.EqualFold(ext, denied) {
				return fmerr.Policy(fmt.Sprintf("files with extension %s are not allowed", ext))
			}
		}
	}
	if len(p.policy.AllowedMIMEPrefixes) > 0 {
		for _, prefix := range p.policy.AllowedMIMEPrefixes {
			if strings.HasPrefix(plan.MimeType, prefix) {
				return nil
			}
		}
		return fmerr.Policy(fmt.Sprintf("content type %s is not allowed", plan.MimeType))
	}
	return nil
}

// discard removes a rejected proxied write. Failures only leave an orphan object.
func (p *Protocol[M, R]) discard(ctx context.Context, driver storage.Driver, obj domain.ObjectRef) {
	if err := driver.Delete(context.WithoutCancel(ctx), obj); err != nil {
		p.log.WarnContext(ctx, "failed to remove rejected upload", logger.Object(obj.String()), logger.Error(err))
	}
}

func authorize(res *Reservation, actor auth.Actor) error {
	if actor.IsAdmin || (res.OwnerUserUID != "" && res.OwnerUserUID == actor.UserUID) {
		return nil
	}
	return fmerr.Forbidden("you do not own this upload")
}

func validateFinalize(req FinalizeRequest) error {
	d := fmerr.Details{}
	if strings.TrimSpace(req.UID) == "" {
		d.Add("uid", "is required")
	}
	if req.Object.Key == "" {
		d.Add("object", "is required")
	}
	if req.SHA256 != "" && !sha256Pattern.MatchString(strings.ToLower(req.SHA256)) {
		d.Add("sha256", "must be 64 hexadecimal characters")
	}
	if d.Empty() {
		return nil
	}
	return fmerr.Validation("invalid finalize request", d)
}

func invalidSHA256() error {
	return fmerr.Validation("invalid checksum", fmerr.Details{
		"sha256": {"must be 64 hexadecimal characters"},
	})
}

func checksumMismatch() error {
	return fmerr.Validation("checksum mismatch", fmerr.Details{
		"sha256": {"does not match the uploaded content"},
	})
}

// finalDigest reconciles the digest declared at init, the one asserted at
// finalize and the one recorded by the backend. A recorded digest wins;
// without one the client's digest is stored as asserted.
func finalDigest(declared, asserted, stored string) (string, error) {
	if declared != "" && asserted != "" && declared != asserted {
		return "", checksumMismatch()
	}
	expected := cmp.Or(declared, asserted)
	if stored == "" {
		return expected, nil
	}
	if expected != "" && expected != stored {
		return "", checksumMismatch()
	}
	return stored, nil
}

func sizeMismatch(declared, actual int64) error {
	return fmerr.Validation("uploaded size does not match the declared size", fmerr.Details{
		"sizeBytes": {fmt.Sprintf("declared %d bytes, stored %d bytes", declared, actual)},
	})
}

// cleanFolder normalizes a folder prefix. Parent references are rejected.
func cleanFolder(folder string) (string, error) {
	folder = strings.Trim(strings.ReplaceAll(strings.TrimSpace(folder), "\\", "/"), "/")
	if folder == "" {
		return defaultFolder, nil
	}
	for _, seg := range strings.Split(folder, "/") {
		if seg == ".." {
			return "", fmerr.Validation("invalid folder path", fmerr.Details{
				"folderPath": {"must not contain parent references"},
			})
		}
	}
	return path.Clean(folder), nil
}

// limitReader fails with errBodyTooLarge once more than limit bytes are read.
// A non-positive limit disables the check.
func limitReader(r io.Reader, limit int64) io.Reader {
	if limit <= 0 {
		return r
	}
	return &limitedReader{r: r, remaining: limit}
}

type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, errBodyTooLarge
	}
	return n, err
}
