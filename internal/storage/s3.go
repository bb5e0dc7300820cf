package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fmkit/filemanager/internal/domain"
)

// S3Client defines the S3 operations used by S3Driver.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Presigner signs GET and PUT requests. *s3.PresignClient implements it.
type S3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config contains configuration for the S3 driver.
type S3Config struct {
	Bucket         string
	Region         string
	AccessKeyID    string
	SecretKey      string
	Endpoint       string        // Optional: for S3-compatible services
	ForcePathStyle bool          // For S3-compatible services like MinIO
	PresignTTL     time.Duration // Default lifetime of signed URLs
}

// S3Option defines a function that configures S3Driver.
type S3Option func(*s3Options)

type s3Options struct {
	httpClient      *http.Client
	client          S3Client
	presigner       S3Presigner
	s3ConfigOptions []func(*config.LoadOptions) error
	s3ClientOptions []func(*s3.Options)
	uploadTimeout   time.Duration
	now             func() time.Time
}

// WithS3Client sets a custom pre-configured S3 client.
// Useful for testing with mocks.
func WithS3Client(client S3Client) S3Option {
	return func(o *s3Options) {
		o.client = client
	}
}

// WithS3Presigner sets a custom presigner.
func WithS3Presigner(p S3Presigner) S3Option {
	return func(o *s3Options) {
		o.presigner = p
	}
}

// WithHTTPClient sets a custom HTTP client for S3 requests.
func WithHTTPClient(client *http.Client) S3Option {
	return func(o *s3Options) {
		o.httpClient = client
	}
}

// WithS3ConfigOption adds a custom AWS config option.
func WithS3ConfigOption(option func(*config.LoadOptions) error) S3Option {
	return func(o *s3Options) {
		o.s3ConfigOptions = append(o.s3ConfigOptions, option)
	}
}

// WithS3ClientOption adds a custom S3 client option.
func WithS3ClientOption(option func(*s3.Options)) S3Option {
	return func(o *s3Options) {
		o.s3ClientOptions = append(o.s3ClientOptions, option)
	}
}

// WithS3UploadTimeout sets the timeout for Put.
func WithS3UploadTimeout(timeout time.Duration) S3Option {
	return func(o *s3Options) {
		o.uploadTimeout = timeout
	}
}

// WithS3Clock overrides the time source used for credential expiry.
func WithS3Clock(now func() time.Time) S3Option {
	return func(o *s3Options) {
		o.now = now
	}
}

// S3Driver implements Driver for Amazon S3 and S3-compatible services.
// It is safe for concurrent use.
type S3Driver struct {
	client        S3Client
	presigner     S3Presigner
	bucket        string
	presignTTL    time.Duration
	uploadTimeout time.Duration
	now           func() time.Time
}

// NewS3Driver creates a new S3 driver.
func NewS3Driver(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Driver, error) {
	if cfg.Bucket == "" || cfg.Region == "" {
		return nil, ErrInvalidConfig
	}

	options := &s3Options{now: time.Now}
	for _, opt := range opts {
		opt(options)
	}

	client := options.client
	if client == nil {
		awsOptions := []func(*config.LoadOptions) error{
			config.WithRegion(cfg.Region),
		}
		if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
			awsOptions = append(awsOptions,
				config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID,
					cfg.SecretKey,
					"",
				)),
			)
		}
		if options.httpClient != nil {
			awsOptions = append(awsOptions, config.WithHTTPClient(options.httpClient))
		}
		awsOptions = append(awsOptions, options.s3ConfigOptions...)

		awsConfig, err := config.LoadDefaultConfig(ctx, awsOptions...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailedToLoadConfig, err)
		}

		client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.ForcePathStyle
			for _, opt := range options.s3ClientOptions {
				opt(o)
			}
		})
	}

	presigner := options.presigner
	if presigner == nil {
		realClient, ok := client.(*s3.Client)
		if !ok {
			return nil, fmt.Errorf("%w: presigner is required with a custom client", ErrInvalidConfig)
		}
		presigner = s3.NewPresignClient(realClient)
	}

	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	return &S3Driver{
		client:        client,
		presigner:     presigner,
		bucket:        cfg.Bucket,
		presignTTL:    ttl,
		uploadTimeout: options.uploadTimeout,
		now:           options.now,
	}, nil
}

func (d *S3Driver) Location() domain.Location { return domain.LocationS3 }

func (d *S3Driver) DefaultBucket() string { return d.bucket }

func (d *S3Driver) SupportsPresign() bool { return true }

// Put spools the body to a temporary file while hashing it, so the upload has a
// known length and a seekable body.
func (d *S3Driver) Put(ctx context.Context, obj domain.ObjectRef, r io.Reader, contentType string) (PutResult, error) {
	if d.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.uploadTimeout)
		defer cancel()
	}

	key, err := cleanKey(obj.Key)
	if err != nil {
		return PutResult{}, err
	}

	spool, err := os.CreateTemp("", "fm-s3-*")
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", ErrFailedToWriteObject, err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(spool, h), r)
	if err != nil {
		return PutResult{}, err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", ErrFailedToWriteObject, err)
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(obj.Bucket),
		Key:           aws.String(key),
		Body:          spool,
		ContentLength: aws.Int64(n),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := d.client.PutObject(ctx, input); err != nil {
		return PutResult{}, classifyS3Error(err, "upload object")
	}

	return PutResult{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func (d *S3Driver) Stat(ctx context.Context, obj domain.ObjectRef) (ObjectInfo, error) {
	key, err := cleanKey(obj.Key)
	if err != nil {
		return ObjectInfo{}, err
	}

	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(obj.Bucket),
		Key:          aws.String(key),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return ObjectInfo{}, classifyS3Error(err, "stat object")
	}

	return ObjectInfo{
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		LastModified: aws.ToTime(out.LastModified),
		SHA256:       checksumHex(aws.ToString(out.ChecksumSHA256)),
	}, nil
}

// checksumHex converts a full-object base64 checksum to hex. Composite
// multipart checksums ("<b64>-<parts>") do not describe the object bytes and
// yield "".
func checksumHex(b64 string) string {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != sha256.Size {
		return ""
	}
	return hex.EncodeToString(raw)
}

func (d *S3Driver) Delete(ctx context.Context, obj domain.ObjectRef) error {
	key, err := cleanKey(obj.Key)
	if err != nil {
		return err
	}

	_, err = d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err = classifyS3Error(err, "delete object"); errors.Is(err, ErrObjectNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Move copies the object server-side and removes the source.
func (d *S3Driver) Move(ctx context.Context, from, to domain.ObjectRef) error {
	srcKey, err := cleanKey(from.Key)
	if err != nil {
		return err
	}
	dstKey, err := cleanKey(to.Key)
	if err != nil {
		return err
	}
	if from.Bucket == to.Bucket && srcKey == dstKey {
		return nil
	}

	_, err = d.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(to.Bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(from.Bucket, srcKey)),
	})
	if err != nil {
		return classifyS3Error(err, "copy object")
	}

	return d.Delete(ctx, domain.ObjectRef{Location: from.Location, Bucket: from.Bucket, Key: srcKey})
}

func (d *S3Driver) PresignPut(ctx context.Context, obj domain.ObjectRef, opts PresignPutOptions) (*PresignedRequest, error) {
	key, err := cleanKey(obj.Key)
	if err != nil {
		return nil, err
	}
	ttl := opts.ExpiresIn
	if ttl <= 0 {
		ttl = d.presignTTL
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(key),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.SHA256 != "" {
		raw, err := hex.DecodeString(opts.SHA256)
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("%w: invalid sha256 digest", ErrFailedToPresign)
		}
		// S3 rejects a PUT whose body does not match the signed checksum.
		input.ChecksumSHA256 = aws.String(base64.StdEncoding.EncodeToString(raw))
	}

	req, err := d.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailedToPresign, classifyS3Error(err, "presign put"))
	}

	headers := make(map[string]string, len(req.SignedHeader))
	for name, values := range req.SignedHeader {
		if strings.EqualFold(name, "Host") || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	return &PresignedRequest{
		URL:       req.URL,
		Method:    req.Method,
		Headers:   headers,
		ExpiresAt: d.now().Add(ttl),
	}, nil
}

// Access signs a GET URL. It does not check that the object exists.
func (d *S3Driver) Access(ctx context.Context, obj domain.ObjectRef, opts AccessOptions) (Access, error) {
	key, err := cleanKey(obj.Key)
	if err != nil {
		return Access{}, err
	}

	ttl := opts.ExpiresIn
	if ttl <= 0 {
		ttl = d.presignTTL
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(key),
	}
	if opts.ContentType != "" {
		input.ResponseContentType = aws.String(opts.ContentType)
	}
	if opts.Download {
		input.ResponseContentDisposition = aws.String(AttachmentDisposition(opts.Filename))
	}

	req, err := d.presigner.PresignGetObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return Access{}, fmt.Errorf("%w: %w", ErrFailedToPresign, classifyS3Error(err, "presign get"))
	}
	return Access{RedirectURL: req.URL}, nil
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, key)
	}
	return key, nil
}

// copySource URL-encodes each key segment as CopyObject requires.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

// classifyS3Error converts S3 errors to package errors.
func classifyS3Error(err error, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s operation", ErrOperationTimeout, operation)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s operation", ErrOperationCanceled, operation)
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch code {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", ErrObjectNotFound, err)
		case "NoSuchBucket":
			return ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %s operation", ErrAccessDenied, operation)
		case "SlowDown", "ServiceUnavailable":
			return fmt.Errorf("%w: %s operation", ErrServiceUnavailable, operation)
		default:
			return fmt.Errorf("%s operation failed (code: %s): %w", operation, code, err)
		}
	}

	return fmt.Errorf("%s operation failed: %w", operation, err)
}
