package storage

import "errors"

var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrPresignUnsupported = errors.New("driver cannot presign writes")
	ErrUnknownLocation    = errors.New("no driver registered for storage location")
	ErrInvalidPath        = errors.New("invalid object path") // Prevents path traversal attacks
	ErrInvalidConfig      = errors.New("invalid storage configuration")

	ErrFailedToWriteObject = errors.New("failed to write object")
	ErrFailedToStatObject  = errors.New("failed to stat object")

	// S3-specific errors for proper error classification
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	ErrFailedToPresign    = errors.New("failed to presign request")
	ErrFailedToLoadConfig = errors.New("failed to load AWS config")

	ErrOperationTimeout  = errors.New("operation timed out")
	ErrOperationCanceled = errors.New("operation canceled")
)
