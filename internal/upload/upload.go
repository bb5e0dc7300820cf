// Package upload implements the two-phase upload protocol: init reserves a uid
// and an object reference, finalize verifies the stored bytes and commits the
// record. The protocol is written once and instantiated for files and variants.
package upload

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fmkit/filemanager/internal/auth"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/storage"
)

// Mode is the transport chosen at init.
type Mode string

const (
	// ModeDirect: the client writes to storage with a presigned credential.
	ModeDirect Mode = "direct"
	// ModeProxied: the client sends the bytes to the service.
	ModeProxied Mode = "proxied"
)

// ModePolicy constrains mode selection.
type ModePolicy string

const (
	ModeAuto          ModePolicy = "auto"
	ModeForceDirect   ModePolicy = "direct"
	ModeForceProxied  ModePolicy = "proxied"
	defaultFolder                = "uploads"
	defaultReserveTTL            = time.Hour
	defaultPresignTTL            = 15 * time.Minute
)

// Policy holds the limits applied at init and on proxied writes.
type Policy struct {
	MaxBytes            int64
	DeniedExtensions    []string // lowercase, with leading dot
	AllowedMIMEPrefixes []string // empty allows every type
	Mode                ModePolicy
	ReservationTTL      time.Duration
	PresignTTL          time.Duration
}

// Destination overrides where an upload lands.
type Destination struct {
	Location domain.Location `json:"location,omitempty"`
	Bucket   string          `json:"bucket,omitempty"`
}

// Plan is what a target decides at init after validating its metadata.
type Plan struct {
	// UID is reused when set; otherwise a fresh one is allocated. A reused
	// uid always reserves a new object key.
	UID         string
	FileUID     string
	Filename    string
	MimeType    string
	Size        int64
	SHA256      string // optional hex digest declared at init
	Folder      string
	Destination Destination
	// Meta is carried through the reservation to Commit.
	Meta any
}

// Committed describes verified bytes handed to Target.Commit.
type Committed struct {
	Size   int64
	SHA256 string
}

// Reservation is the staged state between init and finalize. No record exists yet.
type Reservation struct {
	UID          string           `json:"uid"`
	Target       string           `json:"target"`
	FileUID      string           `json:"file_uid"`
	OwnerUserUID string           `json:"owner_user_uid,omitempty"`
	Object       domain.ObjectRef `json:"object"`
	Mode         Mode             `json:"mode"`
	Filename     string           `json:"filename"`
	MimeType     string           `json:"mime_type"`
	DeclaredSize int64            `json:"declared_size"`
	DeclaredSHA  string           `json:"declared_sha256,omitempty"`
	Meta         json.RawMessage  `json:"meta,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

// Target adapts the protocol to one kind of record.
type Target[M, R any] interface {
	// Name labels reservations, metrics and logs.
	Name() string
	// Action is the write event emitted after a commit.
	Action() string
	// Prepare validates metadata, authorizes the actor and plans the reservation.
	Prepare(ctx context.Context, actor auth.Actor, meta M) (*Plan, error)
	// Commit persists the record. It is the last step of finalize.
	Commit(ctx context.Context, res *Reservation, c Committed) (R, error)
	// Existing returns an already committed record and its object, authorized for actor.
	Existing(ctx context.Context, actor auth.Actor, uid string) (R, domain.ObjectRef, error)
}

// InitResult is returned by Init.
type InitResult struct {
	UID          string                    `json:"uid"`
	FileUID      string                    `json:"file_uid"`
	Mode         Mode                      `json:"mode"`
	Object       domain.ObjectRef          `json:"object"`
	PresignedPut *storage.PresignedRequest `json:"presigned_put,omitempty"`
	ExpiresAt    time.Time                 `json:"expires_at"`
}

// FinalizeRequest confirms an upload.
type FinalizeRequest struct {
	UID    string
	Object domain.ObjectRef
	// SHA256 is the client-computed hex digest; optional.
	SHA256 string
}
