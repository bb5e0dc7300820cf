// Package domain holds the records managed by the file manager and the value
// types passed between its components.
package domain

import (
	"fmt"
	"time"
)

// Location identifies a storage backend.
type Location string

const (
	LocationLocal Location = "local"
	LocationS3    Location = "s3"
)

// ParseLocation validates a location string.
func ParseLocation(s string) (Location, error) {
	switch Location(s) {
	case LocationLocal, LocationS3:
		return Location(s), nil
	}
	return "", fmt.Errorf("unknown storage location %q", s)
}

// VariantKind names a rendition of a file.
type VariantKind string

const (
	VariantOriginal VariantKind = "original"
	VariantThumb    VariantKind = "thumb"
	VariantPreview  VariantKind = "preview"
	VariantWeb      VariantKind = "web"
)

// ParseVariantKind validates a variant kind string.
func ParseVariantKind(s string) (VariantKind, error) {
	switch VariantKind(s) {
	case VariantOriginal, VariantThumb, VariantPreview, VariantWeb:
		return VariantKind(s), nil
	}
	return "", fmt.Errorf("unknown variant kind %q", s)
}

// Derived reports whether k is one of the derived kinds (not the original).
func (k VariantKind) Derived() bool {
	return k == VariantThumb || k == VariantPreview || k == VariantWeb
}

// Width thresholds for responsive variant selection. Boundaries belong to the
// lower tier.
const (
	ThumbMaxWidth   = 400
	PreviewMaxWidth = 1000
)

// VariantForWidth maps a responsive width hint to a variant kind.
// Non-positive widths select no variant.
func VariantForWidth(w int) (VariantKind, bool) {
	switch {
	case w <= 0:
		return "", false
	case w <= ThumbMaxWidth:
		return VariantThumb, true
	case w <= PreviewMaxWidth:
		return VariantPreview, true
	default:
		return VariantWeb, true
	}
}

// ObjectRef points at an object in a storage backend.
type ObjectRef struct {
	Location Location `json:"location"`
	Bucket   string   `json:"bucket"`
	Key      string   `json:"key"`
}

func (o ObjectRef) String() string {
	return fmt.Sprintf("%s://%s/%s", o.Location, o.Bucket, o.Key)
}

// File is the persisted record of an uploaded original.
type File struct {
	UID              string     `json:"uid"`
	OwnerUserUID     *string    `json:"owner_user_uid"`
	OriginalFilename string     `json:"original_filename"`
	Title            *string    `json:"title"`
	AltText          *string    `json:"alt_text"`
	Tags             []string   `json:"tags"`
	StorageLocation  Location   `json:"storage_location"`
	Bucket           string     `json:"bucket"`
	ObjectKey        string     `json:"object_key"`
	ByteSize         int64      `json:"byte_size"`
	MimeType         string     `json:"mime_type"`
	SHA256           *string    `json:"sha256"`
	IsPublic         bool       `json:"is_public"`
	Purpose          *string    `json:"purpose"`
	CreatedBy        *string    `json:"created_by"`
	ArchivedAt       *time.Time `json:"archived_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Object returns the storage reference of the original.
func (f *File) Object() ObjectRef {
	return ObjectRef{Location: f.StorageLocation, Bucket: f.Bucket, Key: f.ObjectKey}
}

// Archived reports whether the file is soft-deleted.
func (f *File) Archived() bool {
	return f.ArchivedAt != nil
}

// OwnedBy reports whether userUID owns the file.
func (f *File) OwnedBy(userUID string) bool {
	return f.OwnerUserUID != nil && userUID != "" && *f.OwnerUserUID == userUID
}

// Variant is a derived rendition of a file.
type Variant struct {
	UID             string         `json:"uid"`
	VariantOfUID    string         `json:"variant_of_uid"`
	Kind            VariantKind    `json:"kind"`
	Width           *int           `json:"width"`
	Height          *int           `json:"height"`
	Transform       map[string]any `json:"transform"`
	StorageLocation Location       `json:"storage_location"`
	Bucket          string         `json:"bucket"`
	ObjectKey       string         `json:"object_key"`
	ByteSize        int64          `json:"byte_size"`
	MimeType        string         `json:"mime_type"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Object returns the storage reference of the variant bytes.
func (v *Variant) Object() ObjectRef {
	return ObjectRef{Location: v.StorageLocation, Bucket: v.Bucket, Key: v.ObjectKey}
}

// DefaultLinkedField is used when a link is created without a field name.
const DefaultLinkedField = "default"

// Link associates a file with an external entity.
type Link struct {
	UID              string    `json:"uid"`
	FileUID          string    `json:"file_uid"`
	LinkedEntityType string    `json:"linked_entity_type"`
	LinkedEntityUID  string    `json:"linked_entity_uid"`
	LinkedField      string    `json:"linked_field"`
	CreatedAt        time.Time `json:"created_at"`
}

// Provider tells how an access descriptor is served.
type Provider string

const (
	ProviderLocal  Provider = "local"
	ProviderRemote Provider = "remote"
)

// AccessDescriptor is the resolved answer to how a file is served.
// Exactly one of AbsPath and RedirectURL is set.
type AccessDescriptor struct {
	Provider    Provider
	AbsPath     string
	RedirectURL string
	ContentType string
	File        *File
	Variant     *Variant
	VariantKind VariantKind
}
