// Package hook delivers write events emitted after committed mutations.
// Delivery is best-effort: failures are logged and never reach the caller.
package hook

import (
	"context"
	"time"
)

// Write event actions.
const (
	ActionUploadFinalize  = "upload.finalize"
	ActionVariantFinalize = "variant.finalize"
	ActionPatch           = "file.patch"
	ActionRename          = "file.rename"
	ActionMove            = "file.move"
	ActionArchive         = "file.archive"
	ActionRestore         = "file.restore"
	ActionDelete          = "file.delete"
	ActionLinkCreate      = "link.create"
	ActionLinkDelete      = "link.delete"
)

// Event describes a committed write.
type Event struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	FileUID    string    `json:"file_uid"`
	VariantUID string    `json:"variant_uid,omitempty"`
	UserUID    string    `json:"user_uid,omitempty"`
	At         time.Time `json:"at"`
}

// Emitter accepts events. Emit must not block on delivery.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Noop discards events.
type Noop struct{}

func (Noop) Emit(context.Context, Event) {}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e Event)

func (f EmitterFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }
