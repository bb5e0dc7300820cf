// Package auth resolves the acting user of a request and answers the
// ownership questions asked before reads of private files and every mutation.
package auth

import (
	"net/http"

	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/fmerr"
)

// Actor is the identity a request acts as.
type Actor struct {
	UserUID   string
	IsAdmin   bool
	CreatedBy *string
}

// Resolver extracts an Actor from host-supplied authentication.
// Implementations fail with an fmerr Unauthenticated error.
type Resolver interface {
	Resolve(r *http.Request) (Actor, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (Actor, error)

func (f ResolverFunc) Resolve(r *http.Request) (Actor, error) { return f(r) }

// AssertOwnerOrAdmin passes for admins and for the recorded owner of f.
// Files without an owner are admin-only.
func AssertOwnerOrAdmin(f *domain.File, actor Actor) error {
	if actor.IsAdmin {
		return nil
	}
	if f != nil && f.OwnedBy(actor.UserUID) {
		return nil
	}
	return fmerr.Forbidden("you do not have access to this file")
}

// RequireAdmin fails unless the actor is an administrator.
func RequireAdmin(actor Actor) error {
	if actor.IsAdmin {
		return nil
	}
	return fmerr.Forbidden("administrator access required")
}

// CanRead reports whether actor may read f. Public, active files are readable by anyone.
func CanRead(f *domain.File, actor Actor) error {
	if f.IsPublic && !f.Archived() {
		return nil
	}
	return AssertOwnerOrAdmin(f, actor)
}
