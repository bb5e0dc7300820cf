package auth

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/fmkit/filemanager/internal/fmerr"
)

// Headers set by a trusted upstream gateway.
const (
	HeaderUserUID   = "X-User-Uid"
	HeaderUserAdmin = "X-User-Admin"
	HeaderCreatedBy = "X-Created-By"
)

// HeaderResolver trusts identity headers injected by an authenticating proxy.
// Only deploy it behind such a proxy.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (Actor, error) {
	uid := strings.TrimSpace(r.Header.Get(HeaderUserUID))
	if uid == "" {
		return Actor{}, fmerr.Unauthenticated("authentication required")
	}

	admin, _ := strconv.ParseBool(r.Header.Get(HeaderUserAdmin))
	actor := Actor{UserUID: uid, IsAdmin: admin}
	if createdBy := strings.TrimSpace(r.Header.Get(HeaderCreatedBy)); createdBy != "" {
		actor.CreatedBy = &createdBy
	}
	return actor, nil
}
