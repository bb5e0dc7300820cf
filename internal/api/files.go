package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fmkit/filemanager/internal/delivery"
	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/files"
	"github.com/fmkit/filemanager/internal/fmerr"
)

type fileRequest struct {
	FileUID string `path:"fileUid"`
}

type listRequest struct {
	Search          string `query:"search"`
	OwnerUserUID    string `query:"ownerUserUid"`
	IsPublic        *bool  `query:"isPublic"`
	IncludeArchived bool   `query:"includeArchived"`
	Limit           int    `query:"limit"`
	Offset          int    `query:"offset"`
	OrderBy         string `query:"orderBy"`
	OrderDirection  string `query:"orderDirection"`
	IncludeVariants bool   `query:"includeVariants"`
}

type urlRequest struct {
	FileUID          string `path:"fileUid"`
	VariantKind      string `query:"variantKind"`
	ExpiresInSeconds int    `query:"expiresInSeconds"`
}

type contentRequest struct {
	FileUID     string `path:"fileUid"`
	VariantKind string `query:"variantKind"`
	Download    bool   `query:"download"`
}

type patchRequest struct {
	FileUID string `path:"fileUid"`
	Fields  map[string]json.RawMessage
}

type renameRequest struct {
	FileUID          string `path:"fileUid" json:"-"`
	OriginalFilename string `json:"original_filename"`
}

type moveRequest struct {
	FileUID string `path:"fileUid" json:"-"`
	files.MoveRequest
}

type deleteRequest struct {
	FileUID string `path:"fileUid"`
	Force   bool   `query:"force"`
}

func (s *Server) listFiles() http.HandlerFunc {
	return wrap(s, func(ctx Context, req listRequest) Response {
		page, err := s.files.List(ctx, ctx.Actor(), files.ListQuery{
			Search:          req.Search,
			OwnerUserUID:    req.OwnerUserUID,
			IsPublic:        req.IsPublic,
			IncludeArchived: req.IncludeArchived,
			Limit:           req.Limit,
			Offset:          req.Offset,
			OrderBy:         req.OrderBy,
			Direction:       req.OrderDirection,
			IncludeVariants: req.IncludeVariants,
		})
		return Result(page, err)
	})
}

func (s *Server) getFile() http.HandlerFunc {
	return wrap(s, func(ctx Context, req fileRequest) Response {
		return Result(s.files.Get(ctx, ctx.Actor(), req.FileUID))
	})
}

func (s *Server) fileVariants() http.HandlerFunc {
	return wrap(s, func(ctx Context, req fileRequest) Response {
		return Result(s.files.Variants(ctx, ctx.Actor(), req.FileUID))
	})
}

func (s *Server) objectMetadata() http.HandlerFunc {
	return wrap(s, func(ctx Context, req fileRequest) Response {
		return Result(s.files.ObjectMetadata(ctx, ctx.Actor(), req.FileUID))
	})
}

func (s *Server) fileURL() http.HandlerFunc {
	return wrap(s, func(ctx Context, req urlRequest) Response {
		expiresIn := time.Duration(req.ExpiresInSeconds) * time.Second
		return Result(s.files.URL(ctx, ctx.Actor(), req.FileUID, domain.VariantKind(req.VariantKind), expiresIn))
	})
}

func (s *Server) fileContent() http.HandlerFunc {
	return wrap(s, func(ctx Context, req contentRequest) Response {
		sel := delivery.Selector{Variant: domain.VariantOriginal, Download: req.Download}
		if req.VariantKind != "" {
			kind, err := domain.ParseVariantKind(req.VariantKind)
			if err != nil {
				return Fail(fmerr.Validation("invalid content request",
					fmerr.Details{"variantKind": {"must be one of original, thumb, preview, web"}}))
			}
			sel.Variant = kind
		}
		return Stream(func(w http.ResponseWriter, r *http.Request) {
			s.delivery.ServeContent(w, r, ctx.Actor(), req.FileUID, sel)
		})
	})
}

func (s *Server) patchFile() http.HandlerFunc {
	return wrap(s, func(ctx Context, req patchRequest) Response {
		return Result(s.files.Patch(ctx, ctx.Actor(), req.FileUID, req.Fields))
	}, bindPatch())
}

// bindPatch decodes the body as a loose field map so the service can tell
// omitted fields from explicit nulls and reject unknown ones by name.
func bindPatch() Bind {
	bind := BindJSON()
	return func(r *http.Request, v any) error {
		req, ok := v.(*patchRequest)
		if !ok {
			return ErrBinderNotApplicable
		}
		return bind(r, &req.Fields)
	}
}

func (s *Server) renameFile() http.HandlerFunc {
	return wrap(s, func(ctx Context, req renameRequest) Response {
		return Result(s.files.Rename(ctx, ctx.Actor(), req.FileUID, req.OriginalFilename))
	}, BindJSON())
}

func (s *Server) moveFile() http.HandlerFunc {
	return wrap(s, func(ctx Context, req moveRequest) Response {
		return Result(s.files.Move(ctx, ctx.Actor(), req.FileUID, req.MoveRequest))
	}, BindJSON())
}

func (s *Server) archiveFile() http.HandlerFunc {
	return wrap(s, func(ctx Context, req fileRequest) Response {
		return Result(s.files.Archive(ctx, ctx.Actor(), req.FileUID))
	})
}

func (s *Server) restoreFile() http.HandlerFunc {
	return wrap(s, func(ctx Context, req fileRequest) Response {
		return Result(s.files.Restore(ctx, ctx.Actor(), req.FileUID))
	})
}

func (s *Server) deleteFile() http.HandlerFunc {
	return wrap(s, func(ctx Context, req deleteRequest) Response {
		return Result(s.files.Delete(ctx, ctx.Actor(), req.FileUID, req.Force))
	})
}
