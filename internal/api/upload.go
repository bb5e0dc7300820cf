package api

import (
	"net/http"
	"time"

	"github.com/fmkit/filemanager/internal/domain"
	"github.com/fmkit/filemanager/internal/storage"
	"github.com/fmkit/filemanager/internal/upload"
)

// contentSHA256Header optionally carries the hex digest of a proxied body.
const contentSHA256Header = "X-Content-SHA256"

type initResponse struct {
	FileUID      string                    `json:"fileUid"`
	VariantUID   string                    `json:"variantUid,omitempty"`
	Mode         upload.Mode               `json:"mode"`
	Object       domain.ObjectRef          `json:"object"`
	PresignedPut *storage.PresignedRequest `json:"presignedPut,omitempty"`
	ExpiresAt    time.Time                 `json:"expiresAt"`
}

func newInitResponse(res *upload.InitResult, variant bool) initResponse {
	out := initResponse{
		FileUID:      res.FileUID,
		Mode:         res.Mode,
		Object:       res.Object,
		PresignedPut: res.PresignedPut,
		ExpiresAt:    res.ExpiresAt,
	}
	if variant {
		out.VariantUID = res.UID
	}
	return out
}

type fileFinalizeRequest struct {
	FileUID string           `json:"fileUid"`
	Object  domain.ObjectRef `json:"object"`
	SHA256  string           `json:"sha256,omitempty"`
}

type variantFinalizeRequest struct {
	VariantUID string           `json:"variantUid"`
	Object     domain.ObjectRef `json:"object"`
	SHA256     string           `json:"sha256,omitempty"`
}

type fileProxyRequest struct {
	FileUID string `path:"fileUid"`
}

type variantProxyRequest struct {
	VariantUID string `path:"variantUid"`
}

func (s *Server) fileInit() http.HandlerFunc {
	return wrap(s, func(ctx Context, req upload.FileMeta) Response {
		res, err := s.uploads.Files.Init(ctx, ctx.Actor(), req)
		if err != nil {
			return Fail(err)
		}
		return JSON(newInitResponse(res, false))
	}, BindJSON())
}

func (s *Server) fileFinalize() http.HandlerFunc {
	return wrap(s, func(ctx Context, req fileFinalizeRequest) Response {
		res, err := s.uploads.Files.Finalize(ctx, ctx.Actor(), upload.FinalizeRequest{
			UID:    req.FileUID,
			Object: req.Object,
			SHA256: req.SHA256,
		})
		return Result(res, err)
	}, BindJSON())
}

func (s *Server) fileProxy() http.HandlerFunc {
	return wrap(s, func(ctx Context, req fileProxyRequest) Response {
		r := ctx.Request()
		res, err := s.uploads.Files.WriteAndFinalize(ctx, ctx.Actor(), req.FileUID,
			r.Body, r.Header.Get("Content-Type"), r.Header.Get(contentSHA256Header))
		return Result(res, err)
	})
}

func (s *Server) variantInit() http.HandlerFunc {
	return wrap(s, func(ctx Context, req upload.VariantMeta) Response {
		res, err := s.uploads.Variants.Init(ctx, ctx.Actor(), req)
		if err != nil {
			return Fail(err)
		}
		return JSON(newInitResponse(res, true))
	}, BindJSON())
}

func (s *Server) variantFinalize() http.HandlerFunc {
	return wrap(s, func(ctx Context, req variantFinalizeRequest) Response {
		res, err := s.uploads.Variants.Finalize(ctx, ctx.Actor(), upload.FinalizeRequest{
			UID:    req.VariantUID,
			Object: req.Object,
			SHA256: req.SHA256,
		})
		return Result(res, err)
	}, BindJSON())
}

func (s *Server) variantProxy() http.HandlerFunc {
	return wrap(s, func(ctx Context, req variantProxyRequest) Response {
		r := ctx.Request()
		res, err := s.uploads.Variants.WriteAndFinalize(ctx, ctx.Actor(), req.VariantUID,
			r.Body, r.Header.Get("Content-Type"), r.Header.Get(contentSHA256Header))
		return Result(res, err)
	})
}
