package api

import (
	"net/http"

	"github.com/fmkit/filemanager/internal/files"
)

type createLinkRequest struct {
	FileUID string `path:"fileUid" json:"-"`
	files.LinkInput
}

type deleteLinkRequest struct {
	FileUID string `path:"fileUid"`
	LinkUID string `path:"linkUid"`
}

func (s *Server) listLinks() http.HandlerFunc {
	return wrap(s, func(ctx Context, req fileRequest) Response {
		return Result(s.files.ListLinks(ctx, ctx.Actor(), req.FileUID))
	})
}

func (s *Server) createLink() http.HandlerFunc {
	return wrap(s, func(ctx Context, req createLinkRequest) Response {
		link, err := s.files.CreateLink(ctx, ctx.Actor(), req.FileUID, req.LinkInput)
		return Result(link, err, WithStatus(http.StatusCreated))
	}, BindJSON())
}

func (s *Server) deleteLink() http.HandlerFunc {
	return wrap(s, func(ctx Context, req deleteLinkRequest) Response {
		if err := s.files.DeleteLink(ctx, ctx.Actor(), req.FileUID, req.LinkUID); err != nil {
			return Fail(err)
		}
		return JSON(map[string]string{"uid": req.LinkUID})
	})
}
