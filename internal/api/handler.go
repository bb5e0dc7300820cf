// Package api exposes the file manager over HTTP: the authenticated admin
// surface under /api and the public delivery endpoint under /content.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fmkit/filemanager/internal/auth"
)

// ErrNilResponse is reported when a handler returns no response.
var ErrNilResponse = errors.New("handler returned nil response")

// Context carries the request, its writer and the resolved actor.
type Context interface {
	context.Context
	Request() *http.Request
	ResponseWriter() http.ResponseWriter
	Actor() auth.Actor
}

func newContext(w http.ResponseWriter, r *http.Request) Context {
	actor, _ := auth.FromContext(r.Context())
	return &httpContext{w: w, r: r, actor: actor}
}

type httpContext struct {
	w     http.ResponseWriter
	r     *http.Request
	actor auth.Actor
}

func (c *httpContext) Request() *http.Request              { return c.r }
func (c *httpContext) ResponseWriter() http.ResponseWriter { return c.w }
func (c *httpContext) Actor() auth.Actor                   { return c.actor }

func (c *httpContext) Deadline() (time.Time, bool) { return c.r.Context().Deadline() }
func (c *httpContext) Done() <-chan struct{}       { return c.r.Context().Done() }
func (c *httpContext) Err() error                  { return c.r.Context().Err() }
func (c *httpContext) Value(key any) any           { return c.r.Context().Value(key) }

// HandlerFunc handles a request already bound into R.
type HandlerFunc[R any] func(ctx Context, req R) Response

// Response renders itself to the client.
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// Bind populates v from the request.
type Bind func(r *http.Request, v any) error

// ErrorHandler renders binding and rendering failures.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

type WrapOption[R any] func(*wrapConfig[R])

type wrapConfig[R any] struct {
	binders      []Bind
	errorHandler ErrorHandler
}

// WithBinders applies binders in order. Each binder reads only its own tags.
func WithBinders[R any](binders ...Bind) WrapOption[R] {
	return func(c *wrapConfig[R]) {
		c.binders = append(c.binders, binders...)
	}
}

func WithErrorHandler[R any](h ErrorHandler) WrapOption[R] {
	return func(c *wrapConfig[R]) {
		if h != nil {
			c.errorHandler = h
		}
	}
}

// Wrap converts a typed handler into an http.HandlerFunc.
func Wrap[R any](h HandlerFunc[R], opts ...WrapOption[R]) http.HandlerFunc {
	cfg := &wrapConfig[R]{errorHandler: plainError}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req R
		for _, bind := range cfg.binders {
			if err := bind(r, &req); err != nil {
				if errors.Is(err, ErrBinderNotApplicable) {
					continue
				}
				cfg.errorHandler(w, r, err)
				return
			}
		}

		resp := h(newContext(w, r), req)
		if resp == nil {
			cfg.errorHandler(w, r, ErrNilResponse)
			return
		}
		if err := resp.Render(w, r); err != nil {
			cfg.errorHandler(w, r, err)
		}
	}
}

func plainError(w http.ResponseWriter, _ *http.Request, err error) {
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
