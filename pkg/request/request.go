// Package request defines the application-level request/response pair
// handed to registered handlers, together with the identity metadata the
// authorization gateway reads and populates.
package request

import (
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
)

// AuthorizationMetadata carries the caller-claimed identity extracted
// from the transport headers before authorization runs.
type AuthorizationMetadata struct {
	ClaimedIdentity string
	Token           string
}

// AuthorizedMetadata is populated by the authorizer on success, before
// it signals completion.
type AuthorizedMetadata struct {
	Domain string
}

// Response is the mutable response slot a handler fills in.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// CompletionFunc is invoked exactly once when processing of a request
// context is done.
type CompletionFunc func(*Context)

// Handler processes one request. It may finish synchronously by setting
// the response and returning nil, retain the context and call Finish
// later, or return an error to fail the request immediately.
type Handler func(*Context) error

// Context represents one application-level request/response pair. It is
// created at admission, owned by the server's per-request bookkeeping
// for the request's lifetime, and released at finalization.
type Context struct {
	ID               uuid.UUID
	ActivityID       uuid.UUID
	ParentActivityID uuid.UUID

	Method  string
	Path    string
	Headers http.Header
	Body    []byte

	Auth       AuthorizationMetadata
	Authorized AuthorizedMetadata

	Response *Response

	// Result is the handler's outcome; nil means success. It must be
	// set before Finish.
	Result error

	done     CompletionFunc
	finished atomic.Bool
}

// New builds a context with a fresh activity id under the given parent.
// done is invoked exactly once, by the first Finish call.
func New(id, parentActivityID uuid.UUID, method, path string, headers http.Header, done CompletionFunc) *Context {
	return &Context{
		ID:               id,
		ActivityID:       uuid.New(),
		ParentActivityID: parentActivityID,
		Method:           method,
		Path:             path,
		Headers:          headers,
		Response:         &Response{StatusCode: http.StatusOK, Headers: http.Header{}},
		done:             done,
	}
}

// Finish signals completion. Calls after the first are no-ops, so a
// handler that both returns an error and calls Finish reports into the
// completion accounting only once.
func (c *Context) Finish() {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	if c.done != nil {
		c.done(c)
	}
}

// Fail records err as the result and finishes the context. The result
// is only written when this call wins the completion race, so a late
// Fail never clobbers a result already being delivered.
func (c *Context) Fail(err error) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	c.Result = err
	if c.done != nil {
		c.done(c)
	}
}

// Finished reports whether Finish has already run.
func (c *Context) Finished() bool {
	return c.finished.Load()
}
