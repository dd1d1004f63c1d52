package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"

	"frontdoor/pkg/logger"
	"frontdoor/pkg/request"
	"frontdoor/pkg/status"
)

const defaultMaxBodyBytes = 4 << 20
const bodyChunkSize = 32 * 1024

// BodyChunkFunc receives request body chunks as they arrive. Admission
// installs it before the first byte is delivered.
type BodyChunkFunc func(chunk []byte)

// TransportContext is the transport-level counterpart of a request: the
// decoded request, a response slot, a result and a completion callback.
// It is owned by the transport layer until handed to admission; its
// completion callback is invoked exactly once, by finalization or by a
// winning cleanup.
type TransportContext struct {
	ID               uuid.UUID
	ActivityID       uuid.UUID
	ParentActivityID uuid.UUID

	Method string
	Path   string
	Header http.Header
	Auth   request.AuthorizationMetadata

	// Body is the raw body stream; admission drains it through
	// OnBodyChunk. Nil means no body.
	Body        io.Reader
	OnBodyChunk BodyChunkFunc

	Response *request.Response
	Result   error

	done     func(*TransportContext)
	finished atomic.Bool
}

// NewTransportContext builds a context with fresh request and activity
// identifiers. done is invoked exactly once by the first Finish call.
func NewTransportContext(method, path string, header http.Header, done func(*TransportContext)) *TransportContext {
	return &TransportContext{
		ID:         uuid.New(),
		ActivityID: uuid.New(),
		Method:     method,
		Path:       path,
		Header:     header,
		done:       done,
	}
}

// Finish delivers the response to the transport layer. Calls after the
// first are no-ops.
func (t *TransportContext) Finish() {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}
	if t.done != nil {
		t.done(t)
	}
}

// Finished reports whether the completion callback has run.
func (t *TransportContext) Finished() bool {
	return t.finished.Load()
}

// serveHTTP adapts the HTTP transport to the admission pipeline. It is
// invoked by the net/http machinery on a per-stream goroutine, so
// blocking here until finalization holds only this request's stream.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	logger.LogRequest(r)

	handler, err := s.routes.Find(routeKey{method: r.Method, path: r.URL.Path})
	if err != nil {
		// unmatched route: immediate failed response, no admission
		writeError(w, status.CodedWithStatus(status.CodeRouteNotFound, http.StatusNotFound, "resource not found"))
		return
	}

	done := make(chan struct{})
	tc := NewTransportContext(r.Method, r.URL.Path, r.Header, func(tc *TransportContext) {
		writeTransportResponse(w, tc)
		close(done)
	})
	tc.Auth = request.AuthorizationMetadata{
		Token:           r.Header.Get("X-Auth-Token"),
		ClaimedIdentity: r.Header.Get("X-Claimed-Identity"),
	}
	maxBody := s.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	if r.Body != nil {
		tc.Body = http.MaxBytesReader(w, r.Body, maxBody)
	}

	s.HandleRequest(tc, handler)

	select {
	case <-done:
	case <-r.Context().Done():
		// the peer went away; tear the request down. Whichever of
		// cleanup and finalization wins fires the completion callback,
		// so done always closes.
		_ = s.Cleanup(tc.ActivityID, tc.ID, r.Context().Err())
		<-done
	}
}

func writeTransportResponse(w http.ResponseWriter, tc *TransportContext) {
	if tc.Result != nil {
		writeError(w, tc.Result)
		return
	}
	resp := tc.Response
	if resp == nil {
		resp = &request.Response{StatusCode: http.StatusOK}
	}
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	code := resp.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status.HTTPStatusOf(err))
	reason := err.Error()
	var ce *status.CodedError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": reason,
		"code":  status.CodeOf(err),
	})
}
