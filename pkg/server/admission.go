package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"frontdoor/pkg/logger"
	"frontdoor/pkg/request"
	"frontdoor/pkg/status"
)

// legsPerRequest is the number of asynchronous legs admission creates:
// the authorization leg and the handler leg. When authorization fails
// the handler leg is never started but its slot is still accounted, so
// the counter always reaches zero.
const legsPerRequest = 2

// syncContext is the per-request bookkeeping record. The failure flag
// and pending counter are the only state touched without a lock on the
// completion hot path; everything else is written before the legs start
// and read only by the single finalizer.
type syncContext struct {
	transport *TransportContext
	request   *request.Context
	handler   request.Handler

	failed  atomic.Bool
	failure error // written once by the CAS winner in recordFailure
	pending atomic.Int32

	admitted time.Time
}

// recordFailure flips the failure flag. Only the first caller records
// its result; the flag never moves back to false.
func (sc *syncContext) recordFailure(result error) {
	if sc.failed.CompareAndSwap(false, true) {
		sc.failure = result
	}
}

// HandleRequest admits one inbound request: it creates and registers the
// synchronization context, installs the body-streaming callback, drains
// the body, and launches the authorization leg. The handler leg starts
// only after authorization succeeds.
func (s *Server) HandleRequest(tc *TransportContext, handler request.Handler) {
	sc := &syncContext{
		transport: tc,
		handler:   handler,
		admitted:  time.Now(),
	}
	sc.pending.Store(legsPerRequest)

	rc := request.New(tc.ID, tc.ActivityID, tc.Method, tc.Path, tc.Header, func(rc *request.Context) {
		s.OnPendingCallback(rc.Result, rc.ID)
	})
	rc.Auth = tc.Auth
	sc.request = rc

	if err := s.active.Insert(tc.ID, sc); err != nil {
		// request ids are generated fresh; a collision is a defect
		logger.Error("request_registry_collision", "request_id", tc.ID)
		tc.Result = status.Coded(status.CodeInternal, "request registry collision")
		tc.Finish()
		return
	}
	s.cfg.Metrics.RequestAdmitted()
	logger.Debug("request_admitted",
		"request_id", tc.ID,
		"activity_id", tc.ActivityID,
		"method", tc.Method,
		"path", tc.Path)

	// wire incremental body delivery before the first byte
	tc.OnBodyChunk = func(chunk []byte) {
		rc.Body = append(rc.Body, chunk...)
	}
	if err := drainBody(tc); err != nil {
		s.OnPendingCallback(status.CodedWithStatus(status.CodeInternal, http.StatusBadRequest, "failed to read request body"), tc.ID)
		s.OnPendingCallback(nil, tc.ID)
		return
	}

	if err := s.exec.Submit(func() { s.runAuthorizationLeg(tc.ID, sc) }); err != nil {
		// synchronous initiation failure: the authorization leg failed
		// before it started and the handler leg never runs
		s.cfg.Metrics.AuthFailure()
		logger.Warn("authorization_submit_failed", "request_id", tc.ID, "error", err)
		s.OnPendingCallback(fmt.Errorf("schedule authorization: %w", err), tc.ID)
		s.OnPendingCallback(nil, tc.ID)
	}
}

// drainBody pushes the transport body through the installed chunk
// callback so the full body is in place before any leg can observe it.
func drainBody(tc *TransportContext) error {
	if tc.Body == nil {
		return nil
	}
	buf := make([]byte, bodyChunkSize)
	for {
		n, err := tc.Body.Read(buf)
		if n > 0 && tc.OnBodyChunk != nil {
			tc.OnBodyChunk(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// runAuthorizationLeg executes the authorization continuation. On
// success it reports the authorization leg and dispatches the handler;
// on failure it reports both legs, the handler slot being treated as
// already resolved.
func (s *Server) runAuthorizationLeg(id uuid.UUID, sc *syncContext) {
	md, err := s.cfg.Authorizer.Authorize(context.Background(), sc.request.Auth)
	if err != nil {
		s.cfg.Metrics.AuthFailure()
		logger.Warn("authorization_failed",
			"request_id", id,
			"claimed_identity", sc.request.Auth.ClaimedIdentity,
			"error", err)
		s.OnPendingCallback(err, id)
		s.OnPendingCallback(nil, id)
		return
	}

	sc.request.Authorized = md
	s.OnPendingCallback(nil, id)
	if _, err := s.active.Find(id); err != nil {
		// cleaned up while authorization was in flight; the handler
		// has nothing left to report into
		return
	}
	s.dispatchHandler(id, sc)
}

// dispatchHandler runs the matched handler. The handler reports into the
// accounting join point through the request context's completion
// callback; a synchronous error return is folded into the same
// once-guarded path.
func (s *Server) dispatchHandler(id uuid.UUID, sc *syncContext) {
	if err := sc.handler(sc.request); err != nil {
		sc.request.Fail(err)
	}
}

// OnPendingCallback is the single join point for both legs. An absent
// registry entry means the request was already finalized or cleaned up;
// the leg arrived too late to matter and this is a silent no-op. The
// caller that observes the counter transition to zero performs
// finalization; all others do nothing further.
func (s *Server) OnPendingCallback(result error, requestID uuid.UUID) {
	sc, err := s.active.Find(requestID)
	if err != nil {
		return
	}
	if result != nil {
		sc.recordFailure(result)
	}
	if sc.pending.Add(-1) != 0 {
		return
	}
	s.finalize(requestID, sc)
}

// finalize produces the final transport response and releases the
// per-request state. The atomic erase is the arbiter against a
// concurrent Cleanup: if the entry is already gone, cleanup won and
// this is a no-op.
func (s *Server) finalize(id uuid.UUID, sc *syncContext) {
	if _, err := s.active.Erase(id); err != nil {
		return
	}

	tc := sc.transport
	if sc.failed.Load() {
		tc.Result = sc.failure
		tc.Response = nil
	} else {
		tc.Result = nil
		tc.Response = sc.request.Response
	}

	httpStatus := status.HTTPStatusOf(tc.Result)
	if tc.Result == nil && tc.Response != nil && tc.Response.StatusCode != 0 {
		httpStatus = tc.Response.StatusCode
	}
	d := time.Since(sc.admitted)
	s.cfg.Metrics.RequestFinalized(tc.Method, tc.Path, httpStatus, d)
	if s.cfg.OnFinalized != nil {
		s.cfg.OnFinalized(FinalizedRequest{
			RequestID:  tc.ID,
			ActivityID: tc.ActivityID,
			Method:     tc.Method,
			Path:       tc.Path,
			HTTPStatus: httpStatus,
			Code:       status.CodeOf(tc.Result),
			Identity:   sc.request.Authorized.Domain,
			Duration:   d,
		})
	}

	logger.Debug("request_finalized",
		"request_id", id,
		"status", httpStatus,
		"duration_ms", d.Milliseconds())
	tc.Finish()
}

// Cleanup is the out-of-band removal path invoked when the transport
// layer abandons a request (e.g. the connection was reset). The
// registry's atomic erase decides the race against finalization: the
// loser's work is a safe no-op. An absent entry is an expected outcome
// reported as status.ErrEntryNotFound, not a defect.
func (s *Server) Cleanup(activityID, requestID uuid.UUID, reason error) error {
	sc, err := s.active.Erase(requestID)
	if err != nil {
		logger.Debug("cleanup_entry_not_found", "activity_id", activityID, "request_id", requestID)
		return err
	}

	s.cfg.Metrics.CleanupWon()
	if reason == nil {
		reason = errors.New("request abandoned by transport")
	}
	logger.Info("request_cleaned_up",
		"activity_id", activityID,
		"request_id", requestID,
		"reason", reason)

	// a late leg will find no registry entry and do nothing; the
	// transport still gets its completion callback so the connection is
	// never left hanging
	tc := sc.transport
	tc.Result = status.CodedWithStatus(status.CodeRequestAborted, statusClientClosedRequest, "request aborted")
	tc.Response = nil
	tc.Finish()
	return nil
}

// statusClientClosedRequest mirrors the de-facto 499 status used for
// client-abandoned requests.
const statusClientClosedRequest = 499
