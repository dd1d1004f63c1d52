package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"frontdoor/pkg/authz"
	"frontdoor/pkg/request"
	"frontdoor/pkg/status"
)

func allowAll(domain string) authz.Authorizer {
	return authz.Func(func(_ context.Context, md request.AuthorizationMetadata) (request.AuthorizedMetadata, error) {
		return request.AuthorizedMetadata{Domain: domain}, nil
	})
}

func denyAll(err error) authz.Authorizer {
	return authz.Func(func(_ context.Context, _ request.AuthorizationMetadata) (request.AuthorizedMetadata, error) {
		return request.AuthorizedMetadata{}, err
	})
}

func blockForever() authz.Authorizer {
	return authz.Func(func(_ context.Context, _ request.AuthorizationMetadata) (request.AuthorizedMetadata, error) {
		select {} // never completes
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func newTestServer(a authz.Authorizer) *Server {
	return New(Config{
		Host:           "127.0.0.1",
		Port:           0,
		WorkerPoolSize: 4,
		Authorizer:     a,
	})
}

func TestRunStopLifecycle(t *testing.T) {
	s := newTestServer(allowAll("d"))

	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := s.Run(); !errors.Is(err, status.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if s.Addr() == "" {
		t.Fatalf("expected a bound address while running")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); !errors.Is(err, status.ErrAlreadyStopped) {
		t.Fatalf("expected ErrAlreadyStopped, got %v", err)
	}
}

func TestRegisterResourceHandler(t *testing.T) {
	s := newTestServer(allowAll("d"))

	first := func(rc *request.Context) error {
		rc.Response.Body = []byte("first")
		rc.Finish()
		return nil
	}
	second := func(rc *request.Context) error {
		rc.Response.Body = []byte("second")
		rc.Finish()
		return nil
	}

	if err := s.RegisterResourceHandler(http.MethodGet, "/x", first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterResourceHandler(http.MethodGet, "/x", second); !errors.Is(err, status.ErrEntryExists) {
		t.Fatalf("expected ErrEntryExists, got %v", err)
	}

	// the first handler must remain active
	h, err := s.routes.Find(routeKey{method: http.MethodGet, path: "/x"})
	if err != nil {
		t.Fatalf("route lookup: %v", err)
	}
	rc := request.New(uuid.New(), uuid.New(), http.MethodGet, "/x", nil, nil)
	if err := h(rc); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(rc.Response.Body) != "first" {
		t.Fatalf("expected first handler to win, got %q", rc.Response.Body)
	}
}

func TestHandleRequestAdmits(t *testing.T) {
	// an authorizer that never completes keeps the request in flight
	s := newTestServer(blockForever())

	tc := NewTransportContext(http.MethodGet, "/test", http.Header{}, func(*TransportContext) {})
	s.HandleRequest(tc, func(*request.Context) error { return nil })

	sc, err := s.active.Find(tc.ID)
	if err != nil {
		t.Fatalf("expected registered sync context: %v", err)
	}
	if sc.failed.Load() {
		t.Fatalf("fresh context must not be failed")
	}
	if got := sc.pending.Load(); got != 2 {
		t.Fatalf("expected 2 pending legs, got %d", got)
	}
	if tc.OnBodyChunk == nil {
		t.Fatalf("body-streaming callback not installed")
	}
}

func TestOnPendingCallbackFailure(t *testing.T) {
	s := newTestServer(allowAll("d"))

	var completions int64
	tc := NewTransportContext(http.MethodGet, "/test", http.Header{}, func(*TransportContext) {
		atomic.AddInt64(&completions, 1)
	})
	sc := &syncContext{transport: tc, admitted: time.Now()}
	sc.request = request.New(tc.ID, tc.ActivityID, tc.Method, tc.Path, nil, nil)
	sc.pending.Store(2)
	if err := s.active.Insert(tc.ID, sc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	failure := status.Coded(1234, "leg failed")
	s.OnPendingCallback(failure, tc.ID)

	got, err := s.active.Find(tc.ID)
	if err != nil {
		t.Fatalf("context should still be registered: %v", err)
	}
	if !got.failed.Load() {
		t.Fatalf("failure flag not set")
	}
	if atomic.LoadInt64(&completions) != 0 {
		t.Fatalf("completion fired before all legs reported")
	}

	// second leg triggers finalization
	s.OnPendingCallback(failure, tc.ID)
	waitUntil(t, func() bool { return atomic.LoadInt64(&completions) == 1 })
	if _, err := s.active.Find(tc.ID); !errors.Is(err, status.ErrEntryNotFound) {
		t.Fatalf("entry should be erased after finalization, got %v", err)
	}
	if status.CodeOf(tc.Result) != 1234 {
		t.Fatalf("expected failure code 1234, got %d", status.CodeOf(tc.Result))
	}

	// late legs and cleanup are silent no-ops
	s.OnPendingCallback(failure, tc.ID)
	if err := s.Cleanup(tc.ActivityID, tc.ID, nil); !errors.Is(err, status.ErrEntryNotFound) {
		t.Fatalf("cleanup after finalization should report not found, got %v", err)
	}
	if atomic.LoadInt64(&completions) != 1 {
		t.Fatalf("completion fired more than once")
	}
}

func TestCounterReachesZeroAfterExactlyNLegs(t *testing.T) {
	s := newTestServer(allowAll("d"))

	const legs = 5
	var completions int64
	tc := NewTransportContext(http.MethodGet, "/n", http.Header{}, func(*TransportContext) {
		atomic.AddInt64(&completions, 1)
	})
	sc := &syncContext{transport: tc, admitted: time.Now()}
	sc.request = request.New(tc.ID, tc.ActivityID, tc.Method, tc.Path, nil, nil)
	sc.pending.Store(legs)
	if err := s.active.Insert(tc.ID, sc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < legs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.OnPendingCallback(nil, tc.ID)
		}()
	}
	wg.Wait()
	if atomic.LoadInt64(&completions) != 1 {
		t.Fatalf("expected exactly one finalization, got %d", completions)
	}
}

func TestHandlerFailureAfterAuthorization(t *testing.T) {
	s := newTestServer(allowAll("tenant.example.com"))

	finished := make(chan *TransportContext, 1)
	tc := NewTransportContext(http.MethodGet, "/fail", http.Header{}, func(tc *TransportContext) {
		finished <- tc
	})
	s.HandleRequest(tc, func(rc *request.Context) error {
		return status.Coded(12345, "handler exploded")
	})

	select {
	case got := <-finished:
		if status.CodeOf(got.Result) != 12345 {
			t.Fatalf("expected code 12345, got %d", status.CodeOf(got.Result))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("request never finalized")
	}
	if _, err := s.active.Find(tc.ID); !errors.Is(err, status.ErrEntryNotFound) {
		t.Fatalf("registry entry should be removed, got %v", err)
	}
}

func TestAuthorizationFailureSkipsHandler(t *testing.T) {
	authErr := status.Unauthorized("token rejected")
	s := newTestServer(denyAll(authErr))

	var handlerRan int64
	finished := make(chan *TransportContext, 1)
	tc := NewTransportContext(http.MethodPost, "/secure", http.Header{}, func(tc *TransportContext) {
		finished <- tc
	})
	s.HandleRequest(tc, func(rc *request.Context) error {
		atomic.AddInt64(&handlerRan, 1)
		rc.Finish()
		return nil
	})

	select {
	case got := <-finished:
		if !errors.Is(got.Result, authErr) {
			t.Fatalf("expected authorization failure, got %v", got.Result)
		}
		if status.HTTPStatusOf(got.Result) != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status.HTTPStatusOf(got.Result))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("request never finalized")
	}
	if atomic.LoadInt64(&handlerRan) != 0 {
		t.Fatalf("handler must not run after authorization failure")
	}
	if _, err := s.active.Find(tc.ID); !errors.Is(err, status.ErrEntryNotFound) {
		t.Fatalf("registry entry should be removed, got %v", err)
	}
}

func TestCleanupWhileAuthorizationPending(t *testing.T) {
	s := newTestServer(blockForever())

	var completions int64
	tc := NewTransportContext(http.MethodGet, "/hung", http.Header{}, func(*TransportContext) {
		atomic.AddInt64(&completions, 1)
	})
	s.HandleRequest(tc, func(rc *request.Context) error {
		rc.Finish()
		return nil
	})

	if err := s.Cleanup(tc.ActivityID, tc.ID, nil); err != nil {
		t.Fatalf("cleanup should win: %v", err)
	}
	if _, err := s.active.Find(tc.ID); !errors.Is(err, status.ErrEntryNotFound) {
		t.Fatalf("expected not found after cleanup, got %v", err)
	}
	// the connection is not left hanging
	if atomic.LoadInt64(&completions) != 1 {
		t.Fatalf("transport completion did not fire on cleanup")
	}
	if status.CodeOf(tc.Result) != status.CodeRequestAborted {
		t.Fatalf("expected aborted result, got %v", tc.Result)
	}

	// second cleanup is a not-found no-op
	if err := s.Cleanup(tc.ActivityID, tc.ID, nil); !errors.Is(err, status.ErrEntryNotFound) {
		t.Fatalf("expected not found on second cleanup, got %v", err)
	}
	if atomic.LoadInt64(&completions) != 1 {
		t.Fatalf("completion fired more than once")
	}
}

func TestAtMostOneFinalizationUnderRace(t *testing.T) {
	// race handler completion against cleanup across many iterations;
	// the completion callback must fire exactly once every time
	s := newTestServer(allowAll("d"))

	for i := 0; i < 200; i++ {
		var completions int64
		done := make(chan struct{})
		tc := NewTransportContext(http.MethodGet, "/race", http.Header{}, func(*TransportContext) {
			if atomic.AddInt64(&completions, 1) == 1 {
				close(done)
			}
		})
		release := make(chan struct{})
		s.HandleRequest(tc, func(rc *request.Context) error {
			go func() {
				<-release
				rc.Finish()
			}()
			return nil
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			close(release)
		}()
		go func() {
			defer wg.Done()
			_ = s.Cleanup(tc.ActivityID, tc.ID, nil)
		}()
		wg.Wait()

		<-done
		waitUntil(t, func() bool { return s.ActiveCount() == 0 })
		if got := atomic.LoadInt64(&completions); got != 1 {
			t.Fatalf("iteration %d: completion fired %d times", i, got)
		}
	}
}

func TestSuccessfulRoundTrip(t *testing.T) {
	s := newTestServer(allowAll("tenant.example.com"))
	if err := s.RegisterResourceHandler(http.MethodGet, "/test", func(rc *request.Context) error {
		rc.Response.Body = []byte("hello, world")
		rc.Finish()
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer func() { _ = s.Stop() }()

	req, _ := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/test", nil)
	req.Header.Set("X-Auth-Token", "tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello, world" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestUnmatchedRoute(t *testing.T) {
	s := newTestServer(allowAll("d"))
	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer func() { _ = s.Stop() }()

	resp, err := http.Get("http://" + s.Addr() + "/nowhere")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var out struct {
		Code uint64 `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Code != status.CodeRouteNotFound {
		t.Fatalf("expected route-not-found code, got %d", out.Code)
	}
}

func TestRequestBodyDelivery(t *testing.T) {
	s := newTestServer(allowAll("d"))
	bodies := make(chan string, 1)
	if err := s.RegisterResourceHandler(http.MethodPost, "/echo", func(rc *request.Context) error {
		bodies <- string(rc.Body)
		rc.Response.Body = rc.Body
		rc.Finish()
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer func() { _ = s.Stop() }()

	resp, err := http.Post("http://"+s.Addr()+"/echo", "text/plain", strings.NewReader("chunked payload"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "chunked payload" {
		t.Fatalf("unexpected echo %q", got)
	}
	if b := <-bodies; b != "chunked payload" {
		t.Fatalf("handler saw body %q", b)
	}
}

func writeSelfSignedCert(t *testing.T, dir string) (keyFile, certFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	keyFile = filepath.Join(dir, "key.pem")
	certFile = filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return keyFile, certFile
}

func TestInitFailsWhenPrivateKeyFileMissing(t *testing.T) {
	_, certFile := writeSelfSignedCert(t, t.TempDir())
	s := New(Config{
		UseTLS:               true,
		PrivateKeyFile:       "/file/that/does/not/exist.pem",
		CertificateChainFile: certFile,
		Authorizer:           allowAll("d"),
	})
	if err := s.Init(); !errors.Is(err, status.ErrTLSInit) {
		t.Fatalf("expected ErrTLSInit, got %v", err)
	}
}

func TestInitFailsWhenCertificateChainFileMissing(t *testing.T) {
	keyFile, _ := writeSelfSignedCert(t, t.TempDir())
	s := New(Config{
		UseTLS:               true,
		PrivateKeyFile:       keyFile,
		CertificateChainFile: "/file/that/does/not/exist.crt",
		Authorizer:           allowAll("d"),
	})
	if err := s.Init(); !errors.Is(err, status.ErrTLSInit) {
		t.Fatalf("expected ErrTLSInit, got %v", err)
	}
}

func TestInitRunStopWithTLS(t *testing.T) {
	keyFile, certFile := writeSelfSignedCert(t, t.TempDir())
	s := New(Config{
		Host:                 "127.0.0.1",
		UseTLS:               true,
		PrivateKeyFile:       keyFile,
		CertificateChainFile: certFile,
		WorkerPoolSize:       2,
		Authorizer:           allowAll("d"),
	})
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
