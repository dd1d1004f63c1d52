package app

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"frontdoor/pkg/journal"
	"frontdoor/pkg/logger"
	"frontdoor/pkg/utils"
)

// setupOpsHandlers sets up the maintenance endpoints on the provided router.
func (a *App) setupOpsHandlers(r *mux.Router) {
	r.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyzHandler).Methods(http.MethodGet)
	r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/admin/requests", a.requestsHandler).Methods(http.MethodGet)
	r.PathPrefix("/docs/").Handler(httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	r.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
}

// healthzHandler handles the /healthz endpoint.
func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
}

// readyzHandler handles the /readyz endpoint.
func (a *App) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if a.cfg.Journal.Enabled && !journal.Ready() {
		utils.JSONError(w, http.StatusServiceUnavailable, "journal not ready")
		return
	}
	if a.srv.Addr() == "" {
		utils.JSONError(w, http.StatusServiceUnavailable, "not serving")
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok", "version": ver})
}

// requestsHandler reports in-flight requests and, when the journal is
// enabled, recently finalized ones.
func (a *App) requestsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	type inflightEntry struct {
		RequestID string `json:"request_id"`
		Method    string `json:"method"`
		Path      string `json:"path"`
		AgeMs     int64  `json:"age_ms"`
		Pending   int32  `json:"pending_legs"`
	}
	out := struct {
		Inflight []inflightEntry `json:"inflight"`
		Recent   []journal.Entry `json:"recent,omitempty"`
	}{Inflight: []inflightEntry{}}

	for _, ir := range a.srv.Inflight() {
		out.Inflight = append(out.Inflight, inflightEntry{
			RequestID: ir.ID.String(),
			Method:    ir.Method,
			Path:      ir.Path,
			AgeMs:     ir.Age.Milliseconds(),
			Pending:   ir.Pending,
		})
	}
	if journal.Ready() {
		recent, err := journal.ListRecent(limit)
		if err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out.Recent = recent
	}
	_ = utils.JSONWrite(w, http.StatusOK, out)
}

// startOps builds the maintenance router, starts its HTTP server in a
// goroutine and returns a channel that will contain any server error.
func (a *App) startOps() <-chan error {
	r := mux.NewRouter()
	a.setupOpsHandlers(r)

	a.opsSrv = &http.Server{Addr: a.cfg.OpsAddr(), Handler: r}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops_started", "addr", a.cfg.OpsAddr())
		errCh <- a.opsSrv.ListenAndServe()
	}()
	return errCh
}
