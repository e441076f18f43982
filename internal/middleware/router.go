// Package middleware wires the command-source router (spec §6): a
// thin gorilla/mux surface that accepts a validated request record
// (caller identity, customer id, operation name, JSON payload) and
// dispatches it to a registered operation handler. The full CLI/REST
// surface (`sre/c7n`) is out of scope; this is the minimal dispatch
// substrate the rest of the system plugs into.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/logging"
)

// Request is one validated command-source request.
type Request struct {
	CallerIdentity string          `json:"caller_identity"`
	CustomerID     string          `json:"customer_id"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
}

// OperationHandler executes one named operation.
type OperationHandler func(ctx context.Context, req Request) (interface{}, error)

// Router dispatches by operation name, writing exit-code-equivalent
// HTTP statuses: 200 on success, the classified status from
// internal/errors on failure.
type Router struct {
	mux      *mux.Router
	handlers map[string]OperationHandler
	log      *logging.Logger
}

func New(log *logging.Logger) *Router {
	r := &Router{mux: mux.NewRouter(), handlers: make(map[string]OperationHandler), log: log}
	r.mux.HandleFunc("/commands", r.handleCommand).Methods(http.MethodPost)
	r.mux.HandleFunc("/health_check", r.handleHealth).Methods(http.MethodGet)
	return r
}

// Register binds an operation name (e.g. "job.submit", "ruleset.compile")
// to its handler.
func (r *Router) Register(operation string, handler OperationHandler) {
	r.handlers[operation] = handler
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (r *Router) handleCommand(w http.ResponseWriter, req *http.Request) {
	var cmd Request
	if err := json.NewDecoder(req.Body).Decode(&cmd); err != nil {
		writeError(w, errors.Validation("body", "must be valid JSON"))
		return
	}

	handler, ok := r.handlers[cmd.Operation]
	if !ok {
		writeError(w, errors.NotFound("operation", cmd.Operation))
		return
	}

	result, err := handler(req.Context(), cmd)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

func writeError(w http.ResponseWriter, err error) {
	re, ok := errors.As(err)
	status := http.StatusInternalServerError
	kind := errors.KindInternal
	if ok {
		status = errors.HTTPStatus(re.Kind)
		kind = re.Kind
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"kind": string(kind), "message": err.Error()})
}
