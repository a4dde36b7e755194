// Package gateway implements the agent-to-gateway message envelope and
// request router: the bit-stable {type, id, payload} envelope, and
// dispatch of every request type the kernel must handle to a
// registered handler, returning exactly one response per request whose
// id echoes the request. Grounded on the teacher's plugin Registry
// (pkg/plugins/registry.go) for the priority-ordered registration
// shape, generalized from payload-sniffing parsers to a fixed,
// type-keyed request table.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/ocx/agentkernel/internal/kerr"
)

// Envelope is the bit-stable agent-to-gateway message format.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an "error" response envelope.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HandlerFunc processes one request's payload for a given tenant and
// returns the data to embed in the `<type>_result` response payload.
type HandlerFunc func(ctx context.Context, tenantID string, payload json.RawMessage) (interface{}, error)

// RequestTypes is the minimum set of request types the kernel must
// handle, per the external interface contract.
var RequestTypes = []string{
	"auth",
	"agent_spawn",
	"agent_task",
	"agent_terminate",
	"agent_status",
	"policy_create",
	"moderation_case_list",
	"moderation_case_dismiss",
	"sanction_list",
	"appeal_open",
	"appeal_list",
	"appeal_resolve",
	"capability_grant",
	"capability_revoke",
	"capability_list",
}

// Router dispatches envelopes by Type to registered handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *log.Logger
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
	}
}

// Register binds reqType to fn, replacing any existing binding.
func (r *Router) Register(reqType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[reqType] = fn
}

// Dispatch routes req to its registered handler and builds exactly one
// response envelope whose id echoes req.ID. An unknown type, a handler
// error, or no handler at all all produce an "error" envelope rather
// than panicking or dropping the request.
func (r *Router) Dispatch(ctx context.Context, tenantID string, req Envelope) Envelope {
	r.mu.RLock()
	fn, ok := r.handlers[req.Type]
	r.mu.RUnlock()

	if !ok {
		return errorEnvelope(req.ID, kerr.New(kerr.InvalidInput, fmt.Sprintf("unknown request type %q", req.Type)))
	}

	result, err := fn(ctx, tenantID, req.Payload)
	if err != nil {
		return errorEnvelope(req.ID, err)
	}

	data, merr := json.Marshal(result)
	if merr != nil {
		return errorEnvelope(req.ID, kerr.Wrap(kerr.Internal, "marshal response payload", merr))
	}
	return Envelope{Type: req.Type + "_result", ID: req.ID, Payload: data}
}

func errorEnvelope(id string, err error) Envelope {
	kind := kerr.KindOf(err)
	payload, _ := json.Marshal(ErrorPayload{Code: string(kind), Message: err.Error()})
	return Envelope{Type: "error", ID: id, Payload: payload}
}
