package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ocx/agentkernel/internal/kerr"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	r := NewRouter()
	r.Register("agent_status", func(_ context.Context, tenantID string, _ json.RawMessage) (interface{}, error) {
		return map[string]string{"tenant": tenantID, "state": "ready"}, nil
	})

	resp := r.Dispatch(context.Background(), "tenant-1", Envelope{Type: "agent_status", ID: "req-1"})
	if resp.Type != "agent_status_result" {
		t.Fatalf("expected agent_status_result, got %s", resp.Type)
	}
	if resp.ID != "req-1" {
		t.Fatalf("expected response id to echo request id, got %s", resp.ID)
	}

	var body map[string]string
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		t.Fatalf("unmarshal response payload: %v", err)
	}
	if body["tenant"] != "tenant-1" || body["state"] != "ready" {
		t.Fatalf("unexpected response body: %+v", body)
	}
}

func TestDispatchUnknownTypeReturnsError(t *testing.T) {
	r := NewRouter()
	resp := r.Dispatch(context.Background(), "tenant-1", Envelope{Type: "not_a_real_type", ID: "req-2"})
	if resp.Type != "error" {
		t.Fatalf("expected error envelope, got %s", resp.Type)
	}
	var payload ErrorPayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != string(kerr.InvalidInput) {
		t.Fatalf("expected invalid_input code, got %s", payload.Code)
	}
}

func TestDispatchHandlerErrorReturnsErrorEnvelope(t *testing.T) {
	r := NewRouter()
	r.Register("agent_spawn", func(_ context.Context, _ string, _ json.RawMessage) (interface{}, error) {
		return nil, kerr.New(kerr.PermissionDenied, "manifest requires signature")
	})

	resp := r.Dispatch(context.Background(), "tenant-1", Envelope{Type: "agent_spawn", ID: "req-3"})
	if resp.Type != "error" {
		t.Fatalf("expected error envelope, got %s", resp.Type)
	}
	var payload ErrorPayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != string(kerr.PermissionDenied) {
		t.Fatalf("expected permission_denied code, got %s", payload.Code)
	}
}

func TestAllMinimumRequestTypesCanBeRegistered(t *testing.T) {
	r := NewRouter()
	for _, reqType := range RequestTypes {
		reqType := reqType
		r.Register(reqType, func(_ context.Context, _ string, _ json.RawMessage) (interface{}, error) {
			return map[string]string{"type": reqType}, nil
		})
	}
	for _, reqType := range RequestTypes {
		resp := r.Dispatch(context.Background(), "tenant-1", Envelope{Type: reqType, ID: "req-" + reqType})
		if resp.Type != reqType+"_result" {
			t.Fatalf("expected %s_result, got %s", reqType, resp.Type)
		}
	}
}
