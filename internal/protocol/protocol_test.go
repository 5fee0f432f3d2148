package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/lattice-proxy/lattice-proxy/internal/consent"
)

func TestClientStatusJSONRoundTrip(t *testing.T) {
	for _, status := range []ClientStatus{StatusOnline, StatusOnlineWithOtherApp, StatusOffline} {
		raw, err := json.Marshal(status)
		if err != nil {
			t.Fatalf("marshal %s: %v", status, err)
		}
		var back ClientStatus
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if back != status {
			t.Fatalf("round trip of %s yielded %s", status, back)
		}
	}
}

func TestClientStatusUnknownNameDecodes(t *testing.T) {
	var status ClientStatus
	if err := json.Unmarshal([]byte(`"AWAY"`), &status); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusUnknown {
		t.Fatalf("expected StatusUnknown for unrecognized name, got %s", status)
	}
}

func TestClientStatusMarshalRejectsUnknown(t *testing.T) {
	if _, err := json.Marshal(StatusUnknown); err == nil {
		t.Fatal("expected error marshalling StatusUnknown")
	}
}

func TestDecodeInstanceHandshake(t *testing.T) {
	env := Envelope{
		Type: TypeInstance,
		Data: json.RawMessage(`{
			"instanceId": "inst-1",
			"keyHash": "ab:cd",
			"description": "laptop",
			"consent": {"isRequesting": true, "isOffering": false},
			"name": "Alice"
		}`),
	}
	msg, err := Decode(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, ok := msg.(InstanceHandshake)
	if !ok {
		t.Fatalf("expected InstanceHandshake, got %T", msg)
	}
	if h.InstanceID != "inst-1" || h.KeyHash != "ab:cd" || h.Description != "laptop" {
		t.Fatalf("unexpected handshake fields: %+v", h)
	}
	if !h.Consent.IsRequesting || h.Consent.IsOffering {
		t.Fatalf("unexpected consent bits: %+v", h.Consent)
	}
}

func TestDecodeInstanceHandshakeMissingID(t *testing.T) {
	env := Envelope{Type: TypeInstance, Data: json.RawMessage(`{"keyHash": "ab"}`)}
	if _, err := Decode(env); err == nil {
		t.Fatal("expected error for handshake without instanceId")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	env := Envelope{Type: MessageType("FUTURE_THING"), Data: json.RawMessage(`{}`)}
	_, err := Decode(env)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeSignalsKeepPayloadOpaque(t *testing.T) {
	payload := json.RawMessage(`{"sdp": "v=0", "extra": [1, 2, 3]}`)
	for _, tc := range []struct {
		typ    MessageType
		source SignalSource
	}{
		{TypeSignalFromClientPeer, SignalFromClientPeer},
		{TypeSignalFromServerPeer, SignalFromServerPeer},
	} {
		msg, err := Decode(Envelope{Type: tc.typ, Data: payload})
		if err != nil {
			t.Fatalf("decode %s: %v", tc.typ, err)
		}
		sig, ok := msg.(Signal)
		if !ok {
			t.Fatalf("expected Signal, got %T", msg)
		}
		if sig.Source != tc.source {
			t.Fatalf("expected source %d, got %d", tc.source, sig.Source)
		}
		if string(sig.Payload) != string(payload) {
			t.Fatalf("payload mutated: %s", sig.Payload)
		}
	}
}

func TestEncodeDecodeHandshake(t *testing.T) {
	in := InstanceHandshake{
		InstanceID: "inst-2",
		KeyHash:    "de:ad",
		Consent:    consent.Wire{IsOffering: true},
		UserID:     "bob@example.com",
	}
	env, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Type != TypeInstance {
		t.Fatalf("expected type %s, got %s", TypeInstance, env.Type)
	}
	msg, err := Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := msg.(InstanceHandshake)
	if !ok {
		t.Fatalf("expected InstanceHandshake, got %T", msg)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestEncodeSignalPreservesEnvelopeType(t *testing.T) {
	env, err := Encode(Signal{Source: SignalFromServerPeer, Payload: json.RawMessage(`"x"`)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Type != TypeSignalFromServerPeer {
		t.Fatalf("expected type %s, got %s", TypeSignalFromServerPeer, env.Type)
	}
}
