package consent

import "testing"

func TestRequestCancelRoundTrip(t *testing.T) {
	initial := State{
		Giver: Giver{LocalGrantsAccessToRemote: true},
	}

	requested := Apply(initial, Request)
	if !requested.Getter.LocalRequestsAccessFromRemote {
		t.Fatalf("expected REQUEST to set local request bit, got %+v", requested)
	}
	cancelled := Apply(requested, CancelRequest)
	if cancelled != initial {
		t.Fatalf("REQUEST then CANCEL_REQUEST did not round-trip: %+v != %+v", cancelled, initial)
	}

	offered := Apply(initial, Offer)
	if !offered.Giver.LocalGrantsAccessToRemote {
		t.Fatalf("expected OFFER to set local grant bit, got %+v", offered)
	}
	if Apply(offered, CancelOffer).Giver.LocalGrantsAccessToRemote {
		t.Fatalf("expected CANCEL_OFFER to clear local grant bit")
	}
}

func TestGetterActionsNeverTouchGiverState(t *testing.T) {
	seed := State{
		Giver: Giver{
			LocalGrantsAccessToRemote:     true,
			RemoteRequestsAccessFromLocal: true,
			IgnoringRemoteRequest:         false,
		},
		Getter: Getter{RemoteGrantsAccessToLocal: true},
	}

	for _, action := range []Action{Request, CancelRequest, IgnoreOffer, UnignoreOffer} {
		next := Apply(seed, action)
		if next.Giver != seed.Giver {
			t.Fatalf("%v mutated giver state: %+v", action, next.Giver)
		}
	}
	for _, action := range []Action{Offer, CancelOffer, IgnoreRequest, UnignoreRequest} {
		next := Apply(seed, action)
		if next.Getter != seed.Getter {
			t.Fatalf("%v mutated getter state: %+v", action, next.Getter)
		}
	}
}

func TestInvalidTransitionIsNoOp(t *testing.T) {
	var zero State

	cases := []Action{CancelRequest, IgnoreOffer, UnignoreOffer, CancelOffer, IgnoreRequest, UnignoreRequest}
	for _, action := range cases {
		if next := Apply(zero, action); next != zero {
			t.Fatalf("%v on zero state should be a no-op, got %+v", action, next)
		}
	}
}

func TestRequestClearsIgnoringOffer(t *testing.T) {
	s := State{Getter: Getter{
		RemoteGrantsAccessToLocal: true,
		IgnoringRemoteOffer:       true,
	}}
	next := Apply(s, Request)
	if next.Getter.IgnoringRemoteOffer {
		t.Fatalf("REQUEST should clear ignoring flag, got %+v", next.Getter)
	}
	if !next.GetterGranted() {
		t.Fatalf("expected getter access granted after REQUEST against an offer")
	}
}

func TestIgnoreRequiresSomethingToIgnore(t *testing.T) {
	s := Apply(State{}, IgnoreOffer)
	if s.Getter.IgnoringRemoteOffer {
		t.Fatalf("IGNORE_OFFER without an offer must be a no-op")
	}

	s = State{Getter: Getter{RemoteGrantsAccessToLocal: true}}
	s = Apply(s, IgnoreOffer)
	if !s.Getter.IgnoringRemoteOffer {
		t.Fatalf("IGNORE_OFFER with a live offer should stick")
	}
}

func TestMergeRemoteOnlyTouchesRemoteFields(t *testing.T) {
	s := State{
		Getter: Getter{LocalRequestsAccessFromRemote: true},
		Giver:  Giver{LocalGrantsAccessToRemote: true},
	}

	merged := MergeRemote(s, Wire{IsOffering: true, IsRequesting: true})
	if !merged.Getter.LocalRequestsAccessFromRemote || !merged.Giver.LocalGrantsAccessToRemote {
		t.Fatalf("local decisions were overwritten by remote bits: %+v", merged)
	}
	if !merged.GetterGranted() || !merged.GiverGranted() {
		t.Fatalf("expected both directions granted, got %+v", merged)
	}
}

func TestMergeRemoteRetractionClearsIgnoring(t *testing.T) {
	s := State{Getter: Getter{
		RemoteGrantsAccessToLocal: true,
		IgnoringRemoteOffer:       true,
	}}

	merged := MergeRemote(s, Wire{IsOffering: false})
	if merged.Getter.RemoteGrantsAccessToLocal || merged.Getter.IgnoringRemoteOffer {
		t.Fatalf("offer retraction should clear remote grant and ignoring flag, got %+v", merged.Getter)
	}

	// A fresh offer after retraction surfaces again.
	merged = MergeRemote(merged, Wire{IsOffering: true})
	if !merged.Getter.RemoteGrantsAccessToLocal || merged.Getter.IgnoringRemoteOffer {
		t.Fatalf("fresh offer should surface unignored, got %+v", merged.Getter)
	}
}

func TestWireView(t *testing.T) {
	s := State{
		Getter: Getter{LocalRequestsAccessFromRemote: true},
	}
	w := s.WireView()
	if !w.IsRequesting || w.IsOffering {
		t.Fatalf("unexpected wire view %+v", w)
	}
}

func TestParseAction(t *testing.T) {
	for action, name := range map[Action]string{
		Request:         "REQUEST",
		CancelOffer:     "cancel_offer",
		UnignoreRequest: "UNIGNORE_REQUEST",
	} {
		parsed, err := ParseAction(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if parsed != action {
			t.Fatalf("parse %q: got %v want %v", name, parsed, action)
		}
	}
	if _, err := ParseAction("DELETE_EVERYTHING"); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
