package order

import "testing"

func TestClientOrderID_Deterministic(t *testing.T) {
	a := ClientOrderID("intent-1")
	b := ClientOrderID("intent-1")
	if a != b {
		t.Fatalf("expected deterministic id, got %s vs %s", a, b)
	}
}

func TestClientOrderID_DistinctPerIntent(t *testing.T) {
	a := ClientOrderID("intent-1")
	b := ClientOrderID("intent-2")
	if a == b {
		t.Fatalf("expected distinct ids for distinct intents, got %s for both", a)
	}
}
