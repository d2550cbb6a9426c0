package node

import "testing"

func TestNewIDIncarnationDiffers(t *testing.T) {
	a := NewID(Addr("10.0.0.1:7000"))
	b := NewID(Addr("10.0.0.1:7000"))
	if a.Equal(b) {
		t.Fatalf("two mints of the same addr must not collide: %v vs %v", a, b)
	}
	if a.Addr != b.Addr {
		t.Fatalf("addr should be preserved across incarnations")
	}
}

func TestLessTotalOrder(t *testing.T) {
	a := ID{Addr: "a", Incarnation: "1"}
	b := ID{Addr: "b", Incarnation: "0"}
	if !a.Less(b) {
		t.Fatalf("expected a < b by addr")
	}
	if b.Less(a) {
		t.Fatalf("Less must be asymmetric")
	}
}
