package field

import "testing"

func TestPedersenHIsOnCurveAndDeterministic(t *testing.T) {
	h1 := PedersenH()
	h2 := PedersenH()
	if !h1.Equal(h2) {
		t.Fatal("PedersenH is not deterministic across calls")
	}
	if h1.Infinity {
		t.Fatal("PedersenH must not be the point at infinity")
	}
	if !curve.IsOnCurve(h1.X, h1.Y) {
		t.Fatal("PedersenH does not lie on secp256k1")
	}
	if h1.Equal(BasePoint()) {
		t.Fatal("PedersenH must differ from the base point G")
	}
}
