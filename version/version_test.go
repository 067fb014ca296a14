package version

import "testing"

func TestDeriveGeneration(t *testing.T) {
	cases := []struct {
		major, minor int
		want         Generation
	}{
		{4, 16, Gen4_16},
		{4, 19, Gen4_16},
		{4, 20, Gen4_20},
		{4, 22, Gen4_20},
		{4, 23, Gen4_23},
		{4, 24, Gen4_23},
		{4, 25, Gen4_25},
		{4, 26, Gen4_26},
		{4, 27, Gen4_26},
		{5, 0, Gen5_0},
		{5, 1, Gen5_1},
		{5, 2, Gen5_1},
		{3, 9, GenUnknown},
	}
	for _, c := range cases {
		if got := DeriveGeneration(c.major, c.minor); got != c.want {
			t.Errorf("DeriveGeneration(%d, %d) = %v, want %v", c.major, c.minor, got, c.want)
		}
	}
}

func TestGenerationOrdering(t *testing.T) {
	order := []Generation{Gen4_16, Gen4_20, Gen4_23, Gen4_25, Gen4_26, Gen5_0, Gen5_1}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Errorf("%v should order before %v", order[i-1], order[i])
		}
	}
}

func TestDeriveFlagsEngineThresholds(t *testing.T) {
	f := DeriveFlags(4, 16, 1, 80)
	if f.ChunkedRegistry || f.PackedNames || f.DetachedFields || f.IndirectObjectRefs {
		t.Errorf("4.16 should have no structural features: %+v", f)
	}

	f = DeriveFlags(4, 21, 5, 0)
	if !f.ChunkedRegistry {
		t.Error("4.21 should have ChunkedRegistry")
	}
	if f.PackedNames {
		t.Error("4.21 should not have PackedNames")
	}

	f = DeriveFlags(4, 23, 9, 0)
	if !f.PackedNames || !f.ChunkedRegistry {
		t.Errorf("4.23 should have PackedNames and ChunkedRegistry: %+v", f)
	}
	if f.DetachedFields {
		t.Error("4.23 should not have DetachedFields")
	}

	f = DeriveFlags(4, 25, 15, 0)
	if !f.DetachedFields {
		t.Error("4.25 should have DetachedFields")
	}
	if f.IndirectObjectRefs {
		t.Error("4.25 should not have IndirectObjectRefs")
	}

	f = DeriveFlags(5, 0, 19, 0)
	if !f.IndirectObjectRefs || !f.DetachedFields || !f.PackedNames || !f.ChunkedRegistry {
		t.Errorf("5.0 should have every engine-driven feature: %+v", f)
	}
}

// Keyed replication flips on the product release, not the engine
// version: two builds of the same engine can differ.
func TestDeriveFlagsKeyedReplicationIsProductDriven(t *testing.T) {
	before := DeriveFlags(4, 22, 8, 20)
	after := DeriveFlags(4, 22, 8, 30)

	if before.KeyedReplication {
		t.Error("product 8.20 should not have KeyedReplication")
	}
	if !after.KeyedReplication {
		t.Error("product 8.30 should have KeyedReplication")
	}

	// Same structural features either side of the product flip.
	before.KeyedReplication = after.KeyedReplication
	if before != after {
		t.Errorf("engine-driven flags changed with product version: %+v vs %+v", before, after)
	}

	if !DeriveFlags(4, 23, 9, 0).KeyedReplication {
		t.Error("product 9.00 should have KeyedReplication")
	}
}

func TestSupportedWindow(t *testing.T) {
	cases := []struct {
		major, minor int
		want         bool
	}{
		{4, 15, false},
		{4, 16, true},
		{4, 27, true},
		{4, 28, false},
		{5, 0, true},
		{5, 2, true},
		{5, 3, false},
		{3, 0, false},
		{6, 0, false},
	}
	for _, c := range cases {
		if got := Supported(c.major, c.minor); got != c.want {
			t.Errorf("Supported(%d, %d) = %v, want %v", c.major, c.minor, got, c.want)
		}
	}
}

func TestRecordDisplay(t *testing.T) {
	r := Record{EngineMajor: 4, EngineMinor: 22, ProductMajor: 8, ProductMinor: 30}
	if r.Engine() != "4.22" {
		t.Errorf("Engine() = %q", r.Engine())
	}
	if r.Product() != "8.30" {
		t.Errorf("Product() = %q", r.Product())
	}
}
