package guid

import "testing"

func TestRegisterLookupRelease(t *testing.T) {
	p := NewProvider(Location(3))

	g := p.Register(KindDataBlock, "meta-ptr")
	if !g.Valid() {
		t.Fatalf("expected valid guid, got %v", g)
	}
	if HomeOf(g) != Location(3) {
		t.Fatalf("expected home 3, got %v", HomeOf(g))
	}

	kind, home, meta, ok := p.Lookup(g)
	if !ok || kind != KindDataBlock || home != Location(3) || meta != "meta-ptr" {
		t.Fatalf("unexpected lookup result: %v %v %v %v", kind, home, meta, ok)
	}

	p.Release(g)
	if _, _, _, ok := p.Lookup(g); ok {
		t.Fatalf("expected lookup miss after release")
	}
}

func TestLookupUnknownGUIDMisses(t *testing.T) {
	p := NewProvider(Location(0))
	if _, _, _, ok := p.Lookup(GUID(0xdeadbeef)); ok {
		t.Fatalf("expected miss for never-registered guid")
	}
}

func TestRegisterRemoteResolvesKindWithoutMetadata(t *testing.T) {
	p := NewProvider(Location(1))
	remote := GUID(uint64(Location(7)) << 48)
	p.RegisterRemote(remote, KindTemplate)

	kind, home, meta, ok := p.Lookup(remote)
	if !ok || kind != KindTemplate || meta != nil {
		t.Fatalf("unexpected remote lookup: %v %v %v %v", kind, home, meta, ok)
	}
	if home != Location(7) {
		t.Fatalf("expected home derived from guid bits, got %v", home)
	}
}

func TestKindAndHomeEncodedInGuidBits(t *testing.T) {
	p := NewProvider(Location(4))
	db := p.Register(KindDataBlock, nil)
	evt := p.Register(KindEvent, nil)
	if KindOf(db) != KindDataBlock {
		t.Fatalf("expected data-block kind from bits, got %v", KindOf(db))
	}
	if KindOf(evt) != KindEvent {
		t.Fatalf("expected event kind from bits, got %v", KindOf(evt))
	}
	if HomeOf(db) != Location(4) {
		t.Fatalf("expected home 4, got %v", HomeOf(db))
	}
	if g := LocationGUID(Location(9)); HomeOf(g) != Location(9) || !g.Valid() {
		t.Fatalf("expected a valid location guid homed at 9, got %v (home %v)", g, HomeOf(g))
	}
}

func TestHintIndexRoundTrip(t *testing.T) {
	p := NewProvider(Location(2))
	g1 := p.Register(KindDataBlock, nil)
	g2 := p.Register(KindDataBlock, nil)
	p.SetHint("db-mem-affinity", g1, Location(5))
	p.SetHint("db-mem-affinity", g2, Location(6))

	if loc, ok := p.Hint("db-mem-affinity", g1); !ok || loc != Location(5) {
		t.Fatalf("expected g1 hinted to 5, got %v ok=%v", loc, ok)
	}
	if loc, ok := p.Hint("db-mem-affinity", g2); !ok || loc != Location(6) {
		t.Fatalf("expected g2 hinted to 6, got %v ok=%v", loc, ok)
	}
	if _, ok := p.Hint("edt-affinity", g1); ok {
		t.Fatalf("expected no entry under a different hint name")
	}

	p.DropHint("db-mem-affinity", g1)
	if _, ok := p.Hint("db-mem-affinity", g1); ok {
		t.Fatalf("expected g1's entry dropped")
	}
	if _, ok := p.Hint("db-mem-affinity", g2); !ok {
		t.Fatalf("expected g2's entry to survive g1's drop")
	}
}
