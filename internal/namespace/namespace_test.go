package namespace

import (
	"testing"

	pebblestore "github.com/calder-io/calder/internal/storage/pebble"
)

func openDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnsureNamespaceIdempotent(t *testing.T) {
	db := openDB(t)

	m1, err := EnsureNamespace(db, "default", Meta{})
	if err != nil {
		t.Fatalf("ensure1: %v", err)
	}
	m2, err := EnsureNamespace(db, "default", Meta{})
	if err != nil {
		t.Fatalf("ensure2: %v", err)
	}
	if m1.Name != m2.Name || m1.CreatedAtMs != m2.CreatedAtMs {
		t.Fatalf("not idempotent: %+v vs %+v", m1, m2)
	}
	if m1.Partitions != Defaults().Partitions || m1.PayloadMaxBytes != Defaults().PayloadMaxBytes {
		t.Fatalf("defaults not applied: %+v", m1)
	}
}

func TestEnsureNamespaceRejectsBadNames(t *testing.T) {
	db := openDB(t)
	for _, name := range []string{"", "a/b", "x y", "ns\x00"} {
		if _, err := EnsureNamespace(db, name, Meta{}); err == nil {
			t.Fatalf("accepted %q", name)
		}
	}
}

func TestGetAndList(t *testing.T) {
	db := openDB(t)

	if _, ok, err := Get(db, "missing"); err != nil || ok {
		t.Fatalf("get missing: ok=%v err=%v", ok, err)
	}
	for _, name := range []string{"beta", "alpha"} {
		if _, err := EnsureNamespace(db, name, Meta{}); err != nil {
			t.Fatalf("ensure %s: %v", name, err)
		}
	}
	m, ok, err := Get(db, "alpha")
	if err != nil || !ok || m.Name != "alpha" {
		t.Fatalf("get alpha: %+v ok=%v err=%v", m, ok, err)
	}
	all, err := List(db)
	if err != nil || len(all) != 2 || all[0].Name != "alpha" || all[1].Name != "beta" {
		t.Fatalf("list: %+v err=%v", all, err)
	}
}

func TestEnsureNamespaceFillsUnsetDefaults(t *testing.T) {
	db := openDB(t)

	m, err := EnsureNamespace(db, "partial", Meta{Partitions: 8})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	base := Defaults()
	if m.Partitions != 8 || m.PayloadMaxBytes != base.PayloadMaxBytes || m.HeadersMaxBytes != base.HeadersMaxBytes {
		t.Fatalf("unset fields not filled: %+v", m)
	}
}
