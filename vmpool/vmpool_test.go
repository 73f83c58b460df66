package vmpool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

// ---------------------------------------------------------------------------
// Add / Remove / Contains
// ---------------------------------------------------------------------------

func TestAdd_And_Contains(t *testing.T) {
	p, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Add("i-1", "10.0.0.1"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !p.Contains("i-1") {
		t.Error("Contains(i-1) = false after Add")
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}
}

func TestAdd_Idempotent(t *testing.T) {
	p, _ := Open(t.TempDir(), nil)
	p.Add("i-1", "10.0.0.1")
	if err := p.Add("i-1", "10.0.0.2"); err != nil {
		t.Fatalf("Add (second time): %v", err)
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d after re-Add, want 1", p.Len())
	}
	if hint := p.PreferredAddressHint("i-1"); hint != "10.0.0.1" {
		t.Errorf("PreferredAddressHint() = %q, want original %q unchanged by re-Add", hint, "10.0.0.1")
	}
}

func TestRemove(t *testing.T) {
	p, _ := Open(t.TempDir(), nil)
	p.Add("i-1", "")
	if err := p.Remove("i-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if p.Contains("i-1") {
		t.Error("Contains(i-1) = true after Remove")
	}
}

func TestRemove_MissingIsNotAnError(t *testing.T) {
	p, _ := Open(t.TempDir(), nil)
	if err := p.Remove("nope"); err != nil {
		t.Errorf("Remove(missing) = %v, want nil", err)
	}
}

// ---------------------------------------------------------------------------
// persistence round-trip
// ---------------------------------------------------------------------------

func TestOpen_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p1, _ := Open(dir, nil)
	p1.Add("i-1", "10.0.0.1")
	p1.Add("i-2", "10.0.0.2")

	p2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if p2.Len() != 2 || !p2.Contains("i-1") || !p2.Contains("i-2") {
		t.Errorf("re-Open() ids = %v, want {i-1,i-2}", p2.IDs())
	}
	if hint := p2.PreferredAddressHint("i-1"); hint != "10.0.0.1" {
		t.Errorf("PreferredAddressHint() after reopen = %q, want %q", hint, "10.0.0.1")
	}
}

func TestOpen_CreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "pool")
	p, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open on missing dir: %v", err)
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d on a fresh pool, want 0", p.Len())
	}
}

// ---------------------------------------------------------------------------
// Refresh / Invalidate
// ---------------------------------------------------------------------------

func TestRefresh_CachesDescribeResult(t *testing.T) {
	calls := 0
	describe := func(ctx context.Context, id string) (VM, error) {
		calls++
		return VM{ID: id, Status: Running}, nil
	}
	p, _ := Open(t.TempDir(), describe)
	p.Add("i-1", "")

	v1, err := p.Refresh(context.Background(), "i-1")
	if err != nil || v1.Status != Running {
		t.Fatalf("Refresh: (%+v, %v)", v1, err)
	}
	if _, err := p.Refresh(context.Background(), "i-1"); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if calls != 1 {
		t.Errorf("describe called %d times, want 1 (cached)", calls)
	}
}

func TestRefresh_NoDescriberConfigured(t *testing.T) {
	p, _ := Open(t.TempDir(), nil)
	p.Add("i-1", "")
	if _, err := p.Refresh(context.Background(), "i-1"); err == nil {
		t.Error("Refresh() with nil describer succeeded, want error")
	}
}

func TestInvalidate_ForcesRedescribe(t *testing.T) {
	calls := 0
	describe := func(ctx context.Context, id string) (VM, error) {
		calls++
		return VM{ID: id}, nil
	}
	p, _ := Open(t.TempDir(), describe)
	p.Add("i-1", "")
	p.Refresh(context.Background(), "i-1")
	p.Invalidate("i-1")
	p.Refresh(context.Background(), "i-1")
	if calls != 2 {
		t.Errorf("describe called %d times after Invalidate, want 2", calls)
	}
}

func TestRefresh_DescribeErrorNotCached(t *testing.T) {
	errBoom := errors.New("boom")
	calls := 0
	describe := func(ctx context.Context, id string) (VM, error) {
		calls++
		return VM{}, errBoom
	}
	p, _ := Open(t.TempDir(), describe)
	p.Add("i-1", "")
	if _, err := p.Refresh(context.Background(), "i-1"); !errors.Is(err, errBoom) {
		t.Fatalf("Refresh() error = %v, want %v", err, errBoom)
	}
	if !p.Contains("i-1") {
		t.Error("describe error evicted the ID from the pool, want kept")
	}
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestUpdate_PicksUpExternallyAddedID(t *testing.T) {
	dir := t.TempDir()
	p, _ := Open(dir, nil)

	other, _ := Open(dir, nil)
	other.Add("i-external", "")

	if err := p.Update(false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !p.Contains("i-external") {
		t.Error("Update(false) did not pick up an externally added ID")
	}
}

func TestUpdate_RemoveDropsMissingID(t *testing.T) {
	dir := t.TempDir()
	p, _ := Open(dir, nil)
	p.Add("i-1", "")

	other, _ := Open(dir, nil)
	other.Remove("i-1")

	if err := p.Update(true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if p.Contains("i-1") {
		t.Error("Update(true) kept an ID removed on disk")
	}
}

func TestUpdate_NoRemoveKeepsStaleID(t *testing.T) {
	dir := t.TempDir()
	p, _ := Open(dir, nil)
	p.Add("i-1", "")

	other, _ := Open(dir, nil)
	other.Remove("i-1")

	if err := p.Update(false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !p.Contains("i-1") {
		t.Error("Update(false) dropped an ID removed on disk, want kept")
	}
}
