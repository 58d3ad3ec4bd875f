package tenantcache_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/mailflow/internal/tenantcache"
)

func TestEnsure_FirstCallReturnsTrue(t *testing.T) {
	dir := t.TempDir()
	c, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	created, err := c.Ensure("example.com")
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if !created {
		t.Error("expected first Ensure() to return true")
	}
}

func TestEnsure_SecondCallReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	c, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := c.Ensure("example.com"); err != nil {
		t.Fatalf("first Ensure() error: %v", err)
	}

	created, err := c.Ensure("example.com")
	if err != nil {
		t.Fatalf("second Ensure() error: %v", err)
	}
	if created {
		t.Error("expected second Ensure() to return false")
	}
}

func TestEnsure_EmptyDomain_ReturnsError(t *testing.T) {
	dir := t.TempDir()
	c, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := c.Ensure(""); err == nil {
		t.Error("expected error for empty domain")
	}
}

func TestHas_UnknownDomain_ReturnsFalse(t *testing.T) {
	dir := t.TempDir()
	c, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if c.Has("unknown.com") {
		t.Error("expected Has() to return false for unknown domain")
	}
}

func TestHas_EnsuredDomain_ReturnsTrue(t *testing.T) {
	dir := t.TempDir()
	c, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if _, err := c.Ensure("example.com"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if !c.Has("example.com") {
		t.Error("expected Has() to return true after Ensure()")
	}
}

func TestNew_PersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	c1, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("first New() error: %v", err)
	}
	if _, err := c1.Ensure("example.com"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	c2, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("second New() error: %v", err)
	}
	if !c2.Has("example.com") {
		t.Error("expected domain to persist across restarts")
	}
}

func TestNew_StoresFileInDataDir(t *testing.T) {
	dir := t.TempDir()
	c, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := c.Ensure("example.com"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "tenant_cache.json")); err != nil {
		t.Errorf("expected tenant_cache.json to exist: %v", err)
	}
}

func TestRemove_ForcesReEnsure(t *testing.T) {
	dir := t.TempDir()
	c, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := c.Ensure("example.com"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	if err := c.Remove("example.com"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if c.Has("example.com") {
		t.Error("expected domain to be forgotten after Remove()")
	}

	created, err := c.Ensure("example.com")
	if err != nil {
		t.Fatalf("Ensure() after Remove() error: %v", err)
	}
	if !created {
		t.Error("expected Ensure() after Remove() to return true")
	}
}

func TestRemove_UnknownDomain_NoError(t *testing.T) {
	dir := t.TempDir()
	c, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := c.Remove("never-seen.com"); err != nil {
		t.Errorf("expected no error removing unknown domain, got: %v", err)
	}
}

func TestDomains_SortedAlphabetically(t *testing.T) {
	dir := t.TempDir()
	c, err := tenantcache.New(dir)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	for _, d := range []string{"zebra.com", "alpha.com", "mid.com"} {
		if _, err := c.Ensure(d); err != nil {
			t.Fatalf("Ensure(%s) error: %v", d, err)
		}
	}

	got := c.Domains()
	want := []string{"alpha.com", "mid.com", "zebra.com"}
	if len(got) != len(want) {
		t.Fatalf("Domains() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Domains()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
