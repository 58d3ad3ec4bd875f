package batch_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/mailflow/internal/batch"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
	return path
}

// newCorrelationIDFunc returns a generator standing in for
// instanceid.Instance.NewCorrelationID, minting a distinct id per call.
func newCorrelationIDFunc() func() string {
	n := 0
	return func() string {
		n++
		return "corr-" + itoa(n)
	}
}

func TestResolve_DomainFromFilename(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "msg__domain=ex.com__1.json", `{"mail_id":"m1"}`)

	selected, failures := batch.Resolve([]string{p}, 10, newCorrelationIDFunc())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(selected) != 1 || selected[0].Domain != "ex.com" {
		t.Fatalf("expected one batch for ex.com, got %+v", selected)
	}
}

func TestResolve_DomainFromAtPattern(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "alice@ex.com_1.json", `{"mail_id":"m1"}`)

	selected, failures := batch.Resolve([]string{p}, 10, newCorrelationIDFunc())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(selected) != 1 || selected[0].Domain != "ex.com" {
		t.Fatalf("expected one batch for ex.com, got %+v", selected)
	}
}

func TestResolve_DomainFromJSONField(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "plain.json", `{"mail_id":"m1","domain":"fallback.com"}`)

	selected, failures := batch.Resolve([]string{p}, 10, newCorrelationIDFunc())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(selected) != 1 || selected[0].Domain != "fallback.com" {
		t.Fatalf("expected one batch for fallback.com, got %+v", selected)
	}
}

func TestResolve_DomainFromUserIDFallback(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "plain.json", `{"mail_id":"m1","user_id":"bob@derived.com"}`)

	selected, failures := batch.Resolve([]string{p}, 10, newCorrelationIDFunc())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(selected) != 1 || selected[0].Domain != "derived.com" {
		t.Fatalf("expected one batch for derived.com, got %+v", selected)
	}
}

func TestResolve_TotalFailure_ReturnedSeparately(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "plain.json", `{"mail_id":"m1"}`)

	selected, failures := batch.Resolve([]string{p}, 10, newCorrelationIDFunc())
	if len(selected) != 0 {
		t.Fatalf("expected no batches, got %+v", selected)
	}
	if len(failures) != 1 || failures[0].Path != p {
		t.Fatalf("expected one resolution failure for %s, got %+v", p, failures)
	}
}

func TestResolve_GroupsAndChunksAtMax(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 51; i++ {
		paths = append(paths, writeFile(t, dir, filenameFor(i), `{"mail_id":"m"}`))
	}

	selected, failures := batch.Resolve(paths, 10, newCorrelationIDFunc())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(selected) != 2 {
		t.Fatalf("expected 51 files to split into 2 chunks, got %d", len(selected))
	}

	sizes := []int{len(selected[0].Paths), len(selected[1].Paths)}
	if !(sizes[0] == batch.Max && sizes[1] == 1) && !(sizes[1] == batch.Max && sizes[0] == 1) {
		t.Errorf("expected chunk sizes 50+1, got %v", sizes)
	}
}

func filenameFor(i int) string {
	return filepathJoin("domain=ex.com", i)
}

func filepathJoin(domain string, i int) string {
	return domain + "_" + itoa(i) + ".json"
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var out []byte
	for i > 0 {
		out = append([]byte{digits[i%10]}, out...)
		i /= 10
	}
	return string(out)
}

func TestResolve_CapacityLimitsSelection(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 20; i++ {
		paths = append(paths, writeFile(t, dir, "domain=a.com_"+itoa(i)+".json", `{}`))
	}
	for i := 0; i < 10; i++ {
		paths = append(paths, writeFile(t, dir, "domain=b.com_"+itoa(i)+".json", `{}`))
	}

	selected, failures := batch.Resolve(paths, 1, newCorrelationIDFunc())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(selected) != 1 {
		t.Fatalf("expected exactly one batch selected under capacity 1, got %d", len(selected))
	}
	if selected[0].Domain != "a.com" {
		t.Errorf("expected largest group (a.com, 20 files) selected first, got %s", selected[0].Domain)
	}
}

func TestResolve_TieBreakByAscendingDomain(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 5; i++ {
		paths = append(paths, writeFile(t, dir, "domain=zebra.com_"+itoa(i)+".json", `{}`))
	}
	for i := 0; i < 5; i++ {
		paths = append(paths, writeFile(t, dir, "domain=alpha.com_"+itoa(i)+".json", `{}`))
	}

	selected, failures := batch.Resolve(paths, 1, newCorrelationIDFunc())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(selected) != 1 || selected[0].Domain != "alpha.com" {
		t.Fatalf("expected tie broken toward alpha.com, got %+v", selected)
	}
}

func TestResolve_ZeroCapacity_SelectsNothing(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "domain=ex.com_1.json", `{}`)

	selected, failures := batch.Resolve([]string{p}, 0, newCorrelationIDFunc())
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(selected) != 0 {
		t.Errorf("expected no batches selected at zero capacity, got %+v", selected)
	}
}
