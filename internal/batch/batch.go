// Package batch groups pending message files by domain and selects which
// groups to enqueue under a given queue capacity.
//
// Domain resolution tries the filename first (cheap, no I/O), then falls
// back to opening the file. A file whose domain cannot be resolved by any
// means is reported separately as a ResolutionFailure rather than being
// silently bucketed under an "unknown" domain — it is routed straight to
// buggy/ by the orchestrator without ever entering the queue.
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/snehjoshi/mailflow/internal/message"
)

// Max is the largest number of files a single batch may carry.
const Max = 50

var (
	domainEqualsRe = regexp.MustCompile(`domain=([A-Za-z0-9.-]+)`)
	domainAtRe     = regexp.MustCompile(`@([A-Za-z0-9.-]+)`)
)

// Batch is a set of file paths destined for the same domain's tenant.
// CorrelationID is a fresh ULID minted at selection time, threaded through
// the Stager/Ledger/Vector Sink log lines for this batch's lifetime.
type Batch struct {
	Domain        string
	Paths         []string
	CorrelationID string
}

// ResolutionFailure names a file whose domain could not be resolved by
// filename or file content.
type ResolutionFailure struct {
	Path string
	Err  error
}

// Resolve groups paths returns the batches selected for enqueue under the
// given queue capacity, plus the files whose domain could not be resolved at
// all. It never returns more than capacity batches. newCorrelationID mints
// each selected batch's CorrelationID — the Orchestrator passes its
// *instanceid.Instance's NewCorrelationID method so every batch's id is drawn
// from that one process's entropy source.
func Resolve(paths []string, capacity int, newCorrelationID func() string) (selected []Batch, failures []ResolutionFailure) {
	grouped, failures := groupByDomain(paths)
	chunks := chunkGroups(grouped)
	selected = selectChunks(chunks, capacity, newCorrelationID)
	return selected, failures
}

// groupByDomain resolves each path's domain and groups paths by it. Paths
// whose domain cannot be resolved are returned separately as failures.
func groupByDomain(paths []string) (map[string][]string, []ResolutionFailure) {
	groups := make(map[string][]string)
	var failures []ResolutionFailure

	for _, p := range paths {
		domain, err := resolveDomain(p)
		if err != nil {
			failures = append(failures, ResolutionFailure{Path: p, Err: err})
			continue
		}
		groups[domain] = append(groups[domain], p)
	}
	return groups, failures
}

// resolveDomain tries the filename patterns first, then falls back to
// reading the file's JSON body.
func resolveDomain(path string) (string, error) {
	if d := domainFromFilename(path); d != "" {
		return d, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("batch: read %s: %w", path, err)
	}

	var rec struct {
		Domain string `json:"domain"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("batch: parse %s: %w", path, err)
	}
	if rec.Domain != "" {
		return rec.Domain, nil
	}
	if d := message.DomainFromUserID(rec.UserID); d != "" {
		return d, nil
	}
	return "", fmt.Errorf("batch: %s: no domain in filename, domain field, or user_id", path)
}

// domainFromFilename tries `domain=<value>` first, then `@<value>`. The
// value ends at the first character outside [A-Za-z0-9.-] (such as `_`),
// and a trailing `.json` extension is not part of it. Returns "" if neither
// pattern matches.
func domainFromFilename(path string) string {
	if m := domainEqualsRe.FindStringSubmatch(path); m != nil {
		return strings.TrimSuffix(m[1], ".json")
	}
	if m := domainAtRe.FindStringSubmatch(path); m != nil {
		return strings.TrimSuffix(m[1], ".json")
	}
	return ""
}

// chunk is one domain's paths split to at most Max entries, prior to
// selection.
type chunk struct {
	domain string
	paths  []string
}

// chunkGroups splits each domain's path list into chunks of at most Max.
func chunkGroups(grouped map[string][]string) []chunk {
	var chunks []chunk
	for domain, paths := range grouped {
		for start := 0; start < len(paths); start += Max {
			end := start + Max
			if end > len(paths) {
				end = len(paths)
			}
			chunks = append(chunks, chunk{domain: domain, paths: paths[start:end]})
		}
	}
	return chunks
}

// selectChunks picks chunks greedily by descending size until capacity is
// exhausted, breaking ties by ascending domain name for determinism.
func selectChunks(chunks []chunk, capacity int, newCorrelationID func() string) []Batch {
	if capacity <= 0 {
		return nil
	}

	sort.Slice(chunks, func(i, j int) bool {
		if len(chunks[i].paths) != len(chunks[j].paths) {
			return len(chunks[i].paths) > len(chunks[j].paths)
		}
		return chunks[i].domain < chunks[j].domain
	})

	n := capacity
	if n > len(chunks) {
		n = len(chunks)
	}

	out := make([]Batch, 0, n)
	for _, c := range chunks[:n] {
		out = append(out, Batch{Domain: c.domain, Paths: c.paths, CorrelationID: newCorrelationID()})
	}
	return out
}
