// Package instanceid manages a persistent identity for this mailflow process
// and mints the correlation ids batches carry through the Stager, Ledger,
// and Vector Sink log lines for one run's lifetime.
//
// A process has a ULID generated on first start and stored in the data
// directory, stable across restarts. Unlike a process identity, a
// correlation id is minted fresh per batch, many times over the process's
// life — so the Instance also owns a single monotone ULID entropy source and
// mints every correlation id for that process through it. This keeps
// per-process log correlation (the stable id) and per-batch log correlation
// (the fresh ids) on one shared entropy source instead of two independent
// generators, and means a batch's correlation id is always lexicographically
// ordered relative to every other id minted by the same process — useful
// when sorting a day's log lines by correlation id within one instance_id.
package instanceid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const idFile = "instance_id"

// ID is a ULID string that uniquely identifies a mailflow process.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Instance holds the persistent identity of this process and the entropy
// source it mints fresh correlation ids from. Not safe for concurrent
// NewCorrelationID calls from more than one goroutine without its own
// internal locking, which it provides.
type Instance struct {
	id      ID
	dataDir string

	entropyMu sync.Mutex
	entropy   io.Reader
}

// New returns an Instance whose ID is loaded from dataDir/instance_id.
// If the file does not exist a new ULID is generated and written.
func New(dataDir string) (*Instance, error) {
	if dataDir == "" {
		return nil, errors.New("instanceid: dataDir must not be empty")
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("instanceid: create data dir: %w", err)
	}

	inst := &Instance{
		dataDir: dataDir,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}

	id, err := inst.loadOrGenerate()
	if err != nil {
		return nil, err
	}
	inst.id = id
	return inst, nil
}

// ID returns the process's stable ULID string.
func (n *Instance) ID() ID { return n.id }

// DataDir returns the root data directory backing this instance.
func (n *Instance) DataDir() string { return n.dataDir }

// loadOrGenerate reads the instance ID from disk, creating a new one if
// absent. Called once from New, before n.id is readable by any other
// goroutine, so it does not need entropyMu for that invariant — it takes the
// lock anyway because it shares the entropy source with NewCorrelationID.
func (n *Instance) loadOrGenerate() (ID, error) {
	path := filepath.Join(n.dataDir, idFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := validateULID(id); err != nil {
			return "", fmt.Errorf("instanceid: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("instanceid: read id file: %w", err)
	}

	id, err := n.newULID()
	if err != nil {
		return "", fmt.Errorf("instanceid: generate id: %w", err)
	}

	if err := os.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("instanceid: persist id: %w", err)
	}

	return ID(id), nil
}

// newULID mints a time-ordered ULID from this instance's shared monotone
// entropy source. The mutex ensures monotonicity across concurrent callers.
func (n *Instance) newULID() (string, error) {
	n.entropyMu.Lock()
	defer n.entropyMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, n.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// validateULID returns an error if s is not a well-formed ULID string.
func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewCorrelationID mints a fresh ULID for one batch's lifetime, drawn from
// this instance's entropy source. Safe for concurrent use by the Orchestrator
// and any number of in-flight batch selections.
func (n *Instance) NewCorrelationID() string {
	id, err := n.newULID()
	if err != nil {
		panic(fmt.Sprintf("instanceid: NewCorrelationID: %v", err))
	}
	return id
}
