package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// State is the load state of one coordinator.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateLoaded        State = "loaded"
	StateFailed        State = "failed"
)

// SyncState is the sub-state of StateLoaded.
type SyncState string

const (
	SyncStateSynced  SyncState = "synced"
	SyncStatePending SyncState = "pending_sync"
)

// ConflictPolicy decides what happens when a realtime change arrives for a
// record that still has a local write waiting in the queue.
//
// The policy only governs the cached copy. Queued operations are replayed
// regardless, so the server sees the local write on the next sync.
type ConflictPolicy int

const (
	// NewestWins keeps whichever copy has the later updated_at. The server
	// copy wins ties.
	NewestWins ConflictPolicy = iota

	// ServerWins always takes the server copy.
	ServerWins

	// LocalPendingWins keeps the local copy until its queued write drains.
	LocalPendingWins
)

func (p ConflictPolicy) String() string {
	switch p {
	case NewestWins:
		return "newest-wins"
	case ServerWins:
		return "server-wins"
	case LocalPendingWins:
		return "local-pending-wins"
	}
	return fmt.Sprintf("ConflictPolicy(%d)", int(p))
}

// ParseConflictPolicy accepts the String form of a policy.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "newest-wins":
		return NewestWins, nil
	case "server-wins":
		return ServerWins, nil
	case "local-pending-wins":
		return LocalPendingWins, nil
	}
	return NewestWins, fmt.Errorf("unknown conflict policy %q (want newest-wins, server-wins or local-pending-wins)", s)
}

// keepLocal reports whether a pending local copy survives an incoming server
// copy.
func (p ConflictPolicy) keepLocal(local, server schema.Variant) bool {
	switch p {
	case ServerWins:
		return false
	case LocalPendingWins:
		return true
	}
	return local.UpdatedAt().After(server.UpdatedAt())
}

// LoadResult is what Load returns.
type LoadResult[E schema.Record] struct {
	Items []E

	// FromCache is true when no remote fetch succeeded.
	FromCache bool

	// UsingCachedData is true when fresh data was wanted but could not be
	// fetched, either because the device is offline or the fetch failed.
	UsingCachedData bool

	// Warning is a user-presentable explanation when UsingCachedData is set.
	Warning string
}

// Snapshot is a point-in-time view of a coordinator.
type Snapshot struct {
	EntityType schema.EntityType `json:"entity_type" yaml:"entity_type"`
	Owner      string            `json:"owner" yaml:"owner"`
	State      State             `json:"state" yaml:"state"`
	Sync       SyncState         `json:"sync" yaml:"sync"`
	Degraded   bool              `json:"degraded" yaml:"degraded"`
	Items      int               `json:"items" yaml:"items"`
	Pending    int               `json:"pending" yaml:"pending"`
	Realtime   bool              `json:"realtime" yaml:"realtime"`
	LastLoad   time.Time         `json:"last_load,omitempty" yaml:"last_load,omitempty"`
	LastSync   time.Time         `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	Warning    string            `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// Label renders the state with its sub-state, e.g. "loaded/pending_sync".
func (s Snapshot) Label() string {
	if s.State != StateLoaded {
		return string(s.State)
	}
	label := string(s.State) + "/" + string(s.Sync)
	if s.Degraded {
		label += " (cached)"
	}
	return label
}
