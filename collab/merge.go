package collab

import (
	"fmt"
)

// document-level last-writer-wins. the merge always compares whole-document
// snapshots, never per-element diffs. this is a deliberate simplification,
// not a CRDT

type MergeDecision int

const (
	// the remote snapshot is strictly newer and replaces local state
	MergeNewer MergeDecision = iota
	// the remote snapshot is strictly older and is discarded
	// (out-of-order delivery after reconnect)
	MergeStale
	// equal versions with a pending local write. the local gesture wins,
	// under the assumption the user is actively interacting with it.
	// note the remote peer sharing the tie decides the same way for itself,
	// so the two sides can diverge until the next accepted write
	MergeTieLocalWins
	// equal versions with no local intent in flight. the remote snapshot applies
	MergeTieRemoteWins
)

func (self MergeDecision) String() string {
	switch self {
	case MergeNewer:
		return "newer"
	case MergeStale:
		return "stale"
	case MergeTieLocalWins:
		return "tie-local-wins"
	case MergeTieRemoteWins:
		return "tie-remote-wins"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// Apply is whether the remote snapshot should replace local state
func (self MergeDecision) Apply() bool {
	switch self {
	case MergeNewer, MergeTieRemoteWins:
		return true
	default:
		return false
	}
}

// decides whether a remote snapshot reconciles against local state.
// `localAuthored` is whether there is a not-yet-confirmed local write
// competing at the local version
func Reconcile(localVersion Version, localAuthored bool, remoteVersion Version) MergeDecision {
	if localVersion < remoteVersion {
		return MergeNewer
	}
	if remoteVersion < localVersion {
		return MergeStale
	}
	if localAuthored {
		return MergeTieLocalWins
	}
	return MergeTieRemoteWins
}
