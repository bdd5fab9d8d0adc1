package cache

import "fmt"

// Sync state names surfaced to the UI.
const (
	StateSynced  = "synced"
	StateSyncing = "syncing"
	StateOffline = "offline"
	StateError   = "error"
)

// DeriveSyncState computes the user-visible sync state from the observable
// fields, checking them in precedence order: offline first, then an active
// run, then outstanding queued changes, then the last run's error. A pure
// function of its inputs.
func DeriveSyncState(isOnline, isSyncing bool, pendingCount int, syncError string) string {
	switch {
	case !isOnline:
		return StateOffline
	case isSyncing:
		return StateSyncing
	case pendingCount > 0:
		return fmt.Sprintf("pending(%d)", pendingCount)
	case syncError != "":
		return StateError
	}
	return StateSynced
}
