package shared

import "fmt"

// HubSyncLockKey builds the redis key serialising offline-order
// reconciliation for one hub.
func HubSyncLockKey(hubID int64) string {
	return fmt.Sprintf("fieldline:hub:%d:sync:lock", hubID)
}
