package infra

import (
	"sync"

	"github.com/remapd/remapd/internal/domain"
)

// PermissionCache implements domain.PermissionOracle over a snapshot
// pushed in by the application layer. The core only ever reads it;
// actual permission probing (Input Monitoring, Accessibility) is an
// external concern.
type PermissionCache struct {
	mu       sync.RWMutex
	snapshot domain.PermissionSnapshot
}

// NewPermissionCache starts with all permissions assumed granted; the
// app layer downgrades the snapshot when its checks say otherwise.
func NewPermissionCache() *PermissionCache {
	return &PermissionCache{
		snapshot: domain.PermissionSnapshot{
			InputMonitoringReady: true,
			AccessibilityReady:   true,
		},
	}
}

// Update replaces the cached snapshot.
func (c *PermissionCache) Update(snapshot domain.PermissionSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snapshot
}

// CurrentSnapshot returns the cached snapshot.
func (c *PermissionCache) CurrentSnapshot() domain.PermissionSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

var _ domain.PermissionOracle = (*PermissionCache)(nil)
