// Package handlers implements the REST API endpoint handlers for
// crappydns's read-only admin surface: health, process stats, the
// upstream list, and a trusted-network membership probe.
package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jroosing/crappydns/internal/config"
	"github.com/jroosing/crappydns/internal/database"
	"github.com/jroosing/crappydns/internal/hosts"
	"github.com/jroosing/crappydns/internal/server"
	"github.com/jroosing/crappydns/internal/sessionmgr"
	"github.com/jroosing/crappydns/internal/trustednet"
)

// Handler contains dependencies for API handlers.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	startTime time.Time

	// Runtime components, set once the relay has started (internal/server.Runner).
	mu           sync.RWMutex
	manager      *sessionmgr.Manager
	trusted      *trustednet.Table
	index        *hosts.Index
	dnsStatsFunc func() server.DNSStatsSnapshot
	store        *database.DB
}

// New creates a new Handler with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetRuntime wires the live relay components the admin endpoints report
// on. Called once, after internal/server.Runner finishes building them.
func (h *Handler) SetRuntime(mgr *sessionmgr.Manager, trusted *trustednet.Table, idx *hosts.Index, dnsStats *server.DNSStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manager = mgr
	h.trusted = trusted
	h.index = idx
	if dnsStats != nil {
		h.dnsStatsFunc = dnsStats.Snapshot
	}
}

func (h *Handler) runtime() (*sessionmgr.Manager, *trustednet.Table, *hosts.Index) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.manager, h.trusted, h.index
}

// SetStore wires the optional mirrored-state database (api.store_path).
// Called once, from cmd/crappydns, if persistence is enabled.
func (h *Handler) SetStore(store *database.DB) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = store
}

func (h *Handler) storeDB() *database.DB {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.store
}
