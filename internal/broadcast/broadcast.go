// Package broadcast layers a per-connection circuit breaker on top of the
// session registry's fan-out, so a single wedged or slow transport cannot
// degrade delivery to the rest of an event's sessions.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"lyricfollow/server/internal/metrics"
	"lyricfollow/server/internal/protocol"
	"lyricfollow/server/internal/registry"
)

// Circuit breaker tuning. DISPLAY_UPDATE/TRANSCRIPT_UPDATE frames are far
// less frequent than the teacher's 50fps voice datagrams, so both the trip
// threshold and the probe cadence are proportionally smaller: a handful of
// consecutive failed deliveries is already a strong signal the transport is
// gone, and a dead breaker should get a recovery probe reasonably often.
const (
	breakerThreshold     uint32 = 8
	breakerProbeInterval uint32 = 4
)

// health tracks consecutive delivery failures for one connection and
// implements the skip/probe circuit breaker.
type health struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

func (h *health) shouldSkip() bool {
	if h.failures.Load() < breakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%breakerProbeInterval != 0
}

func (h *health) recordFailure() (justTripped bool) {
	return h.failures.Add(1) == breakerThreshold
}

func (h *health) recordSuccess() (wasTripped bool) {
	wasTripped = h.failures.Swap(0) >= breakerThreshold
	if wasTripped {
		h.skips.Store(0)
	}
	return wasTripped
}

// Fabric publishes messages to the sessions bound to an event, skipping
// connections whose breaker is open.
type Fabric struct {
	reg    *registry.Registry
	logger *slog.Logger

	mu      sync.Mutex
	healthy map[string]*health
}

// New builds a Fabric over reg.
func New(reg *registry.Registry, logger *slog.Logger) *Fabric {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fabric{reg: reg, logger: logger, healthy: make(map[string]*health)}
}

func (f *Fabric) healthFor(connID string) *health {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.healthy[connID]
	if !ok {
		h = &health{}
		f.healthy[connID] = h
	}
	return h
}

// Forget drops connID's breaker state, called when its session unbinds.
func (f *Fabric) Forget(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.healthy, connID)
}

// Publish delivers msg to every active session bound to eventID except
// exceptConnID, honouring each connection's circuit breaker. It returns the
// number of connections the message was actually handed to.
func (f *Fabric) Publish(eventID string, msg protocol.Message, exceptConnID string) int {
	connIDs := f.reg.ConnIDsForEvent(eventID)
	sent := 0
	skipped := 0
	for _, connID := range connIDs {
		if connID == exceptConnID {
			continue
		}
		if !f.reg.IsActive(connID) {
			skipped++
			continue
		}
		h := f.healthFor(connID)
		if h.shouldSkip() {
			skipped++
			continue
		}
		if f.reg.SendTo(connID, msg) {
			if h.recordSuccess() {
				f.logger.Info("connection recovered", "conn_id", connID, "event_id", eventID)
				metrics.RecordBreakerRecovery(eventID)
			}
			sent++
		} else {
			if h.recordFailure() {
				metrics.RecordBreakerTrip(eventID)
			}
		}
	}
	if skipped > 0 {
		f.logger.Debug("broadcast skipped breaker-open connections", "event_id", eventID, "skipped", skipped)
	}
	return sent
}

// PublishTo delivers msg to a single connection, bypassing the event fan-out
// but still tracked by that connection's breaker.
func (f *Fabric) PublishTo(connID string, msg protocol.Message) bool {
	h := f.healthFor(connID)
	if h.shouldSkip() {
		return false
	}
	if f.reg.SendTo(connID, msg) {
		h.recordSuccess()
		return true
	}
	h.recordFailure()
	return false
}
