package sessions

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lanmeet/lanmeet/internal/core"
	"github.com/lanmeet/lanmeet/internal/protocol"
	"github.com/lanmeet/lanmeet/internal/telemetry"
)

// StartMonitor runs the liveness monitor until Close. Each pass pushes a
// server heartbeat to every client and evicts sessions idle past the
// threshold; a failed heartbeat write counts as a dead connection. Eviction
// uses the same path as explicit disconnect, so racing with one is safe.
func (s *Store) StartMonitor() {
	go func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep is one monitor pass. The lock is held only while snapshotting.
func (s *Store) sweep() {
	now := s.clock()

	s.mu.Lock()
	stale := make([]core.SessionKey, 0)
	live := make([]*session, 0, len(s.byKey))
	for key, sess := range s.byKey {
		if now.Sub(sess.lastSeen) > s.idleTimeout {
			sess.state = core.LivenessStale
			stale = append(stale, key)
			continue
		}
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, key := range stale {
		log.Warn().Str("service", "sessions").Str("key", string(key)).Msg("heartbeat timeout, evicting session")
		telemetry.ServiceOperationCounter.WithLabelValues("heartbeat", "error", "idle_timeout").Add(1)
		s.Evict(key)
	}

	for _, sess := range live {
		if err := sess.send(protocol.Heartbeat, nil); err != nil {
			log.Warn().Err(err).Str("service", "sessions").Str("username", sess.username).Msg("heartbeat push failed, evicting session")
			s.Evict(sess.key)
		}
	}
}
