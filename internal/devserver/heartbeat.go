package devserver

import (
	"time"

	"github.com/voltwork/messaging/internal/transport"
)

// StartHeartbeat begins a background goroutine that periodically checks all
// peers. It returns immediately; the goroutine exits when the server is
// closed. A zero interval disables it.
func (s *Server) StartHeartbeat() {
	if s.config.HeartbeatInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkPeers(time.Now())
			}
		}
	}()
}

// checkPeers evicts polling peers that have not polled within Interval +
// Timeout and sends a WebSocket ping to the rest. A WebSocket whose ping
// cannot be written is evicted too. NATS peers announce their departure and
// are left alone.
func (s *Server) checkPeers(now time.Time) {
	deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout

	for _, p := range s.allPeers() {
		switch p.Transport() {
		case transport.NamePolling:
			if idle := p.idle(now); idle > deadline {
				s.logger.Info().
					Str("sid", p.ID).
					Dur("idle", idle.Round(time.Second)).
					Msg("heartbeat timeout")
				s.removePeer(p)
			}
		case transport.NameWebSocket:
			if err := p.WritePing(); err != nil {
				s.logger.Info().Err(err).Str("sid", p.ID).Msg("heartbeat ping failed")
				s.removePeer(p)
			}
		}
	}
}
