package session

import (
	"fmt"

	"sshsync/pkg/metrics"
	"sshsync/pkg/protocol"

	"go.uber.org/zap"
)

func (s *Session) enterSync() error {
	s.phase.Store(int32(PhaseVerified))
	return s.announce()
}

// announce tells the peer the mtime of our config
func (s *Session) announce() error {
	return s.Send(protocol.Mtime(s.state.Local().Mtime))
}

func (s *Session) handleVerified(msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindHello:
		return s.answerHello()

	case protocol.KindMtime:
		local := s.state.Local()
		if !local.NewerThan(msg.Mtime) {
			return nil
		}
		s.logger.Debug("Peer is behind, sending config",
			zap.Time("theirs", msg.Mtime),
			zap.Time("ours", local.Mtime))
		if err := s.Send(protocol.SSH(local)); err != nil {
			return err
		}
		s.metrics.ConfigsSent.Inc()
		return nil

	case protocol.KindSSH:
		applied, err := s.state.ApplyRemote(msg.SSH)
		if err != nil {
			return fmt.Errorf("%w: failed to apply config: %w", ErrStorage, err)
		}
		if !applied {
			s.metrics.ConfigsReceived.WithLabelValues(metrics.ResultStale).Inc()
			s.logger.Debug("Discarding config that is not newer", zap.Time("mtime", msg.SSH.Mtime))
			return nil
		}
		s.metrics.ConfigsReceived.WithLabelValues(metrics.ResultApplied).Inc()
		s.logger.Info("Applied config from peer", zap.Time("mtime", msg.SSH.Mtime))
		return nil
	}

	return nil
}
