package session

import (
	"fmt"

	"sshsync/pkg/auth"
	"sshsync/pkg/metrics"
	"sshsync/pkg/protocol"

	"go.uber.org/zap"
)

// start classifies the connection: members go straight to sync, anyone
// else is challenged with our hello.
func (s *Session) start() error {
	if s.members.IsMember(s.Peer()) {
		s.logger.Debug("Known peer connected")
		return s.enterSync()
	}

	s.logger.Debug("Unknown peer connected, sending hello")
	s.phase.Store(int32(PhaseChallenged))
	return s.sendHello()
}

func (s *Session) sendHello() error {
	payload, err := auth.SignHello(s.members.Access())
	if err != nil {
		return fmt.Errorf("failed to sign hello: %w", err)
	}
	s.sentHello = true
	return s.Send(protocol.Hello(payload))
}

// handleChallenged waits for a hello proving knowledge of the shared secret.
// Anything else is ignored until then.
func (s *Session) handleChallenged(msg protocol.Message) error {
	if msg.Kind != protocol.KindHello {
		s.logger.Debug("Dropping message from unverified peer", zap.Stringer("kind", msg.Kind))
		return nil
	}

	if err := auth.VerifyHello(s.members.Access().Public, msg.Hello); err != nil {
		s.phase.Store(int32(PhaseRejected))
		s.metrics.Handshakes.WithLabelValues(metrics.ResultRejected).Inc()
		s.logger.Warn("Rejecting peer", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	added, err := s.members.AddMember(s.Peer())
	if err != nil {
		return fmt.Errorf("%w: failed to add member: %w", ErrStorage, err)
	}
	if added {
		s.metrics.Members.Inc()
		s.logger.Info("Added peer to group")
	}
	s.metrics.Handshakes.WithLabelValues(metrics.ResultAccepted).Inc()

	return s.enterSync()
}

// answerHello handles a hello on an already verified connection. The peer
// is challenging us, which happens when it lost track of us while we still
// know it. Without an answer it would drop everything we send.
func (s *Session) answerHello() error {
	if s.sentHello {
		return nil
	}

	s.logger.Debug("Answering hello from verified peer")
	if err := s.sendHello(); err != nil {
		return err
	}
	return s.announce()
}
