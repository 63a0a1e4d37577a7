package session

import (
	"context"
	"time"
)

// ExpireCallback is called for every session the sweeper removes.
type ExpireCallback func(userID, sessionID string)

// StartSweeper runs a background goroutine that periodically removes
// sessions idle for longer than ttl, then users left without sessions.
// Sessions with an exchange in flight are never removed.
func (s *Service) StartSweeper(ctx context.Context, ttl, interval time.Duration, onExpire ExpireCallback) {
	if ttl <= 0 {
		s.logger.Info("Session sweeper disabled", "ttl", ttl)
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				s.sweepIdleSessions(ctx, ttl, onExpire)
			case <-ctx.Done():
				s.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (s *Service) sweepIdleSessions(ctx context.Context, ttl time.Duration, onExpire ExpireCallback) int {
	idle, err := s.repo.GetIdleSessions(ctx, ttl)
	if err != nil {
		s.logger.Error("Session sweeper failed to list idle sessions", "error", err)
		return 0
	}

	removed := 0
	for _, sess := range idle {
		if s.expireSession(ctx, sess.UserID, sess.SessionID) {
			removed++
			if onExpire != nil {
				onExpire(sess.UserID, sess.SessionID)
			}
		}
	}
	if removed > 0 {
		s.logger.Info("Session sweeper removed idle sessions", "count", removed)
	}

	if deleted, err := s.repo.DeleteIdleUsers(ctx, ttl); err != nil {
		s.logger.Error("Session sweeper failed to delete idle users", "error", err)
	} else if deleted > 0 {
		s.logger.Info("Session sweeper removed idle users", "count", deleted)
	}
	return removed
}

// expireSession deletes one idle session while holding its in-flight
// slot, so a running exchange keeps its session until it has recorded
// the reply.
func (s *Service) expireSession(ctx context.Context, userID, sessionID string) bool {
	release, err := s.acquire(userID, sessionID)
	if err != nil {
		s.logger.Debug("Session sweeper skipped busy session", "user_id", userID, "session_id", sessionID)
		return false
	}
	defer release()

	if err := s.repo.DeleteSession(ctx, userID, sessionID); err != nil {
		s.logger.Warn("Session sweeper failed to delete session",
			"error", err,
			"user_id", userID,
			"session_id", sessionID)
		return false
	}
	return true
}
