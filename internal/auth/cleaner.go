package auth

import (
	"context"
	"log"
	"time"
)

// StartTokenCleaner periodically deletes expired tokens. It runs until ctx is
// cancelled and performs one sweep immediately on start.
func (s *Service) StartTokenCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		s.cleanExpiredTokens(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanExpiredTokens(ctx)
			}
		}
	}()
}

func (s *Service) cleanExpiredTokens(ctx context.Context) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		log.Printf("auth: token cleanup failed: %v", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Printf("auth: removed %d expired tokens", n)
	}
}
