package lidkaart

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// rateLimitedLogger emits at most one event per interval and reports how
// many were suppressed in between.
type rateLimitedLogger struct {
	log zerolog.Logger

	mu         sync.Mutex
	lastAt     time.Time
	suppressed int
	interval   time.Duration
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(op string, err error) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	l.log.Warn().Err(err).Str("op", op).Int("suppressed", suppressed).Msg("cache layer error")
}
