package lidkaart

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestRateLimitedLoggerSuppressesBursts(t *testing.T) {
	var buf bytes.Buffer
	l := newRateLimitedLogger(zerolog.New(&buf), time.Hour)

	for i := 0; i < 5; i++ {
		l.Warn("put-static", errors.New("disk full"))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"op":"put-static"`)
	assert.Equal(t, 4, l.suppressed)
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, StatsSnapshot{}, s.Snapshot())

	for _, n := range []int{100, 300, 200, -5} {
		s.Observe(n)
	}
	assert.Equal(t, StatsSnapshot{Responses: 4, MinBytes: 0, AvgBytes: 150, MaxBytes: 300}, s.Snapshot())
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5mb", formatBytes(1536*1024))
	assert.Equal(t, "2gb", formatBytes(2<<30))
}
