package lidkaart

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// statsCollector tracks sizes of responses served from or into the cache.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	n := uint64(max(respBytes, 0))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for cur := s.minRespBytes.Load(); n < cur; cur = s.minRespBytes.Load() {
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for cur := s.maxRespBytes.Load(); n > cur; cur = s.maxRespBytes.Load() {
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	Responses uint64 `json:"responses"`
	MinBytes  uint64 `json:"minBytes"`
	AvgBytes  uint64 `json:"avgBytes"`
	MaxBytes  uint64 `json:"maxBytes"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return StatsSnapshot{}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return StatsSnapshot{
		Responses: count,
		MinBytes:  minv,
		AvgBytes:  s.totalRespBytes.Load() / count,
		MaxBytes:  s.maxRespBytes.Load(),
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			dyn, _ := s.store.Keys(ctx, s.cfg.DynamicNamespace())
			static, _ := s.store.Keys(ctx, s.cfg.StaticNamespace())
			cancel()
			ss := s.engine.Stats()
			ev := s.log.Info().
				Int("dynamic_entries", len(dyn)).
				Int("static_entries", len(static))
			if n := storeBytes(s.store); n >= 0 {
				ev = ev.Str("store_size", formatBytes(uint64(n)))
			}
			ev.
				Str("resp_min", formatBytes(ss.MinBytes)).
				Str("resp_avg", formatBytes(ss.AvgBytes)).
				Str("resp_max", formatBytes(ss.MaxBytes)).
				Msg("cache stats")
		}
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
