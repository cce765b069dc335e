package lidkaart

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SyncDispatched = "dispatched"
	SyncPending    = "pending"
)

type SyncResult struct {
	ID      string `json:"id"`
	Tag     string `json:"tag"`
	Status  string `json:"status"`
	Deleted int    `json:"deleted"`
}

// syncManager holds background sync registrations until the origin is
// reachable, then dispatches them to the engine. Registering a tag that is
// already pending coalesces into the existing registration.
type syncManager struct {
	engine  *Engine
	fetcher Fetcher
	probe   string
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]string // tag -> registration id
}

func newSyncManager(engine *Engine, fetcher Fetcher, probe string, log zerolog.Logger) *syncManager {
	return &syncManager{
		engine:  engine,
		fetcher: fetcher,
		probe:   probe,
		log:     log,
		pending: map[string]string{},
	}
}

func (m *syncManager) Register(ctx context.Context, tag string) (SyncResult, error) {
	m.mu.Lock()
	id, ok := m.pending[tag]
	if !ok {
		id = uuid.NewString()
	}
	m.mu.Unlock()

	if !m.online(ctx) {
		m.mu.Lock()
		m.pending[tag] = id
		m.mu.Unlock()
		m.log.Info().Str("tag", tag).Str("id", id).Msg("sync registered, origin unreachable")
		return SyncResult{ID: id, Tag: tag, Status: SyncPending}, nil
	}

	n, err := m.engine.Sync(ctx, tag)
	if err != nil {
		return SyncResult{}, err
	}
	m.mu.Lock()
	delete(m.pending, tag)
	m.mu.Unlock()
	return SyncResult{ID: id, Tag: tag, Status: SyncDispatched, Deleted: n}, nil
}

// Pending lists the tags waiting for connectivity.
func (m *syncManager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for tag := range m.pending {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// retryPending dispatches every pending tag if the origin answers the probe.
func (m *syncManager) retryPending(ctx context.Context) []SyncResult {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return nil
	}
	regs := make(map[string]string, len(m.pending))
	for tag, id := range m.pending {
		regs[tag] = id
	}
	m.mu.Unlock()

	if !m.online(ctx) {
		return nil
	}

	var out []SyncResult
	for tag, id := range regs {
		n, err := m.engine.Sync(ctx, tag)
		if err != nil {
			m.log.Warn().Err(err).Str("tag", tag).Msg("pending sync failed, will retry")
			continue
		}
		m.mu.Lock()
		if m.pending[tag] == id {
			delete(m.pending, tag)
		}
		m.mu.Unlock()
		out = append(out, SyncResult{ID: id, Tag: tag, Status: SyncDispatched, Deleted: n})
	}
	return out
}

func (m *syncManager) online(ctx context.Context) bool {
	_, err := m.fetcher.Fetch(ctx, &Request{
		Method: http.MethodGet,
		URL:    m.probe,
		Header: http.Header{},
	})
	return err == nil
}

func (s *Service) syncLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			for _, res := range s.sync.retryPending(ctx) {
				s.log.Info().Str("tag", res.Tag).Str("id", res.ID).Int("deleted", res.Deleted).Msg("pending sync dispatched")
			}
			cancel()
		}
	}
}
