package lidkaart

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
)

// errEntryTooLarge is returned by Put when a single entry exceeds the
// store's size bound.
var errEntryTooLarge = errors.New("entry larger than store bound")

// CacheStore is a set of named namespaces, each mapping a request key to a
// stored response. Implementations are safe for concurrent use. Put creates
// the namespace if it does not exist yet.
type CacheStore interface {
	Get(ctx context.Context, ns, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, ns, key string, ent CacheEntry) error
	DeleteMatching(ctx context.Context, ns string, match func(key string) bool) (int, error)
	Keys(ctx context.Context, ns string) ([]string, error)
	Namespaces(ctx context.Context) ([]string, error)
	DeleteNamespace(ctx context.Context, ns string) (bool, error)
	Close() error
}

// sizedStore is implemented by backends that track their own size in bytes.
type sizedStore interface {
	TotalSize() int64
}

// storeBytes reports the size of s, or -1 when the backend does not track it.
func storeBytes(s CacheStore) int64 {
	if ss, ok := s.(sizedStore); ok {
		return ss.TotalSize()
	}
	return -1
}

// OpenStore builds the backend selected by cfg.Storage.Backend.
func OpenStore(cfg Config) (CacheStore, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return newMemoryStore(cfg.ramMaxBytes), nil
	case "leveldb":
		return newLevelDBStore(cfg.Storage.LevelDB.Path, cfg.levelDBMaxBytes)
	case "redis":
		return newRedisStore(cfg)
	default:
		return nil, fmt.Errorf("storage.backend %q: %w", cfg.Storage.Backend, ErrUnknownBackend)
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
