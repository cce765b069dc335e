package lidkaart

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var errStoreClosed = errors.New("store closed")

// Key layout:
//
//	n:<ns>            namespace marker
//	e:<ns>\x00<key>   gob(CacheEntry)
//	m:<ns>\x00<key>   gob(diskMeta)
const nsSep = "\x00"

type diskMeta struct {
	Size     int64
	StoredAt int64
}

type diskOp struct {
	apply func() error
	done  chan error
}

type leveldbStore struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[ramKey]diskMeta
	totalSize int64

	closeOnce sync.Once
	closed    chan struct{}
	ops       chan diskOp
	done      chan struct{}
}

func newLevelDBStore(path string, maxBytes int64) (*leveldbStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &leveldbStore{
		maxBytes: maxBytes,
		db:       db,
		index:    map[ramKey]diskMeta{},
		closed:   make(chan struct{}),
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func entryKey(ns, key string) []byte { return []byte("e:" + ns + nsSep + key) }
func metaKey(ns, key string) []byte  { return []byte("m:" + ns + nsSep + key) }
func nsKey(ns string) []byte         { return []byte("n:" + ns) }

func (d *leveldbStore) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[ramKey]diskMeta{}
	for it.Next() {
		ns, key, ok := strings.Cut(string(bytes.TrimPrefix(it.Key(), []byte("m:"))), nsSep)
		if !ok {
			continue
		}
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[ramKey{ns, key}] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *leveldbStore) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *leveldbStore) Get(_ context.Context, ns, key string) (CacheEntry, bool, error) {
	b, err := d.db.Get(entryKey(ns, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false, err
	}
	return ent, true, nil
}

func (d *leveldbStore) Put(ctx context.Context, ns, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return d.submit(ctx, func() error { return d.applyPut(ns, key, b) })
}

func (d *leveldbStore) DeleteMatching(ctx context.Context, ns string, match func(string) bool) (int, error) {
	var n int
	// Keys are listed on the writer goroutine so no Put can slip in between.
	err := d.submit(ctx, func() error {
		var victims []string
		for _, k := range d.keysOf(ns) {
			if match(k) {
				victims = append(victims, k)
			}
		}
		if len(victims) == 0 {
			return nil
		}
		if err := d.applyDelete(ns, victims); err != nil {
			return err
		}
		n = len(victims)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (d *leveldbStore) Keys(_ context.Context, ns string) ([]string, error) {
	return d.keysOf(ns), nil
}

func (d *leveldbStore) keysOf(ns string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0)
	for k := range d.index {
		if k.ns == ns {
			out = append(out, k.key)
		}
	}
	sort.Strings(out)
	return out
}

func (d *leveldbStore) Namespaces(context.Context) ([]string, error) {
	it := d.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *leveldbStore) DeleteNamespace(ctx context.Context, ns string) (bool, error) {
	var found bool
	err := d.submit(ctx, func() error {
		ok, err := d.db.Has(nsKey(ns), nil)
		if err != nil || !ok {
			return err
		}
		found = true
		if err := d.applyDelete(ns, d.keysOf(ns)); err != nil {
			return err
		}
		return d.db.Delete(nsKey(ns), nil)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (d *leveldbStore) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		close(d.ops)
	})
	<-d.done
	return d.db.Close()
}

// submit hands fn to the writer goroutine and waits for it to run.
func (d *leveldbStore) submit(ctx context.Context, fn func() error) (err error) {
	op := diskOp{apply: fn, done: make(chan error, 1)}
	defer func() {
		// send on a closed ops channel
		if recover() != nil {
			err = errStoreClosed
		}
	}()
	select {
	case <-d.closed:
		return errStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	case d.ops <- op:
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *leveldbStore) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		op.done <- op.apply()
	}
}

func (d *leveldbStore) applyPut(ns, key string, b []byte) error {
	meta := diskMeta{Size: int64(len(b)), StoredAt: time.Now().UnixNano()}
	mb, err := encodeGob(meta)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Put(nsKey(ns), nil)
	batch.Put(entryKey(ns, key), b)
	batch.Put(metaKey(ns, key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	k := ramKey{ns, key}
	if old, ok := d.index[k]; ok {
		d.totalSize -= old.Size
	}
	d.index[k] = meta
	d.totalSize += meta.Size
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome(k)
	}
	return nil
}

func (d *leveldbStore) applyDelete(ns string, keys []string) error {
	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Delete(entryKey(ns, key))
		batch.Delete(metaKey(ns, key))
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	for _, key := range keys {
		k := ramKey{ns, key}
		if meta, ok := d.index[k]; ok {
			d.totalSize -= meta.Size
			delete(d.index, k)
		}
	}
	d.mu.Unlock()
	return nil
}

// evictSome drops the oldest tenth of entries, sparing the one just written.
func (d *leveldbStore) evictSome(keep ramKey) {
	type item struct {
		k ramKey
		m diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.StoredAt < items[j].m.StoredAt
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		_ = d.applyDelete(items[i].k.ns, []string{items[i].k.key})
	}
}
