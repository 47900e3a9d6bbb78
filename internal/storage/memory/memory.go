// Package memory implements storage.Adapter entirely in-process,
// grounded on the teacher's FileStore: plain keyed maps guarded by a
// mutex, generalized from per-client session blobs to per-shard
// record logs with offset/key/tag indices.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/storage"
)

type shard struct {
	mu         sync.Mutex // per-shard write lock (section 5)
	info       model.ShardInfo
	records    []model.Record // ordered by offset, offset == index+firstOffset
	firstOffset int64
	nextOffset int64
	byKey      map[string][]int64 // key -> offsets, most-recent last
	byTag      map[string][]int64 // tag -> offsets, ascending
}

func newShard(info model.ShardInfo) *shard {
	return &shard{
		info:  info,
		byKey: make(map[string][]int64),
		byTag: make(map[string][]int64),
	}
}

// Adapter is the in-memory storage.Adapter backend.
type Adapter struct {
	mu      sync.RWMutex
	shards  map[string]*shard // "namespace/name" -> shard
	offsets map[string]map[string]int64 // group -> ns/shard -> committed offset
}

// New creates an empty in-memory Adapter.
func New() *Adapter {
	return &Adapter{
		shards:  make(map[string]*shard),
		offsets: make(map[string]map[string]int64),
	}
}

func key(ns, name string) string { return ns + "/" + name }

func (a *Adapter) CreateShard(_ context.Context, info model.ShardInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(info.Namespace, info.Name)
	if _, ok := a.shards[k]; ok {
		return nil // idempotent
	}
	a.shards[k] = newShard(info)
	return nil
}

func (a *Adapter) ListShard(_ context.Context, namespace, name string) ([]model.ShardInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []model.ShardInfo
	for k, s := range a.shards {
		if s.info.Namespace != namespace {
			continue
		}
		if name != "" && s.info.Name != name {
			continue
		}
		_ = k
		out = append(out, s.info)
	}
	return out, nil
}

func (a *Adapter) DeleteShard(_ context.Context, namespace, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.shards, key(namespace, name))
	return nil
}

func (a *Adapter) getShard(ns, name string) (*shard, error) {
	a.mu.RLock()
	s, ok := a.shards[key(ns, name)]
	a.mu.RUnlock()
	if !ok {
		return nil, storage.ErrShardNotExist
	}
	return s, nil
}

func (a *Adapter) Write(ctx context.Context, ns, name string, rec model.Record) (int64, error) {
	offsets, err := a.BatchWrite(ctx, ns, name, []model.Record{rec})
	if err != nil {
		return 0, err
	}
	return offsets[0], nil
}

// BatchWrite appends atomically with respect to offset assignment
// (invariant P1: offsets within a shard strictly increase in program
// order).
func (a *Adapter) BatchWrite(_ context.Context, ns, name string, recs []model.Record) ([]int64, error) {
	s, err := a.getShard(ns, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	offsets := make([]int64, len(recs))
	for i, rec := range recs {
		off := s.nextOffset
		rec.Offset = off
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		s.records = append(s.records, rec)
		if rec.Key != "" {
			s.byKey[rec.Key] = append(s.byKey[rec.Key], off)
		}
		for _, tag := range rec.Tags {
			s.byTag[tag] = append(s.byTag[tag], off)
		}
		s.nextOffset++
		offsets[i] = off
	}
	return offsets, nil
}

func (s *shard) index(offset int64) int {
	idx := offset - s.firstOffset
	if idx < 0 || idx >= int64(len(s.records)) {
		return -1
	}
	return int(idx)
}

func (a *Adapter) ReadByOffset(_ context.Context, ns, name string, offset int64, cfg model.ReadConfig) ([]model.Record, error) {
	s, err := a.getShard(ns, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.index(offset)
	if start < 0 {
		if offset >= s.nextOffset {
			return nil, nil
		}
		start = 0
	}
	return boundedSlice(s.records[start:], cfg), nil
}

func (a *Adapter) ReadByKey(_ context.Context, ns, name string, offset int64, keyName string, cfg model.ReadConfig) ([]model.Record, error) {
	s, err := a.getShard(ns, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Record
	for _, off := range s.byKey[keyName] {
		if off < offset {
			continue
		}
		idx := s.index(off)
		if idx < 0 {
			continue
		}
		out = append(out, s.records[idx])
	}
	return boundedSlice(out, cfg), nil
}

func (a *Adapter) ReadByTag(_ context.Context, ns, name string, offset int64, tag string, cfg model.ReadConfig) ([]model.Record, error) {
	s, err := a.getShard(ns, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Record
	for _, off := range s.byTag[tag] {
		if off < offset {
			continue
		}
		idx := s.index(off)
		if idx < 0 {
			continue
		}
		out = append(out, s.records[idx])
	}
	return boundedSlice(out, cfg), nil
}

func (a *Adapter) GetOffsetByTimestamp(_ context.Context, ns, name string, unixNano int64) (*model.ShardOffset, error) {
	s, err := a.getShard(ns, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].Timestamp.UnixNano() >= unixNano
	})
	if i == len(s.records) {
		return nil, nil
	}
	return &model.ShardOffset{Shard: name, Offset: s.records[i].Offset}, nil
}

func (a *Adapter) GetOffsetByGroup(_ context.Context, group string) ([]model.ShardOffset, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.offsets[group]
	if !ok {
		return nil, nil
	}
	out := make([]model.ShardOffset, 0, len(m))
	for shardKey, off := range m {
		out = append(out, model.ShardOffset{Shard: shardKey, Offset: off})
	}
	return out, nil
}

// CommitOffset is idempotent and monotonic: an attempt to rewind a
// group's committed offset for a shard fails silently (no-op) per the
// "commits ... monotonic" contract in section 4.8.
func (a *Adapter) CommitOffset(_ context.Context, group, ns string, offsets map[string]int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.offsets[group]
	if !ok {
		m = make(map[string]int64)
		a.offsets[group] = m
	}
	for shardName, off := range offsets {
		k := key(ns, shardName)
		if cur, ok := m[k]; ok && off < cur {
			continue
		}
		m[k] = off
	}
	return nil
}

func (a *Adapter) DeleteByOffset(_ context.Context, ns, name string, offset int64) error {
	s, err := a.getShard(ns, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.index(offset)
	if idx < 0 {
		return storage.ErrInvalidOffset
	}
	rec := s.records[idx]
	s.records = append(s.records[:idx], s.records[idx+1:]...)
	if idx == 0 {
		s.firstOffset = offset + 1
	}
	removeOffset(s.byKey, rec.Key, offset)
	for _, tag := range rec.Tags {
		removeOffset(s.byTag, tag, offset)
	}
	return nil
}

func (a *Adapter) DeleteByKey(_ context.Context, ns, name, keyName string) error {
	s, err := a.getShard(ns, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	offsets := append([]int64(nil), s.byKey[keyName]...)
	s.mu.Unlock()
	for _, off := range offsets {
		if err := a.DeleteByOffset(context.Background(), ns, name, off); err != nil && !errors.Is(err, storage.ErrInvalidOffset) {
			return err
		}
	}
	return nil
}

// GC removes records older than each shard's retention and advances
// the shard's earliest-offset accordingly (section 4.8).
func (a *Adapter) GC(ctx context.Context) error {
	a.mu.RLock()
	shards := make([]*shard, 0, len(a.shards))
	for _, s := range a.shards {
		shards = append(shards, s)
	}
	a.mu.RUnlock()

	now := time.Now()
	for _, s := range shards {
		s.mu.Lock()
		if s.info.RetentionSec <= 0 {
			s.mu.Unlock()
			continue
		}
		cutoff := now.Add(-time.Duration(s.info.RetentionSec) * time.Second)
		drop := 0
		for drop < len(s.records) && s.records[drop].Timestamp.Before(cutoff) {
			drop++
		}
		if drop > 0 {
			for _, rec := range s.records[:drop] {
				removeOffset(s.byKey, rec.Key, rec.Offset)
				for _, tag := range rec.Tags {
					removeOffset(s.byTag, tag, rec.Offset)
				}
			}
			s.firstOffset = s.records[drop-1].Offset + 1
			s.records = s.records[drop:]
		}
		s.mu.Unlock()
	}
	return nil
}

func (a *Adapter) Close() error { return nil }

func boundedSlice(recs []model.Record, cfg model.ReadConfig) []model.Record {
	maxN := cfg.MaxRecords
	if maxN <= 0 || maxN > len(recs) {
		maxN = len(recs)
	}
	var total int64
	n := 0
	for n < maxN {
		sz := int64(len(recs[n].Payload))
		if cfg.MaxBytes > 0 && n > 0 && total+sz > cfg.MaxBytes {
			break
		}
		total += sz
		n++
	}
	out := make([]model.Record, n)
	copy(out, recs[:n])
	return out
}

func removeOffset(idx map[string][]int64, k string, offset int64) {
	if k == "" {
		return
	}
	offs := idx[k]
	for i, o := range offs {
		if o == offset {
			idx[k] = append(offs[:i], offs[i+1:]...)
			break
		}
	}
	if len(idx[k]) == 0 {
		delete(idx, k)
	}
}

var _ storage.Adapter = (*Adapter)(nil)
