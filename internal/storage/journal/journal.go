// Package journal implements storage.Adapter as a simplified segmented
// append-only log, grounded on original_source's journal-server index
// builder (src/journal-server/src/index/build.rs) and its RocksDB
// engine wrapper (src/common/rocksdb-engine/src/storage/engine.rs):
// each shard is a directory holding one append-only segment.log of
// length-prefixed, msgpack-encoded records in place of the original's
// RocksDB column families. The offset/key/tag index is kept in memory
// and rebuilt from the log at startup; the log is not split into
// multiple files, and the max segment size is recorded but not enforced.
package journal

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/storage"
)

// onDiskRecord is the msgpack envelope stored per record.
type onDiskRecord struct {
	Offset            int64
	Key               string
	Tags              []string
	Headers           map[string]string
	Payload           []byte
	TimestampUnixNano int64
}

type segment struct {
	mu      sync.Mutex // per-shard write lock (section 5)
	dir     string
	maxSize int64

	records     []onDiskRecord // in-memory mirror of the segment log, index == offset-firstOffset
	firstOffset int64
	nextOffset  int64

	byKey map[string][]int64
	byTag map[string][]int64

	retentionSec int64
}

func (s *segment) logPath() string { return filepath.Join(s.dir, "segment.log") }

func loadSegment(dir string, maxSize, retentionSec int64) (*segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &segment{dir: dir, maxSize: maxSize, retentionSec: retentionSec, byKey: map[string][]int64{}, byTag: map[string][]int64{}}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

// replay rebuilds the in-memory index from the on-disk segment log at
// startup (the sparse-index recovery the spec's delay engine and
// journal backend both rely on). Each record is length-prefixed, so
// the log is its own framing; msgpack only encodes each record body.
func (s *segment) replay() error {
	if _, err := os.OpenFile(s.logPath(), os.O_CREATE, 0o644); err != nil {
		return err
	}
	data, err := os.ReadFile(s.logPath())
	if err != nil {
		return err
	}
	off := int64(0)
	pos := 0
	for pos < len(data) {
		if pos+4 > len(data) {
			break
		}
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		pos += 4
		if pos+n > len(data) {
			break
		}
		var rec onDiskRecord
		if err := msgpack.Unmarshal(data[pos:pos+n], &rec); err != nil {
			return err
		}
		pos += n
		s.ingestIndex(rec)
		if len(s.records) == 1 {
			s.firstOffset = rec.Offset
		}
		off = rec.Offset + 1
	}
	s.nextOffset = off
	return nil
}

func (s *segment) ingestIndex(rec onDiskRecord) {
	s.records = append(s.records, rec)
	if rec.Key != "" {
		s.byKey[rec.Key] = append(s.byKey[rec.Key], rec.Offset)
	}
	for _, tag := range rec.Tags {
		s.byTag[tag] = append(s.byTag[tag], rec.Offset)
	}
}

func (s *segment) append(recs []model.Record) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	offsets := make([]int64, len(recs))
	for i, rec := range recs {
		off := s.nextOffset
		if len(s.records) == 0 {
			s.firstOffset = off
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}
		odr := onDiskRecord{
			Offset: off, Key: rec.Key, Tags: rec.Tags, Headers: rec.Headers,
			Payload: rec.Payload, TimestampUnixNano: rec.Timestamp.UnixNano(),
		}
		buf, err := msgpack.Marshal(odr)
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
		if _, err := f.Write(lenBuf[:]); err != nil {
			return nil, err
		}
		if _, err := f.Write(buf); err != nil {
			return nil, err
		}
		s.ingestIndex(odr)
		s.nextOffset = off + 1
		offsets[i] = off
	}
	return offsets, nil
}

func (s *segment) index(offset int64) int {
	idx := offset - s.firstOffset
	if idx < 0 || idx >= int64(len(s.records)) {
		return -1
	}
	return int(idx)
}

func toModel(r onDiskRecord) model.Record {
	return model.Record{
		Offset: r.Offset, Key: r.Key, Tags: r.Tags, Headers: r.Headers,
		Payload: r.Payload, Timestamp: time.Unix(0, r.TimestampUnixNano),
	}
}

// Adapter is the segmented-log storage.Adapter backend.
type Adapter struct {
	baseDir      string
	maxSegmentSize int64

	mu       sync.RWMutex
	segments map[string]*segment
	infos    map[string]model.ShardInfo
	offsets  map[string]map[string]int64
}

// New opens (creating if absent) a journal Adapter rooted at baseDir.
func New(baseDir string, maxSegmentSize int64) (*Adapter, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "journal: mkdir base dir")
	}
	return &Adapter{
		baseDir:        baseDir,
		maxSegmentSize: maxSegmentSize,
		segments:       make(map[string]*segment),
		infos:          make(map[string]model.ShardInfo),
		offsets:        make(map[string]map[string]int64),
	}, nil
}

func shardKey(ns, name string) string { return ns + "/" + name }

func (a *Adapter) CreateShard(_ context.Context, info model.ShardInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sk := shardKey(info.Namespace, info.Name)
	if _, ok := a.segments[sk]; ok {
		return nil
	}
	maxSize := info.MaxSegmentSize
	if maxSize <= 0 {
		maxSize = a.maxSegmentSize
	}
	seg, err := loadSegment(filepath.Join(a.baseDir, info.Namespace, info.Name), maxSize, info.RetentionSec)
	if err != nil {
		return errors.Wrap(err, "journal: load segment")
	}
	a.segments[sk] = seg
	a.infos[sk] = info
	return nil
}

func (a *Adapter) ListShard(_ context.Context, namespace, name string) ([]model.ShardInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []model.ShardInfo
	for _, info := range a.infos {
		if info.Namespace != namespace {
			continue
		}
		if name != "" && info.Name != name {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (a *Adapter) DeleteShard(_ context.Context, namespace, name string) error {
	sk := shardKey(namespace, name)
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.segments, sk)
	delete(a.infos, sk)
	return os.RemoveAll(filepath.Join(a.baseDir, namespace, name))
}

func (a *Adapter) getSegment(ns, name string) (*segment, error) {
	a.mu.RLock()
	seg, ok := a.segments[shardKey(ns, name)]
	a.mu.RUnlock()
	if !ok {
		return nil, storage.ErrShardNotExist
	}
	return seg, nil
}

func (a *Adapter) Write(ctx context.Context, ns, name string, rec model.Record) (int64, error) {
	offs, err := a.BatchWrite(ctx, ns, name, []model.Record{rec})
	if err != nil {
		return 0, err
	}
	return offs[0], nil
}

func (a *Adapter) BatchWrite(_ context.Context, ns, name string, recs []model.Record) ([]int64, error) {
	seg, err := a.getSegment(ns, name)
	if err != nil {
		return nil, err
	}
	offs, err := seg.append(recs)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "journal: append"), errors.KindStorage)
	}
	return offs, nil
}

func (a *Adapter) ReadByOffset(_ context.Context, ns, name string, offset int64, cfg model.ReadConfig) ([]model.Record, error) {
	seg, err := a.getSegment(ns, name)
	if err != nil {
		return nil, err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	start := seg.index(offset)
	if start < 0 {
		if offset >= seg.nextOffset {
			return nil, nil
		}
		start = 0
	}
	return boundedModel(seg.records[start:], cfg), nil
}

func (a *Adapter) ReadByKey(_ context.Context, ns, name string, offset int64, keyName string, cfg model.ReadConfig) ([]model.Record, error) {
	seg, err := a.getSegment(ns, name)
	if err != nil {
		return nil, err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	var out []onDiskRecord
	for _, off := range seg.byKey[keyName] {
		if off < offset {
			continue
		}
		if idx := seg.index(off); idx >= 0 {
			out = append(out, seg.records[idx])
		}
	}
	return boundedModel(out, cfg), nil
}

func (a *Adapter) ReadByTag(_ context.Context, ns, name string, offset int64, tag string, cfg model.ReadConfig) ([]model.Record, error) {
	seg, err := a.getSegment(ns, name)
	if err != nil {
		return nil, err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	var out []onDiskRecord
	for _, off := range seg.byTag[tag] {
		if off < offset {
			continue
		}
		if idx := seg.index(off); idx >= 0 {
			out = append(out, seg.records[idx])
		}
	}
	return boundedModel(out, cfg), nil
}

func (a *Adapter) GetOffsetByTimestamp(_ context.Context, ns, name string, unixNano int64) (*model.ShardOffset, error) {
	seg, err := a.getSegment(ns, name)
	if err != nil {
		return nil, err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	i := sort.Search(len(seg.records), func(i int) bool {
		return seg.records[i].TimestampUnixNano >= unixNano
	})
	if i == len(seg.records) {
		return nil, nil
	}
	return &model.ShardOffset{Shard: name, Offset: seg.records[i].Offset}, nil
}

func (a *Adapter) GetOffsetByGroup(_ context.Context, group string) ([]model.ShardOffset, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.offsets[group]
	if !ok {
		return nil, nil
	}
	out := make([]model.ShardOffset, 0, len(m))
	for sk, off := range m {
		out = append(out, model.ShardOffset{Shard: sk, Offset: off})
	}
	return out, nil
}

func (a *Adapter) CommitOffset(_ context.Context, group, ns string, offsets map[string]int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.offsets[group]
	if !ok {
		m = make(map[string]int64)
		a.offsets[group] = m
	}
	for shardName, off := range offsets {
		k := shardKey(ns, shardName)
		if cur, ok := m[k]; ok && off < cur {
			continue
		}
		m[k] = off
	}
	return nil
}

func (a *Adapter) DeleteByOffset(_ context.Context, ns, name string, offset int64) error {
	seg, err := a.getSegment(ns, name)
	if err != nil {
		return err
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	idx := seg.index(offset)
	if idx < 0 {
		return storage.ErrInvalidOffset
	}
	rec := seg.records[idx]
	seg.records = append(seg.records[:idx], seg.records[idx+1:]...)
	if idx == 0 {
		seg.firstOffset = offset + 1
	}
	removeOffset(seg.byKey, rec.Key, offset)
	for _, tag := range rec.Tags {
		removeOffset(seg.byTag, tag, offset)
	}
	return nil
}

func (a *Adapter) DeleteByKey(_ context.Context, ns, name, keyName string) error {
	seg, err := a.getSegment(ns, name)
	if err != nil {
		return err
	}
	seg.mu.Lock()
	offsets := append([]int64(nil), seg.byKey[keyName]...)
	seg.mu.Unlock()
	for _, off := range offsets {
		if err := a.DeleteByOffset(context.Background(), ns, name, off); err != nil && !errors.Is(err, storage.ErrInvalidOffset) {
			return err
		}
	}
	return nil
}

// GC removes records older than each shard's retention (section 4.8).
// Because the on-disk log is append-only, GC rewrites the segment file
// from the surviving in-memory records rather than truncating from
// the front in place.
func (a *Adapter) GC(_ context.Context) error {
	a.mu.RLock()
	segs := make([]*segment, 0, len(a.segments))
	for _, s := range a.segments {
		segs = append(segs, s)
	}
	a.mu.RUnlock()

	now := time.Now()
	for _, seg := range segs {
		seg.mu.Lock()
		if seg.retentionSec <= 0 {
			seg.mu.Unlock()
			continue
		}
		cutoff := now.Add(-time.Duration(seg.retentionSec) * time.Second).UnixNano()
		drop := 0
		for drop < len(seg.records) && seg.records[drop].TimestampUnixNano < cutoff {
			drop++
		}
		if drop > 0 {
			surviving := append([]onDiskRecord(nil), seg.records[drop:]...)
			if err := rewriteSegment(seg, surviving); err == nil {
				seg.records = surviving
				seg.byKey = map[string][]int64{}
				seg.byTag = map[string][]int64{}
				for _, r := range surviving {
					if r.Key != "" {
						seg.byKey[r.Key] = append(seg.byKey[r.Key], r.Offset)
					}
					for _, tag := range r.Tags {
						seg.byTag[tag] = append(seg.byTag[tag], r.Offset)
					}
				}
				if len(surviving) > 0 {
					seg.firstOffset = surviving[0].Offset
				}
			}
		}
		seg.mu.Unlock()
	}
	return nil
}

func rewriteSegment(seg *segment, records []onDiskRecord) error {
	tmp := seg.logPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, rec := range records {
		buf, err := msgpack.Marshal(rec)
		if err != nil {
			f.Close()
			return err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
		if _, err := f.Write(lenBuf[:]); err != nil {
			f.Close()
			return err
		}
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, seg.logPath())
}

func (a *Adapter) Close() error { return nil }

func boundedModel(recs []onDiskRecord, cfg model.ReadConfig) []model.Record {
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
	for i := 0; i < n; i++ {
		out[i] = toModel(recs[i])
	}
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
