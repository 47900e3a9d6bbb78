// Package embeddedkv implements storage.Adapter on top of BadgerDB,
// grounded on haivivi-giztoy's pkg/kv/badger.go: shards are key
// prefixes, offsets are big-endian suffixes so Badger's prefix
// iterator returns records in offset order, and secondary (key/tag)
// indices are separate key prefixes pointing back at the primary
// offset key.
package embeddedkv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/storage"
)

// Options configures the Badger-backed Adapter.
type Options struct {
	// Dir is the on-disk directory for Badger's data files. Required
	// unless InMemory is set.
	Dir string
	// InMemory runs Badger in memory-only mode, useful for tests that
	// want real Badger semantics without touching disk.
	InMemory bool
}

// Adapter is the Badger-backed storage.Adapter.
type Adapter struct {
	db *badger.DB

	mu      sync.Mutex
	writeLocks map[string]*sync.Mutex // per-shard write serialization
	nextOffset map[string]int64
	firstOffset map[string]int64
	shardInfo  map[string]model.ShardInfo
}

// New opens (or creates) a Badger database per opts.
func New(opts Options) (*Adapter, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("embeddedkv: Dir is required unless InMemory is set")
	}
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true)
	}
	bopts = bopts.WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrap(err, "embeddedkv: open")
	}
	a := &Adapter{
		db:          db,
		writeLocks:  make(map[string]*sync.Mutex),
		nextOffset:  make(map[string]int64),
		firstOffset: make(map[string]int64),
		shardInfo:   make(map[string]model.ShardInfo),
	}
	return a, nil
}

func shardKey(ns, name string) string { return ns + "\x00" + name }

func recordKey(shard string, offset int64) []byte {
	b := make([]byte, 0, len(shard)+1+8)
	b = append(b, []byte(shard)...)
	b = append(b, ':', 'r')
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(offset))
	return append(b, off[:]...)
}

func keyIndexKey(shard, key string, offset int64) []byte {
	b := []byte(shard + ":k:" + key + ":")
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(offset))
	return append(b, off[:]...)
}

func tagIndexKey(shard, tag string, offset int64) []byte {
	b := []byte(shard + ":t:" + tag + ":")
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(offset))
	return append(b, off[:]...)
}

func recordKeyPrefix(shard string) []byte { return []byte(shard + ":r") }

func (a *Adapter) lockFor(shard string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.writeLocks[shard]
	if !ok {
		l = &sync.Mutex{}
		a.writeLocks[shard] = l
	}
	return l
}

func (a *Adapter) CreateShard(_ context.Context, info model.ShardInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sk := shardKey(info.Namespace, info.Name)
	if _, ok := a.shardInfo[sk]; ok {
		return nil
	}
	a.shardInfo[sk] = info
	a.nextOffset[sk] = 0
	a.firstOffset[sk] = 0
	return nil
}

func (a *Adapter) ListShard(_ context.Context, namespace, name string) ([]model.ShardInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.ShardInfo
	for sk, info := range a.shardInfo {
		if info.Namespace != namespace {
			continue
		}
		if name != "" && info.Name != name {
			continue
		}
		_ = sk
		out = append(out, info)
	}
	return out, nil
}

func (a *Adapter) DeleteShard(_ context.Context, namespace, name string) error {
	sk := shardKey(namespace, name)
	a.mu.Lock()
	delete(a.shardInfo, sk)
	delete(a.nextOffset, sk)
	delete(a.firstOffset, sk)
	a.mu.Unlock()

	return a.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(sk + ":")
		var toDelete [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			toDelete = append(toDelete, it.Item().KeyCopy(nil))
		}
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

type storedRecord struct {
	Key       string            `json:"key,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   []byte            `json:"payload"`
	TimestampUnixNano int64     `json:"ts"`
}

func toStored(r model.Record) storedRecord {
	return storedRecord{
		Key: r.Key, Tags: r.Tags, Headers: r.Headers, Payload: r.Payload,
		TimestampUnixNano: r.Timestamp.UnixNano(),
	}
}

func (a *Adapter) Write(ctx context.Context, ns, name string, rec model.Record) (int64, error) {
	offs, err := a.BatchWrite(ctx, ns, name, []model.Record{rec})
	if err != nil {
		return 0, err
	}
	return offs[0], nil
}

func (a *Adapter) BatchWrite(_ context.Context, ns, name string, recs []model.Record) ([]int64, error) {
	sk := shardKey(ns, name)
	lock := a.lockFor(sk)
	lock.Lock()
	defer lock.Unlock()

	a.mu.Lock()
	if _, ok := a.shardInfo[sk]; !ok {
		a.mu.Unlock()
		return nil, storage.ErrShardNotExist
	}
	start := a.nextOffset[sk]
	a.mu.Unlock()

	offsets := make([]int64, len(recs))
	err := a.db.Update(func(txn *badger.Txn) error {
		for i, rec := range recs {
			off := start + int64(i)
			rec.Offset = off
			payload, err := json.Marshal(toStored(rec))
			if err != nil {
				return err
			}
			if err := txn.Set(recordKey(sk, off), payload); err != nil {
				return err
			}
			if rec.Key != "" {
				if err := txn.Set(keyIndexKey(sk, rec.Key, off), nil); err != nil {
					return err
				}
			}
			for _, tag := range rec.Tags {
				if err := txn.Set(tagIndexKey(sk, tag, off), nil); err != nil {
					return err
				}
			}
			offsets[i] = off
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "embeddedkv: batch write"), errors.KindStorage)
	}

	a.mu.Lock()
	a.nextOffset[sk] = start + int64(len(recs))
	a.mu.Unlock()
	return offsets, nil
}

func (a *Adapter) readRecord(txn *badger.Txn, sk string, offset int64) (model.Record, bool, error) {
	item, err := txn.Get(recordKey(sk, offset))
	if err == badger.ErrKeyNotFound {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	var rec model.Record
	err = item.Value(func(val []byte) error {
		var sr storedRecord
		if err := json.Unmarshal(val, &sr); err != nil {
			return err
		}
		rec = model.Record{
			Offset: offset, Key: sr.Key, Tags: sr.Tags, Headers: sr.Headers, Payload: sr.Payload,
		}
		rec.Timestamp = time.Unix(0, sr.TimestampUnixNano)
		return nil
	})
	return rec, true, err
}

func (a *Adapter) ReadByOffset(_ context.Context, ns, name string, offset int64, cfg model.ReadConfig) ([]model.Record, error) {
	sk := shardKey(ns, name)
	var out []model.Record
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := recordKeyPrefix(sk)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		start := recordKey(sk, offset)
		var total int64
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if cfg.MaxRecords > 0 && len(out) >= cfg.MaxRecords {
				break
			}
			item := it.Item()
			var sr storedRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &sr) }); err != nil {
				return err
			}
			off := offsetFromRecordKey(item.Key(), sk)
			sz := int64(len(sr.Payload))
			if cfg.MaxBytes > 0 && len(out) > 0 && total+sz > cfg.MaxBytes {
				break
			}
			total += sz
			out = append(out, model.Record{
				Offset: off, Key: sr.Key, Tags: sr.Tags, Headers: sr.Headers,
				Payload: sr.Payload, Timestamp: time.Unix(0, sr.TimestampUnixNano),
			})
		}
		return nil
	})
	return out, err
}

func offsetFromRecordKey(k []byte, shard string) int64 {
	suffix := k[len(shard)+2:]
	return int64(binary.BigEndian.Uint64(suffix))
}

func (a *Adapter) scanIndex(sk, indexPrefix string, offsetFloor int64, cfg model.ReadConfig) ([]model.Record, error) {
	var out []model.Record
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := []byte(indexPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var total int64
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if cfg.MaxRecords > 0 && len(out) >= cfg.MaxRecords {
				break
			}
			k := it.Item().Key()
			off := int64(binary.BigEndian.Uint64(k[len(k)-8:]))
			if off < offsetFloor {
				continue
			}
			rec, ok, err := a.readRecord(txn, sk, off)
			if err != nil || !ok {
				continue
			}
			sz := int64(len(rec.Payload))
			if cfg.MaxBytes > 0 && len(out) > 0 && total+sz > cfg.MaxBytes {
				break
			}
			total += sz
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (a *Adapter) ReadByKey(_ context.Context, ns, name string, offset int64, keyName string, cfg model.ReadConfig) ([]model.Record, error) {
	sk := shardKey(ns, name)
	return a.scanIndex(sk, sk+":k:"+keyName+":", offset, cfg)
}

func (a *Adapter) ReadByTag(_ context.Context, ns, name string, offset int64, tag string, cfg model.ReadConfig) ([]model.Record, error) {
	sk := shardKey(ns, name)
	return a.scanIndex(sk, sk+":t:"+tag+":", offset, cfg)
}

func (a *Adapter) GetOffsetByTimestamp(_ context.Context, ns, name string, unixNano int64) (*model.ShardOffset, error) {
	sk := shardKey(ns, name)
	var found *model.ShardOffset
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := recordKeyPrefix(sk)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var sr storedRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &sr) }); err != nil {
				return err
			}
			if sr.TimestampUnixNano >= unixNano {
				found = &model.ShardOffset{Shard: name, Offset: offsetFromRecordKey(item.Key(), sk)}
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (a *Adapter) GetOffsetByGroup(_ context.Context, group string) ([]model.ShardOffset, error) {
	var out []model.ShardOffset
	err := a.db.View(func(txn *badger.Txn) error {
		prefix := []byte("offset:" + group + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			shardName := string(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				out = append(out, model.ShardOffset{Shard: shardName, Offset: int64(binary.BigEndian.Uint64(val))})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (a *Adapter) CommitOffset(_ context.Context, group, ns string, offsets map[string]int64) error {
	return a.db.Update(func(txn *badger.Txn) error {
		for shardName, off := range offsets {
			k := []byte("offset:" + group + ":" + shardName)
			item, err := txn.Get(k)
			if err == nil {
				var buf [8]byte
				var cur int64
				_ = item.Value(func(val []byte) error {
					copy(buf[:], val)
					cur = int64(binary.BigEndian.Uint64(buf[:]))
					return nil
				})
				if off < cur {
					continue
				}
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], uint64(off))
			if err := txn.Set(k, v[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Adapter) DeleteByOffset(_ context.Context, ns, name string, offset int64) error {
	sk := shardKey(ns, name)
	return a.db.Update(func(txn *badger.Txn) error {
		rec, ok, err := a.readRecord(txn, sk, offset)
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrInvalidOffset
		}
		if err := txn.Delete(recordKey(sk, offset)); err != nil {
			return err
		}
		if rec.Key != "" {
			_ = txn.Delete(keyIndexKey(sk, rec.Key, offset))
		}
		for _, tag := range rec.Tags {
			_ = txn.Delete(tagIndexKey(sk, tag, offset))
		}
		return nil
	})
}

func (a *Adapter) DeleteByKey(ctx context.Context, ns, name, keyName string) error {
	sk := shardKey(ns, name)
	recs, err := a.scanIndex(sk, sk+":k:"+keyName+":", 0, model.ReadConfig{})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := a.DeleteByOffset(ctx, ns, name, rec.Offset); err != nil {
			return err
		}
	}
	return nil
}

// GC is a no-op for the embedded-KV backend: it does not apply shard
// retention, so records leave this backend only through explicit
// DeleteByOffset/DeleteByKey calls.
func (a *Adapter) GC(_ context.Context) error { return nil }

func (a *Adapter) Close() error { return a.db.Close() }

var _ storage.Adapter = (*Adapter)(nil)
