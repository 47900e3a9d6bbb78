// Package storage defines the StorageAdapter capability (C8): a
// uniform read/write API over a message log, implemented by multiple
// backends (memory, embeddedkv, journal) with identical semantics.
package storage

import (
	"context"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
)

// Sentinel errors, classified with errors.KindNotFound / KindStorage /
// KindStorage per the adapter's documented failure modes.
var (
	ErrShardNotExist = errors.WithKind(errors.New("shard does not exist"), errors.KindNotFound)
	ErrInvalidOffset = errors.WithKind(errors.New("invalid offset"), errors.KindStorage)
)

// Adapter is the capability multiple backends implement (section 4.8).
type Adapter interface {
	CreateShard(ctx context.Context, info model.ShardInfo) error
	ListShard(ctx context.Context, namespace, shard string) ([]model.ShardInfo, error)
	DeleteShard(ctx context.Context, namespace, shard string) error

	Write(ctx context.Context, ns, shard string, rec model.Record) (int64, error)
	BatchWrite(ctx context.Context, ns, shard string, recs []model.Record) ([]int64, error)

	ReadByOffset(ctx context.Context, ns, shard string, offset int64, cfg model.ReadConfig) ([]model.Record, error)
	ReadByKey(ctx context.Context, ns, shard string, offset int64, key string, cfg model.ReadConfig) ([]model.Record, error)
	ReadByTag(ctx context.Context, ns, shard string, offset int64, tag string, cfg model.ReadConfig) ([]model.Record, error)

	GetOffsetByTimestamp(ctx context.Context, ns, shard string, unixNano int64) (*model.ShardOffset, error)

	GetOffsetByGroup(ctx context.Context, group string) ([]model.ShardOffset, error)
	CommitOffset(ctx context.Context, group, ns string, offsets map[string]int64) error

	DeleteByOffset(ctx context.Context, ns, shard string, offset int64) error
	DeleteByKey(ctx context.Context, ns, shard string, key string) error

	// GC removes records older than each shard's retention and
	// advances the stored earliest-offset accordingly.
	GC(ctx context.Context) error

	Close() error
}
