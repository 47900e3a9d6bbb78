// Package delay implements the Delay-Message Engine (C9): staging
// published messages whose delivery time is in the future and
// releasing them to the pipeline at expiry.
//
// Grounded on original_source's delay-message/src/manager.rs (shard
// selection round-robin on an atomic counter, one priority queue per
// shard) and pop.rs (the pop loop reads the staged record and rewrites
// it onto the resolved target topic shard, retrying transient storage
// errors with a bounded retry budget). The Rust implementation uses
// tokio_util's DelayQueue; container/heap plus a per-shard wakeup
// channel is the idiomatic Go equivalent of the same data structure.
package delay

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/storage"
)

// IndexShardName is the dedicated shard the engine persists pending
// delay-index entries to, scanned at startup for recovery.
const IndexShardName = "$delay-index"

// Namespace is the fixed namespace the engine's staging and index
// shards live under.
const Namespace = "$system"

func stagingShardName(shardNo int) string {
	return "$delayed-staging-" + itoa(shardNo)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// item is one entry in a shard's priority queue, ordered by
// DelayTimestamp ascending.
type item struct {
	entry model.DelayIndexEntry
	index int
}

type priorityQueue []*item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].entry.DelayTimestamp.Before(pq[j].entry.DelayTimestamp)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[:n-1]
	return it
}

type shard struct {
	mu sync.Mutex
	pq priorityQueue
	// wake is signaled whenever the queue's earliest deadline may have
	// changed, so the pop loop can re-evaluate its sleep duration.
	wake chan struct{}
}

func newShard() *shard {
	s := &shard{wake: make(chan struct{}, 1)}
	heap.Init(&s.pq)
	return s
}

func (s *shard) insert(entry model.DelayIndexEntry) {
	s.mu.Lock()
	heap.Push(&s.pq, &item{entry: entry})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// peekReady pops and returns the earliest entry if it has expired,
// and otherwise reports the wait duration until it will.
func (s *shard) peekReady(now time.Time) (model.DelayIndexEntry, bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pq) == 0 {
		return model.DelayIndexEntry{}, false, time.Hour
	}
	head := s.pq[0]
	if !head.entry.DelayTimestamp.After(now) {
		heap.Pop(&s.pq)
		return head.entry, true, 0
	}
	return model.DelayIndexEntry{}, false, head.entry.DelayTimestamp.Sub(now)
}

// PublishFunc writes a released delayed message to its target topic;
// wired by the caller to internal/mqttservice so this package has no
// dependency on it. Authorization and topic rewrite ran when the
// message was staged. The original publish's QoS and retain flag are
// not carried through staging: the released message is written as a
// QoS 0 record and never updates the target topic's retained message.
type PublishFunc func(ctx context.Context, targetTopic string, payload []byte) error

// Engine owns delayQueueNum shards of a priority queue keyed by
// delay_timestamp (spec.md §4.9).
type Engine struct {
	log     *zap.SugaredLogger
	adapter storage.Adapter
	publish PublishFunc

	shards []*shard
	cursor sync.Mutex
	next   int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs an Engine with numShards priority-queue shards.
func New(log *zap.SugaredLogger, adapter storage.Adapter, numShards int, publish PublishFunc) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if numShards < 1 {
		numShards = 1
	}
	e := &Engine{log: log, adapter: adapter, publish: publish, stop: make(chan struct{})}
	e.shards = make([]*shard, numShards)
	for i := range e.shards {
		e.shards[i] = newShard()
	}
	return e
}

func (e *Engine) nextShardNo() int {
	e.cursor.Lock()
	defer e.cursor.Unlock()
	n := e.next
	e.next = (e.next + 1) % len(e.shards)
	return n
}

// Stage writes payload to a staging shard and enqueues a delay-index
// entry for release at now+delaySeconds, persisting the index entry so
// it survives a restart (spec.md §4.9, "delivery is at-least-once
// across restarts").
func (e *Engine) Stage(ctx context.Context, targetTopic string, delaySeconds int64, payload []byte) error {
	shardNo := e.nextShardNo()
	staging := stagingShardName(shardNo)

	if err := e.adapter.CreateShard(ctx, model.ShardInfo{Namespace: Namespace, Name: staging}); err != nil {
		return errors.Wrap(err, "delay: create staging shard")
	}
	offset, err := e.adapter.Write(ctx, Namespace, staging, model.Record{Payload: payload, Timestamp: time.Now()})
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "delay: write staged record"), errors.KindStorage)
	}

	entry := model.DelayIndexEntry{
		UniqueID:        uuid.NewString(),
		TargetTopic:     targetTopic,
		StagingShard:    staging,
		OffsetInStaging: offset,
		DelayTimestamp:  time.Now().Add(time.Duration(delaySeconds) * time.Second),
	}
	if err := e.persistIndex(ctx, entry); err != nil {
		return err
	}
	e.shards[shardNo].insert(entry)
	return nil
}

func (e *Engine) persistIndex(ctx context.Context, entry model.DelayIndexEntry) error {
	if err := e.adapter.CreateShard(ctx, model.ShardInfo{Namespace: Namespace, Name: IndexShardName}); err != nil {
		return errors.Wrap(err, "delay: create index shard")
	}
	buf, err := msgpack.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "delay: marshal index entry")
	}
	if _, err := e.adapter.Write(ctx, Namespace, IndexShardName, model.Record{Key: entry.UniqueID, Payload: buf, Timestamp: time.Now()}); err != nil {
		return errors.WithKind(errors.Wrap(err, "delay: persist index entry"), errors.KindStorage)
	}
	return nil
}

// Recover scans the persisted index shard at startup and re-seeds the
// in-memory priority queues, round-robin across shards (spec.md §4.9).
func (e *Engine) Recover(ctx context.Context) error {
	if err := e.adapter.CreateShard(ctx, model.ShardInfo{Namespace: Namespace, Name: IndexShardName}); err != nil {
		return errors.Wrap(err, "delay: create index shard")
	}
	records, err := e.adapter.ReadByOffset(ctx, Namespace, IndexShardName, 0, model.ReadConfig{MaxRecords: 1 << 20})
	if err != nil {
		return errors.Wrap(err, "delay: scan index shard")
	}
	for _, rec := range records {
		var entry model.DelayIndexEntry
		if err := msgpack.Unmarshal(rec.Payload, &entry); err != nil {
			e.log.Warnw("delay: skipping corrupt index entry", "offset", rec.Offset, "err", err)
			continue
		}
		shardNo := e.nextShardNo()
		e.shards[shardNo].insert(entry)
	}
	e.log.Infow("delay: recovered index entries", "count", len(records))
	return nil
}

// Start launches one pop loop goroutine per shard.
func (e *Engine) Start(ctx context.Context) {
	for i, s := range e.shards {
		e.wg.Add(1)
		go e.popLoop(ctx, i, s)
	}
}

// Shutdown stops all pop loops and waits for them to drain.
func (e *Engine) Shutdown() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) popLoop(ctx context.Context, shardNo int, s *shard) {
	defer e.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		entry, ready, wait := s.peekReady(now)
		if ready {
			e.deliver(ctx, shardNo, entry)
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// deliver reads the staged record and hands it back to the normal
// PUBLISH path, retrying transient storage failures a bounded number
// of times before giving up on this entry (grounded on pop.rs's
// retry-with-sleep loop, "times > 100").
func (e *Engine) deliver(ctx context.Context, shardNo int, entry model.DelayIndexEntry) {
	const maxAttempts = 100
	for attempt := 0; attempt < maxAttempts; attempt++ {
		records, err := e.adapter.ReadByOffset(ctx, Namespace, entry.StagingShard, entry.OffsetInStaging, model.ReadConfig{MaxRecords: 1})
		if err != nil {
			e.log.Warnw("delay: read staged record failed, retrying", "shard_no", shardNo, "err", err)
			time.Sleep(time.Second)
			continue
		}
		if len(records) == 0 {
			e.log.Warnw("delay: staged record missing, dropping entry", "unique_id", entry.UniqueID)
			return
		}
		if err := e.publish(ctx, entry.TargetTopic, records[0].Payload); err != nil {
			e.log.Warnw("delay: deliver to target topic failed, retrying", "target", entry.TargetTopic, "err", err)
			time.Sleep(time.Second)
			continue
		}
		if err := e.adapter.DeleteByKey(ctx, Namespace, IndexShardName, entry.UniqueID); err != nil {
			e.log.Warnw("delay: could not remove delivered index entry", "unique_id", entry.UniqueID, "err", err)
		}
		return
	}
	e.log.Errorw("delay: giving up delivering entry after max attempts", "unique_id", entry.UniqueID, "target", entry.TargetTopic)
}
