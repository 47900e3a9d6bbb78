package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/nimbusmq/broker/internal/model"
)

// pollInterval is how often an idle push loop re-checks its matching
// shards for newly written records.
const pollInterval = 50 * time.Millisecond

// pushLoop is the long-lived task driving delivery for one logical
// subscription: an exclusive (clientID,path) pair, or a (group,filter)
// pair shared by every current member of that group.
//
// pendingMu guards pendingShards, which is read and written from two
// goroutines: this loop's own polling goroutine (pollShard) and
// whichever goroutine calls Manager.Ack for the acking connection.
type pushLoop struct {
	kind   loopKind
	key    string
	filter string
	stop   chan struct{}
	done   chan struct{}

	pendingMu     sync.Mutex
	pendingShards map[string]struct{} // shardName -> awaiting ack, no further reads from it
}

func (l *pushLoop) shardPending(shard string) bool {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	_, pending := l.pendingShards[shard]
	return pending
}

func (l *pushLoop) markShardPending(shard string) {
	l.pendingMu.Lock()
	l.pendingShards[shard] = struct{}{}
	l.pendingMu.Unlock()
}

func (l *pushLoop) clearShardPending(shard string) {
	l.pendingMu.Lock()
	delete(l.pendingShards, shard)
	l.pendingMu.Unlock()
}

func (m *Manager) ensureLoop(ctx context.Context, kind loopKind, key, filter string) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if _, ok := m.loops[key]; ok {
		return
	}
	l := &pushLoop{
		kind:          kind,
		key:           key,
		filter:        filter,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		pendingShards: make(map[string]struct{}),
	}
	m.loops[key] = l
	go m.runLoop(ctx, l)
}

func (m *Manager) stopLoop(key string) {
	m.loopMu.Lock()
	l, ok := m.loops[key]
	if ok {
		delete(m.loops, key)
	}
	m.loopMu.Unlock()
	if ok {
		close(l.stop)
		<-l.done
	}
}

func (m *Manager) runLoop(ctx context.Context, l *pushLoop) {
	defer close(l.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx, l)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, l *pushLoop) {
	for _, t := range m.cache.AllTopics() {
		if !model.TopicFilterMatches(l.filter, t.Name) {
			continue
		}
		for _, shardName := range t.ShardNames {
			if err := m.pollShard(ctx, l, t, shardName); err != nil {
				m.log.Debugw("subscribe: poll shard failed", "topic", t.Name, "shard", shardName, "err", err)
				return
			}
		}
	}
}

func offsetGroup(l *pushLoop) string {
	if l.kind == loopShared {
		return "shared:" + l.key
	}
	return "excl:" + l.key
}

// resolveTarget returns the subscription that should receive the next
// record for this loop: the loop's sole owner for an exclusive
// subscription, or the next member in round-robin order for a shared
// group.
func (m *Manager) resolveTarget(l *pushLoop) (*model.Subscription, bool) {
	if l.kind == loopExclusive {
		m.mu.RLock()
		sub, ok := m.subsByKey[l.key]
		m.mu.RUnlock()
		return sub, ok
	}
	m.mu.RLock()
	g, ok := m.sharedGroups[l.key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return g.next()
}

// pollShard reads newly written records for one shard and delivers
// them to this loop's current target. A QoS0 record's offset commits
// as soon as it is written to the socket, but a QoS1/2 record's offset
// only commits once the matching PUBACK/PUBCOMP reaches Ack (property
// P3: "the adapter's committed offset strictly increases only after
// the matching PUBACK arrives"). Since at most one QoS1/2 record is
// ever outstanding per shard (pendingShards), a dropped connection
// before the client acks leaves the committed offset behind it, so the
// next poll re-reads and redelivers it rather than silently losing it.
func (m *Manager) pollShard(ctx context.Context, l *pushLoop, t *model.Topic, shardName string) error {
	if l.shardPending(shardName) {
		return nil
	}

	group := offsetGroup(l)
	start := int64(0)
	offsets, err := m.storage.GetOffsetByGroup(ctx, group)
	if err != nil {
		return err
	}
	for _, o := range offsets {
		if o.Shard == shardName {
			start = o.Offset
		}
	}

	records, err := m.storage.ReadByOffset(ctx, t.Namespace, shardName, start, model.DefaultReadConfig())
	if err != nil {
		return err
	}

	lastCommitted := start
	for _, rec := range records {
		sub, ok := m.resolveTarget(l)
		if !ok {
			// No subscriber currently interested (shared group drained
			// concurrently with this poll); stop for this shard, retry
			// next tick.
			break
		}
		if sub.NoLocal && rec.Headers[model.HeaderPublisherClientID] == sub.ClientID {
			lastCommitted = rec.Offset + 1
			continue
		}
		sess, ok := m.sessions.Session(sub.ClientID)
		if !ok {
			// Subscriber offline: stop delivering from this shard so
			// records are not skipped; they will be re-read next poll.
			break
		}
		msgQoS := minQoS(sub.QoS, recordQoS(rec))
		var pkid uint16
		if msgQoS > 0 {
			id, ok := sess.AllocatePKID()
			if !ok {
				break
			}
			pkid = id
		}
		msg := DeliveryMessage{
			ClientID:       sub.ClientID,
			Topic:          t.Name,
			Payload:        rec.Payload,
			QoS:            msgQoS,
			Retain:         sub.RetainAsPublished && rec.Headers[model.HeaderRetain] == "1",
			PacketID:       pkid,
			SubscriptionID: sub.SubscriptionID,
		}
		if err := m.dispatch.Dispatch(ctx, msg); err != nil {
			if msgQoS > 0 {
				sess.ReleasePKID(pkid)
			}
			break
		}
		if msgQoS == 0 {
			lastCommitted = rec.Offset + 1
			continue
		}
		m.registerPending(sub.ClientID, pkid, l, group, t.Namespace, shardName, rec.Offset+1)
		l.markShardPending(shardName)
		break
	}

	if lastCommitted > start {
		return m.storage.CommitOffset(ctx, group, t.Namespace, map[string]int64{shardName: lastCommitted})
	}
	return nil
}

// recordQoS reads back the QoS a record was published at, if the
// writer recorded one; records written without it are treated as QoS0
// so the minimum-of-(publish,subscribe) rule never raises QoS above
// what the publisher sent.
func recordQoS(rec model.Record) uint8 {
	v, ok := rec.Headers[model.HeaderQoS]
	if !ok || len(v) != 1 || v[0] < '0' || v[0] > '2' {
		return 0
	}
	return v[0] - '0'
}

func minQoS(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}
