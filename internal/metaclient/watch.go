package metaclient

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/cache"
	"github.com/nimbusmq/broker/internal/model"
)

// payload shapes carried inside cache.UpdateCacheRequest.Payload,
// decoded here (not in internal/cache, which stays free of metaclient's
// wire format per cache.go's ApplyUpdate doc comment) and handed to
// Manager.ApplyUpdate as the already-typed decoded value it expects.

type clusterConfigPayload = cache.ClusterConfig

type userPayload struct {
	Username     string
	PasswordHash string
}

type aclRulePayload = aclRuleWire

type topicPayload struct {
	ID             string
	Name           string
	Namespace      string
	ShardNames     []string
	StorageBackend string
}

type rewriteRulePayload struct {
	Action       uint8
	SourceFilter string
	DestTemplate string
	Regex        string
	Timestamp    int64
}

type alarmPayload struct {
	Name             string
	Message          string
	RaisedAtUnixNano int64
}

// Subscriber runs PollUpdates in a loop and funnels every update into
// cacheMgr.ApplyUpdate, decoding each update's payload by resource kind.
// Grounded on internal/subscribe's push-loop shape (section 6): one
// goroutine, a ticker-paced poll rather than a blocking stream, stopped
// by ctx.
type Subscriber struct {
	log      *zap.SugaredLogger
	client   MetaClient
	cacheMgr *cache.Manager
	interval time.Duration

	cursor uint64
}

// NewSubscriber constructs a Subscriber. interval is the delay between
// polls when the previous one came back empty; a nonempty poll is
// followed immediately by another, so a burst of updates drains
// without waiting out the interval.
func NewSubscriber(log *zap.SugaredLogger, client MetaClient, cacheMgr *cache.Manager, interval time.Duration) *Subscriber {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Subscriber{log: log, client: client, cacheMgr: cacheMgr, interval: interval}
}

// Run polls until ctx is done.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := s.pollOnce(ctx)
		if err != nil {
			s.log.Warnw("metaclient: poll failed", "err", err)
			n = 0
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

func (s *Subscriber) pollOnce(ctx context.Context) (int, error) {
	next, updates, err := s.client.PollUpdates(ctx, s.cursor)
	if err != nil {
		return 0, err
	}
	s.cursor = next
	for _, u := range updates {
		s.apply(u)
	}
	return len(updates), nil
}

func (s *Subscriber) apply(req cache.UpdateCacheRequest) {
	decoded, err := decodePayload(req)
	if err != nil {
		s.log.Warnw("metaclient: dropping malformed update", "resource", req.Resource, "key", req.Key, "err", err)
		return
	}
	s.cacheMgr.ApplyUpdate(req, decoded)
}

func decodePayload(req cache.UpdateCacheRequest) (any, error) {
	if req.Action == cache.UpdateDelete {
		return nil, nil
	}
	switch req.Resource {
	case cache.ResourceClusterConfig:
		var p clusterConfigPayload
		if err := msgpack.Unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case cache.ResourceUser:
		var p userPayload
		if err := msgpack.Unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return &cache.User{Username: p.Username, PasswordHash: p.PasswordHash}, nil
	case cache.ResourceACL:
		var p aclRulePayload
		if err := msgpack.Unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return &model.ACLRule{
			ResourceType: model.ResourceType(p.ResourceType),
			ResourceName: p.ResourceName,
			TopicFilter:  p.TopicFilter,
			IP:           p.IP,
			Action:       model.Action(p.Action),
			Permission:   model.Permission(p.Permission),
		}, nil
	case cache.ResourceTopic:
		var p topicPayload
		if err := msgpack.Unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return model.NewTopic(p.Namespace, p.Name, p.ID, p.ShardNames, p.StorageBackend), nil
	case cache.ResourceRewriteRule:
		var p rewriteRulePayload
		if err := msgpack.Unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return &model.RewriteRule{
			Action:       model.RewriteAction(p.Action),
			SourceFilter: p.SourceFilter,
			DestTemplate: p.DestTemplate,
			Regex:        p.Regex,
			Timestamp:    p.Timestamp,
		}, nil
	case cache.ResourceAlarm:
		var p alarmPayload
		if err := msgpack.Unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		return cache.Alarm{Name: p.Name, Message: p.Message, RaisedAtUnixNano: p.RaisedAtUnixNano}, nil
	default:
		return nil, nil
	}
}
