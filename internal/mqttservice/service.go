// Package mqttservice implements the MQTT Service state machine (C5):
// CONNECT, PUBLISH (QoS 0/1/2), SUBSCRIBE, UNSUBSCRIBE, PINGREQ,
// DISCONNECT, and the PUBACK/PUBREC/PUBREL/PUBCOMP ladder, version-aware
// across MQTT 3.1.1 and 5.0.
//
// Grounded on the teacher's logic.go (handlePublish/handlePubrec/
// handlePubrel/handlePubcomp), mirrored for the inbound-server
// direction instead of the client direction it was written for, and on
// original_source's lastwill.rs and topic_rewrite.rs for the
// supplemented will-delivery and rewrite-application behavior.
package mqttservice

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/auth"
	"github.com/nimbusmq/broker/internal/cache"
	"github.com/nimbusmq/broker/internal/delay"
	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/packets"
	"github.com/nimbusmq/broker/internal/rewrite"
	"github.com/nimbusmq/broker/internal/storage"
	"github.com/nimbusmq/broker/internal/subscribe"
)

// Namespace is the fixed storage namespace ordinary (non-system)
// topics live under.
const Namespace = "default"

// ConnectionIndex resolves a logged-in client's current connection, so
// CONNECT can tear down a prior connection on client-id conflict
// (invariant I2). Implemented by internal/network.Manager.
type ConnectionIndex interface {
	ConnectionID(clientID string) (model.ConnectionID, bool)
}

// Disconnector forces a connection closed, used for the client-id
// takeover case above.
type Disconnector interface {
	Disconnect(ctx context.Context, id model.ConnectionID)
}

// Service is the C5 state machine. Its dependencies are all
// capabilities (cache, storage, auth, rewrite, subscribe, delay) so it
// has no direct dependency on internal/network or internal/response;
// internal/server wires the concrete types together.
type Service struct {
	log *zap.SugaredLogger

	cache     *cache.Manager
	storage   storage.Adapter
	auth      *auth.Driver
	rewrite   *rewrite.Engine
	subs      *subscribe.Manager
	delay     *delay.Engine
	sessions  *SessionStore
	conns     ConnectionIndex
	disconn   Disconnector
	dispatch  subscribe.Dispatcher

	storageBackend string

	qos2Mu      sync.Mutex
	qos2Inbound map[string]map[uint16]struct{} // clientID -> set of PKIDs PUBREC'd but not yet PUBREL'd
}

// New constructs a Service.
func New(
	log *zap.SugaredLogger,
	cacheMgr *cache.Manager,
	storageAdapter storage.Adapter,
	authDriver *auth.Driver,
	rewriteEngine *rewrite.Engine,
	subs *subscribe.Manager,
	delayEngine *delay.Engine,
	sessions *SessionStore,
	conns ConnectionIndex,
	disconn Disconnector,
	dispatch subscribe.Dispatcher,
	storageBackend string,
) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		log:            log,
		cache:          cacheMgr,
		storage:        storageAdapter,
		auth:           authDriver,
		rewrite:        rewriteEngine,
		subs:           subs,
		delay:          delayEngine,
		sessions:       sessions,
		conns:          conns,
		disconn:        disconn,
		dispatch:       dispatch,
		storageBackend: storageBackend,
		qos2Inbound:    make(map[string]map[uint16]struct{}),
	}
}

// Handle dispatches one inbound packet for conn, returning the
// immediate reply packet (nil for "no reply", e.g. a QoS0 PUBLISH) or
// an error. Mirrors MqttService::handle in section 4.4/4.5: the
// Packet Handler (C4) wraps a non-nil result as a ResponsePackage and
// recovers panics here into an ImplementationSpecificError DISCONNECT.
func (s *Service) Handle(ctx context.Context, conn *model.Connection, pkt packets.Packet) (packets.Packet, error) {
	conn.TouchKeepAlive()
	switch p := pkt.(type) {
	case *packets.ConnectPacket:
		return s.handleConnect(ctx, conn, p)
	case *packets.PublishPacket:
		return s.handlePublish(ctx, conn, p)
	case *packets.PubackPacket:
		return s.handlePuback(ctx, conn, p)
	case *packets.PubrecPacket:
		return s.handlePubrec(conn, p)
	case *packets.PubrelPacket:
		return s.handlePubrel(conn, p)
	case *packets.PubcompPacket:
		return s.handlePubcomp(ctx, conn, p)
	case *packets.SubscribePacket:
		return s.handleSubscribe(ctx, conn, p)
	case *packets.UnsubscribePacket:
		return s.handleUnsubscribe(conn, p)
	case *packets.PingreqPacket:
		return s.handlePingreq(conn, p)
	case *packets.DisconnectPacket:
		return s.handleDisconnect(ctx, conn, p)
	default:
		return nil, errors.WithKind(errors.Newf("mqttservice: unexpected packet type %T before CONNECT", pkt), errors.KindProtocol)
	}
}

// HandleConnectionClosed runs last-will delivery for an ungraceful
// socket close (no DISCONNECT packet was received), invoked by the
// connection manager on socket teardown.
func (s *Service) HandleConnectionClosed(ctx context.Context, clientID string) {
	sess, ok := s.sessions.Session(clientID)
	if !ok {
		return
	}
	if sess.Will != nil {
		s.publishWill(ctx, sess.Will, clientID)
	}
	sess.Detach()
}

func remoteIP(conn *model.Connection) string {
	if conn.RemoteAddr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr.String())
	if err != nil {
		return conn.RemoteAddr.String()
	}
	return host
}

func qosDigit(qos uint8) string { return strconv.Itoa(int(qos)) }

func minQoS(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func boolAt(s []bool, i int) bool {
	if i < len(s) {
		return s[i]
	}
	return false
}

// parseDelayedPrefix decodes the reserved "$delayed/<seconds>/<topic>"
// publish destination (section 3, GLOSSARY "Delayed publish").
func parseDelayedPrefix(topic string) (delaySeconds int64, target string, ok bool) {
	const prefix = "$delayed/"
	if !strings.HasPrefix(topic, prefix) {
		return 0, "", false
	}
	rest := topic[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return 0, "", false
	}
	secStr, target := rest[:idx], rest[idx+1:]
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil || sec < 0 || target == "" {
		return 0, "", false
	}
	return sec, target, true
}

// ensureTopic returns the Topic named name, lazily creating its
// backing shard and registering it in the cache if this is the first
// publish to it (section 4.5, "ensure the topic is initialized").
func (s *Service) ensureTopic(ctx context.Context, name string) (*model.Topic, error) {
	if t, ok := s.cache.Topic(Namespace, name); ok {
		return t, nil
	}
	shard := name + "-0"
	if err := s.storage.CreateShard(ctx, model.ShardInfo{Namespace: Namespace, Name: shard}); err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "mqttservice: create shard"), errors.KindStorage)
	}
	t := model.NewTopic(Namespace, name, name, []string{shard}, s.storageBackend)
	req := cache.UpdateCacheRequest{Action: cache.UpdateSet, Resource: cache.ResourceTopic, Key: Namespace + "/" + name}
	s.cache.ApplyUpdate(req, t)
	return t, nil
}

// PublishDelayed re-enters the normal write path for a delayed message
// released by the Delay-Message Engine (C9). It satisfies
// delay.PublishFunc.
func (s *Service) PublishDelayed(ctx context.Context, targetTopic string, payload []byte) error {
	topic, err := s.ensureTopic(ctx, targetTopic)
	if err != nil {
		return err
	}
	rec := model.Record{
		Payload:   payload,
		Timestamp: time.Now(),
		Headers:   map[string]string{model.HeaderQoS: qosDigit(0)},
	}
	_, err = s.storage.Write(ctx, topic.Namespace, topic.NextShard(), rec)
	return err
}

func (s *Service) publishWill(ctx context.Context, will *model.Will, publisherClientID string) {
	if will.DelayInterval > 0 && s.delay != nil {
		if err := s.delay.Stage(ctx, will.Topic, int64(will.DelayInterval), will.Payload); err != nil {
			s.log.Warnw("mqttservice: stage delayed will failed", "err", err)
		}
		return
	}
	topic, err := s.ensureTopic(ctx, will.Topic)
	if err != nil {
		s.log.Warnw("mqttservice: ensure will topic failed", "topic", will.Topic, "err", err)
		return
	}
	headers := map[string]string{
		model.HeaderPublisherClientID: publisherClientID,
		model.HeaderQoS:               qosDigit(will.QoS),
	}
	if will.Retain {
		headers[model.HeaderRetain] = "1"
	}
	if _, err := s.storage.Write(ctx, topic.Namespace, topic.NextShard(), model.Record{Payload: will.Payload, Timestamp: time.Now(), Headers: headers}); err != nil {
		s.log.Warnw("mqttservice: write will record failed", "err", err)
		return
	}
	if will.Retain {
		s.cache.SetRetained(&model.Retained{Topic: will.Topic, Payload: will.Payload, QoS: will.QoS})
	}
}

func generateClientID() string {
	return "auto-" + uuid.NewString()
}
