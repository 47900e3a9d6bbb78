package mqttservice

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/auth"
	"github.com/nimbusmq/broker/internal/cache"
	"github.com/nimbusmq/broker/internal/delay"
	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/packets"
	"github.com/nimbusmq/broker/internal/rewrite"
	"github.com/nimbusmq/broker/internal/storage/memory"
	"github.com/nimbusmq/broker/internal/subscribe"
)

type fakeConns struct {
	mu    sync.Mutex
	ids   map[string]model.ConnectionID
	disco []model.ConnectionID
}

func newFakeConns() *fakeConns { return &fakeConns{ids: make(map[string]model.ConnectionID)} }

func (f *fakeConns) ConnectionID(clientID string) (model.ConnectionID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ids[clientID]
	return id, ok
}

func (f *fakeConns) Disconnect(_ context.Context, id model.ConnectionID) {
	f.mu.Lock()
	f.disco = append(f.disco, id)
	f.mu.Unlock()
}

type recordingDispatcher struct {
	mu  sync.Mutex
	got []subscribe.DeliveryMessage
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg subscribe.DeliveryMessage) error {
	d.mu.Lock()
	d.got = append(d.got, msg)
	d.mu.Unlock()
	return nil
}

func (d *recordingDispatcher) snapshot() []subscribe.DeliveryMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]subscribe.DeliveryMessage, len(d.got))
	copy(out, d.got)
	return out
}

func newTestService(t *testing.T) (*Service, *cache.Manager, *memory.Adapter, *recordingDispatcher, *fakeConns) {
	t.Helper()
	log := zap.NewNop().Sugar()
	cacheMgr := cache.New(log, cache.ClusterConfig{MaxQoS: 2, MaxKeepAliveSeconds: 300})
	adapter := memory.New()
	authDriver := auth.New(cacheMgr)
	rewriteEngine := rewrite.New()
	sessions := NewSessionStore()
	dispatcher := &recordingDispatcher{}
	conns := newFakeConns()
	subs := subscribe.New(log, adapter, cacheMgr, sessions, dispatcher)
	delayEngine := delay.New(log, adapter, 1, func(context.Context, string, []byte) error { return nil })

	svc := New(log, cacheMgr, adapter, authDriver, rewriteEngine, subs, delayEngine, sessions, conns, conns, dispatcher, "memory")
	return svc, cacheMgr, adapter, dispatcher, conns
}

func newConn(id model.ConnectionID) *model.Connection {
	return model.NewConnection(id, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1234}, model.TransportTCP)
}

func TestHandleConnectCleanSessionAssignsClientID(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	conn := newConn(1)

	reply, err := svc.Handle(context.Background(), conn, &packets.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 5, CleanSession: true,
	})
	require.NoError(t, err)
	ack, ok := reply.(*packets.ConnackPacket)
	require.True(t, ok)
	assert.Equal(t, ReasonSuccess, ack.ReturnCode)
	assert.False(t, ack.SessionPresent)
	assert.NotEmpty(t, conn.ClientID())
	assert.NotEmpty(t, ack.Properties.AssignedClientIdentifier)
}

func TestHandleConnectBadCredentialsRejected(t *testing.T) {
	svc, cacheMgr, _, _, _ := newTestService(t)
	cacheMgr.ApplyUpdate(
		cache.UpdateCacheRequest{Action: cache.UpdateSet, Resource: cache.ResourceUser, Key: "alice"},
		&cache.User{Username: "alice", PasswordHash: auth.HashPassword("correct")},
	)
	conn := newConn(2)

	reply, err := svc.Handle(context.Background(), conn, &packets.ConnectPacket{
		ProtocolLevel: 5, CleanSession: true, ClientID: "c1",
		UsernameFlag: true, Username: "alice", Password: "wrong",
	})
	require.NoError(t, err)
	ack := reply.(*packets.ConnackPacket)
	assert.Equal(t, ReasonBadUserNameOrPassword, ack.ReturnCode)
	assert.False(t, conn.LoggedIn())
}

func TestHandleConnectV3EmptyClientIDCleanSessionFalseRejected(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	conn := newConn(1)

	reply, err := svc.Handle(context.Background(), conn, &packets.ConnectPacket{
		ProtocolLevel: 4, CleanSession: false,
	})
	require.NoError(t, err)
	ack := reply.(*packets.ConnackPacket)
	assert.Equal(t, uint8(2), ack.ReturnCode, "v3 must reject an empty client id with CleanSession=0 as identifier rejected per MQTT-3.1.3-8")
	assert.False(t, conn.LoggedIn())
}

func TestHandleConnectV5EmptyClientIDCleanSessionFalseAccepted(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	conn := newConn(1)

	reply, err := svc.Handle(context.Background(), conn, &packets.ConnectPacket{
		ProtocolLevel: 5, CleanSession: false,
	})
	require.NoError(t, err)
	ack := reply.(*packets.ConnackPacket)
	assert.Equal(t, ReasonSuccess, ack.ReturnCode, "v5 always permits a broker-assigned client id")
	assert.NotEmpty(t, ack.Properties.AssignedClientIdentifier)
}

func TestHandleConnectTakesOverExistingConnection(t *testing.T) {
	svc, _, _, _, conns := newTestService(t)
	conns.ids["c1"] = 9
	conn := newConn(10)

	_, err := svc.Handle(context.Background(), conn, &packets.ConnectPacket{
		ProtocolLevel: 4, CleanSession: true, ClientID: "c1",
	})
	require.NoError(t, err)
	assert.Equal(t, []model.ConnectionID{9}, conns.disco)
}

func loginConn(t *testing.T, svc *Service, id model.ConnectionID, clientID string) *model.Connection {
	t.Helper()
	conn := newConn(id)
	_, err := svc.Handle(context.Background(), conn, &packets.ConnectPacket{
		ProtocolLevel: 5, CleanSession: true, ClientID: clientID,
	})
	require.NoError(t, err)
	return conn
}

func TestHandlePublishQoS0HasNoReply(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	conn := loginConn(t, svc, 1, "pub-1")

	reply, err := svc.Handle(context.Background(), conn, &packets.PublishPacket{
		Topic: "a/b", QoS: 0, Payload: []byte("x"), Version: 5,
	})
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestHandlePublishQoS1Acks(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	conn := loginConn(t, svc, 1, "pub-1")

	reply, err := svc.Handle(context.Background(), conn, &packets.PublishPacket{
		Topic: "a/b", QoS: 1, PacketID: 5, Payload: []byte("x"), Version: 5,
	})
	require.NoError(t, err)
	puback, ok := reply.(*packets.PubackPacket)
	require.True(t, ok)
	assert.Equal(t, uint16(5), puback.PacketID)
	assert.Equal(t, ReasonSuccess, puback.ReasonCode)
}

func TestHandlePublishQoS2DuplicateIsAckedWithoutRewrite(t *testing.T) {
	svc, _, adapter, _, _ := newTestService(t)
	conn := loginConn(t, svc, 1, "pub-1")
	pkt := &packets.PublishPacket{Topic: "a/b", QoS: 2, PacketID: 7, Payload: []byte("x"), Version: 5}

	first, err := svc.Handle(context.Background(), conn, pkt)
	require.NoError(t, err)
	require.IsType(t, &packets.PubrecPacket{}, first)

	second, err := svc.Handle(context.Background(), conn, pkt)
	require.NoError(t, err)
	require.IsType(t, &packets.PubrecPacket{}, second)

	topic, ok := svc.cache.Topic(Namespace, "a/b")
	require.True(t, ok)
	recs, err := adapter.ReadByOffset(context.Background(), topic.Namespace, topic.ShardNames[0], 0, model.DefaultReadConfig())
	require.NoError(t, err)
	assert.Len(t, recs, 1, "duplicate QoS2 publish must not be written twice")
}

func TestHandlePublishRejectsInvalidTopic(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	conn := loginConn(t, svc, 1, "pub-1")

	reply, err := svc.Handle(context.Background(), conn, &packets.PublishPacket{
		Topic: "a/+/b", QoS: 1, PacketID: 1, Payload: []byte("x"), Version: 5,
	})
	require.NoError(t, err)
	puback := reply.(*packets.PubackPacket)
	assert.Equal(t, ReasonTopicNameInvalid, puback.ReasonCode)
}

func TestHandlePublishAboveClusterMaxQoSRejected(t *testing.T) {
	svc, cacheMgr, _, _, _ := newTestService(t)
	cacheMgr.ApplyUpdate(
		cache.UpdateCacheRequest{Action: cache.UpdateSet, Resource: cache.ResourceClusterConfig},
		cache.ClusterConfig{MaxQoS: 1},
	)
	conn := loginConn(t, svc, 1, "pub-1")

	reply, err := svc.Handle(context.Background(), conn, &packets.PublishPacket{
		Topic: "a/b", QoS: 2, PacketID: 1, Payload: []byte("x"), Version: 5,
	})
	require.NoError(t, err)
	pubrec := reply.(*packets.PubrecPacket)
	assert.Equal(t, ReasonQoSNotSupported, pubrec.ReasonCode)
}

func TestHandlePublishDelayedPrefixAuthorizesAgainstResolvedTopic(t *testing.T) {
	svc, cacheMgr, _, _, _ := newTestService(t)
	cacheMgr.ApplyUpdate(
		cache.UpdateCacheRequest{Action: cache.UpdateSet, Resource: cache.ResourceACL, Key: "pub-1"},
		&model.ACLRule{
			ResourceType: model.ResourceClientID, ResourceName: "pub-1",
			TopicFilter: "secret/#", Action: model.ActionPublish, Permission: model.PermissionDeny,
		},
	)
	conn := loginConn(t, svc, 1, "pub-1")

	reply, err := svc.Handle(context.Background(), conn, &packets.PublishPacket{
		Topic: "$delayed/1/secret/data", QoS: 1, PacketID: 1, Payload: []byte("x"), Version: 5,
	})
	require.NoError(t, err)
	puback := reply.(*packets.PubackPacket)
	assert.Equal(t, ReasonNotAuthorized, puback.ReasonCode, "the delayed wrapper must not bypass the ACL deny on the real target topic")
}

func TestHandleSubscribeReplaysRetainedBeforeSuback(t *testing.T) {
	svc, cacheMgr, _, dispatcher, _ := newTestService(t)
	pubConn := loginConn(t, svc, 1, "pub-1")
	_, err := svc.Handle(context.Background(), pubConn, &packets.PublishPacket{
		Topic: "sensors/t", QoS: 0, Retain: true, Payload: []byte("21"), Version: 5,
	})
	require.NoError(t, err)
	_, ok := cacheMgr.Retained("sensors/t")
	require.True(t, ok)

	subConn := loginConn(t, svc, 2, "sub-1")
	reply, err := svc.Handle(context.Background(), subConn, &packets.SubscribePacket{
		PacketID: 1, Topics: []string{"sensors/t"}, QoS: []uint8{1}, Version: 5,
	})
	require.NoError(t, err)
	suback := reply.(*packets.SubackPacket)
	assert.Equal(t, []uint8{packets.SubackQoS1}, suback.ReturnCodes)

	got := dispatcher.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "sub-1", got[0].ClientID)
	assert.Equal(t, "21", string(got[0].Payload))
	assert.True(t, got[0].Retain)
}

func TestHandleUnsubscribeAcksEachTopic(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	conn := loginConn(t, svc, 1, "sub-1")
	_, err := svc.Handle(context.Background(), conn, &packets.SubscribePacket{
		PacketID: 1, Topics: []string{"a/b", "c/d"}, QoS: []uint8{0, 0}, Version: 5,
	})
	require.NoError(t, err)

	reply, err := svc.Handle(context.Background(), conn, &packets.UnsubscribePacket{
		PacketID: 2, Topics: []string{"a/b", "c/d"}, Version: 5,
	})
	require.NoError(t, err)
	unsuback := reply.(*packets.UnsubackPacket)
	assert.Equal(t, []uint8{ReasonSuccess, ReasonSuccess}, unsuback.ReasonCodes)
}

func TestHandlePingreqRepliesPingresp(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	conn := loginConn(t, svc, 1, "c1")
	reply, err := svc.Handle(context.Background(), conn, &packets.PingreqPacket{})
	require.NoError(t, err)
	assert.IsType(t, &packets.PingrespPacket{}, reply)
}

func TestHandleDisconnectAbnormalDeliversWill(t *testing.T) {
	svc, cacheMgr, _, _, _ := newTestService(t)
	conn := newConn(1)
	_, err := svc.Handle(context.Background(), conn, &packets.ConnectPacket{
		ProtocolLevel: 5, CleanSession: true, ClientID: "c1",
		WillFlag: true, WillTopic: "status/c1", WillMessage: []byte("offline"), WillQoS: 0,
	})
	require.NoError(t, err)

	reply, err := svc.Handle(context.Background(), conn, &packets.DisconnectPacket{
		ReasonCode: ReasonUnspecifiedError, Version: 5,
	})
	require.NoError(t, err)
	assert.IsType(t, &packets.DisconnectPacket{}, reply)

	topic, ok := cacheMgr.Topic(Namespace, "status/c1")
	require.True(t, ok)
	_ = topic
}

func TestHandleDisconnectGracefulSkipsWill(t *testing.T) {
	svc, cacheMgr, _, _, _ := newTestService(t)
	conn := newConn(1)
	_, err := svc.Handle(context.Background(), conn, &packets.ConnectPacket{
		ProtocolLevel: 5, CleanSession: true, ClientID: "c1",
		WillFlag: true, WillTopic: "status/c1", WillMessage: []byte("offline"), WillQoS: 0,
	})
	require.NoError(t, err)

	_, err = svc.Handle(context.Background(), conn, &packets.DisconnectPacket{
		ReasonCode: ReasonSuccess, Version: 5,
	})
	require.NoError(t, err)

	_, ok := cacheMgr.Topic(Namespace, "status/c1")
	assert.False(t, ok)
}

func TestHandlePublishDelayedPrefixStagesInsteadOfWriting(t *testing.T) {
	svc, cacheMgr, _, _, _ := newTestService(t)
	conn := loginConn(t, svc, 1, "pub-1")

	reply, err := svc.Handle(context.Background(), conn, &packets.PublishPacket{
		Topic: "$delayed/1/a/b", QoS: 1, PacketID: 3, Payload: []byte("later"), Version: 5,
	})
	require.NoError(t, err)
	puback := reply.(*packets.PubackPacket)
	assert.Equal(t, ReasonSuccess, puback.ReasonCode)

	_, ok := cacheMgr.Topic(Namespace, "a/b")
	assert.False(t, ok, "delayed publish must not land on the target topic synchronously")
}
