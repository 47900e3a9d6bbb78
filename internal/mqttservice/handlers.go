package mqttservice

import (
	"context"
	"time"

	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/packets"
	"github.com/nimbusmq/broker/internal/subscribe"
)

// handleConnect implements invariant I2 (client-id takeover), session
// resume/clean-session semantics, and credential/ACL checks.
func (s *Service) handleConnect(ctx context.Context, conn *model.Connection, p *packets.ConnectPacket) (packets.Packet, error) {
	version := p.ProtocolLevel
	v5 := version >= 5

	clientID := p.ClientID
	if clientID == "" {
		// [MQTT-3.1.3-8]: a v3/v3.1.1 client must set CleanSession when
		// omitting the client id. v5 always permits a broker-assigned
		// id regardless of Clean Start.
		if !v5 && !p.CleanSession {
			return s.connack(v5, false, ReasonClientIdentifierNotValid), nil
		}
		clientID = generateClientID()
	}

	if p.UsernameFlag {
		if err := s.auth.Authenticate(ctx, p.Username, p.Password); err != nil {
			return s.connack(v5, false, ReasonBadUserNameOrPassword), nil
		}
	}

	if prevID, ok := s.conns.ConnectionID(clientID); ok {
		s.disconn.Disconnect(ctx, prevID)
	}

	var sess *model.Session
	var sessionPresent bool
	if p.CleanSession {
		sess = s.sessions.Replace(clientID)
	} else {
		var existed bool
		sess, existed = s.sessions.GetOrCreate(clientID)
		sessionPresent = existed
	}
	sess.Attach(conn.ID)

	if p.WillFlag {
		will := &model.Will{
			Topic:   p.WillTopic,
			Payload: p.WillMessage,
			QoS:     p.WillQoS,
			Retain:  p.WillRetain,
		}
		if p.WillProperties != nil {
			will.DelayInterval = p.WillProperties.WillDelayInterval
		}
		sess.Will = will
	}

	cluster := s.cache.ClusterConfig()
	keepAlive := p.KeepAlive
	if cluster.MaxKeepAliveSeconds != 0 && keepAlive > cluster.MaxKeepAliveSeconds {
		keepAlive = cluster.MaxKeepAliveSeconds
	}
	var receiveMax, topicAliasMax uint16
	var maxPacketSize uint32
	var requestProblem, requestResponse bool
	if p.Properties != nil {
		receiveMax = p.Properties.ReceiveMaximum
		topicAliasMax = p.Properties.TopicAliasMaximum
		maxPacketSize = p.Properties.MaximumPacketSize
		requestProblem = p.Properties.RequestProblemInformation != 0
		requestResponse = p.Properties.RequestResponseInformation != 0
		if p.Properties.SessionExpiryInterval != 0 {
			sess.SessionExpiryInterval = p.Properties.SessionExpiryInterval
		}
	}
	conn.Login(version, clientID, keepAlive, receiveMax, maxPacketSize, topicAliasMax, requestProblem, requestResponse)

	ack := s.connack(v5, sessionPresent, ReasonSuccess)
	if v5 {
		ack.Properties = &packets.Properties{
			ServerKeepAlive:   keepAlive,
			MaximumQoS:        cluster.MaxQoS,
			ReceiveMaximum:    cluster.ReceiveMaximum,
			TopicAliasMaximum: cluster.TopicAliasMax,
		}
		if p.ClientID == "" {
			ack.Properties.AssignedClientIdentifier = clientID
		}
	}
	return ack, nil
}

func (s *Service) connack(v5, sessionPresent bool, reason uint8) *packets.ConnackPacket {
	code := reason
	if !v5 {
		code = v3ConnackCode(reason)
	}
	return &packets.ConnackPacket{SessionPresent: sessionPresent, ReturnCode: code}
}

// handlePublish implements the full inbound PUBLISH path: delayed
// prefix staging, topic rewrite, ACL, retained update, lazy topic
// creation, write, and the QoS0/1/2 reply ladder.
func (s *Service) handlePublish(ctx context.Context, conn *model.Connection, p *packets.PublishPacket) (packets.Packet, error) {
	clientID := conn.ClientID()
	v5 := conn.ProtocolVersion() >= 5

	topicName := p.Topic
	if p.Properties != nil && p.Properties.TopicAlias != 0 {
		if topicName == "" {
			if resolved, ok := conn.ResolveTopicAlias(p.Properties.TopicAlias); ok {
				topicName = resolved
			}
		} else {
			conn.BindTopicAlias(p.Properties.TopicAlias, topicName)
		}
	}

	if !model.ValidPublishTopic(topicName) {
		return s.pubFailureReply(p, v5, ReasonTopicNameInvalid), nil
	}

	if rewritten, ok := s.rewrite.Apply(s.cache.RewriteRules(), model.RewritePublish, topicName); ok {
		topicName = rewritten
	}

	cluster := s.cache.ClusterConfig()
	if p.QoS > cluster.MaxQoS {
		return s.pubFailureReply(p, v5, ReasonQoSNotSupported), nil
	}
	if cluster.MaxPacketSize != 0 && approxPublishSize(p) > cluster.MaxPacketSize {
		return s.pubFailureReply(p, v5, ReasonPacketTooLarge), nil
	}
	if p.Properties != nil && p.Properties.TopicAlias != 0 && p.Properties.TopicAlias > cluster.TopicAliasMax {
		return s.pubFailureReply(p, v5, ReasonTopicAliasInvalid), nil
	}
	if p.QoS == 2 && cluster.ReceiveMaximum != 0 {
		// QoS1 has no separate counter: per-connection packet processing
		// is serial (queue.FanOut's per-connection ordering guarantee),
		// so a QoS1 PUBLISH is always ack'd within the same handler call
		// that admits it and can never accumulate in flight.
		s.qos2Mu.Lock()
		inFlight := len(s.qos2Inbound[clientID])
		s.qos2Mu.Unlock()
		if uint16(inFlight) >= cluster.ReceiveMaximum {
			return s.pubFailureReply(p, v5, ReasonReceiveMaximumExceeded), nil
		}
	}

	// Decode the reserved delayed-publish prefix before authorizing so
	// the ACL check always runs against the real target topic, never
	// the "$delayed/<seconds>/..." wrapper.
	delaySeconds, delayTarget, delayed := parseDelayedPrefix(topicName)
	authTopic := topicName
	if delayed {
		authTopic = delayTarget
	}

	if !s.auth.Authorize(clientID, remoteIP(conn), authTopic, model.ActionPublish) {
		return s.pubFailureReply(p, v5, ReasonNotAuthorized), nil
	}

	if p.QoS == 2 && s.checkAndMarkQoS2(clientID, p.PacketID) {
		// Retransmission of a QoS2 PUBLISH the client never saw our
		// PUBREC for (invariant I3): ack again without reprocessing.
		return &packets.PubrecPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess, Version: conn.ProtocolVersion()}, nil
	}

	if delayed {
		if err := s.delay.Stage(ctx, delayTarget, delaySeconds, p.Payload); err != nil {
			return s.pubFailureReply(p, v5, reasonForKind(errors.KindOf(err))), nil
		}
		return s.pubSuccessReply(p), nil
	}

	topic, err := s.ensureTopic(ctx, topicName)
	if err != nil {
		return s.pubFailureReply(p, v5, reasonForKind(errors.KindOf(err))), nil
	}

	if p.Retain {
		if len(p.Payload) == 0 {
			s.cache.ClearRetained(topicName)
		} else {
			s.cache.SetRetained(&model.Retained{Topic: topicName, Payload: p.Payload, QoS: p.QoS})
		}
	}

	headers := map[string]string{
		model.HeaderPublisherClientID: clientID,
		model.HeaderQoS:               qosDigit(p.QoS),
	}
	if p.Retain {
		headers[model.HeaderRetain] = "1"
	}
	if _, err := s.storage.Write(ctx, topic.Namespace, topic.NextShard(), model.Record{
		Payload:   p.Payload,
		Timestamp: time.Now(),
		Headers:   headers,
	}); err != nil {
		return s.pubFailureReply(p, v5, reasonForKind(errors.KindOf(err))), nil
	}

	switch p.QoS {
	case 0:
		return nil, nil
	case 1:
		return &packets.PubackPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess, Version: conn.ProtocolVersion()}, nil
	case 2:
		return &packets.PubrecPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess, Version: conn.ProtocolVersion()}, nil
	default:
		return nil, errors.WithKind(errors.Newf("mqttservice: invalid QoS %d", p.QoS), errors.KindProtocol)
	}
}

func (s *Service) pubSuccessReply(p *packets.PublishPacket) packets.Packet {
	switch p.QoS {
	case 1:
		return &packets.PubackPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess, Version: p.Version}
	case 2:
		return &packets.PubrecPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess, Version: p.Version}
	default:
		return nil
	}
}

func (s *Service) pubFailureReply(p *packets.PublishPacket, v5 bool, reason uint8) packets.Packet {
	switch p.QoS {
	case 1:
		return &packets.PubackPacket{PacketID: p.PacketID, ReasonCode: reason, Version: p.Version}
	case 2:
		return &packets.PubrecPacket{PacketID: p.PacketID, ReasonCode: reason, Version: p.Version}
	default:
		return nil
	}
}

// handlePubrec is the broker's own QoS2 outbound push being
// acknowledged by the client; the broker replies PUBREL and keeps the
// PKID allocated until PUBCOMP arrives.
func (s *Service) handlePubrec(conn *model.Connection, p *packets.PubrecPacket) (packets.Packet, error) {
	return &packets.PubrelPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess, Version: conn.ProtocolVersion()}, nil
}

// handlePubrel is the client continuing its own inbound QoS2 PUBLISH
// after the broker's PUBREC; the broker replies PUBCOMP and clears the
// dedup entry (invariant I3).
func (s *Service) handlePubrel(conn *model.Connection, p *packets.PubrelPacket) (packets.Packet, error) {
	clientID := conn.ClientID()
	s.qos2Mu.Lock()
	if set, ok := s.qos2Inbound[clientID]; ok {
		delete(set, p.PacketID)
	}
	s.qos2Mu.Unlock()
	return &packets.PubcompPacket{PacketID: p.PacketID, ReasonCode: ReasonSuccess, Version: conn.ProtocolVersion()}, nil
}

// handlePuback/handlePubcomp release the session's PKID for a
// broker-initiated outbound push and commit the storage offset behind
// it (deferred until now rather than at write time, so a connection
// dropped before the ack arrives gets the record redelivered on the
// next poll instead of silently losing it); neither produces a reply.
func (s *Service) handlePuback(ctx context.Context, conn *model.Connection, p *packets.PubackPacket) (packets.Packet, error) {
	s.releasePKID(conn, p.PacketID)
	if err := s.subs.Ack(ctx, conn.ClientID(), p.PacketID); err != nil {
		s.log.Warnw("mqttservice: ack commit failed", "client_id", conn.ClientID(), "packet_id", p.PacketID, "err", err)
	}
	return nil, nil
}

func (s *Service) handlePubcomp(ctx context.Context, conn *model.Connection, p *packets.PubcompPacket) (packets.Packet, error) {
	s.releasePKID(conn, p.PacketID)
	if err := s.subs.Ack(ctx, conn.ClientID(), p.PacketID); err != nil {
		s.log.Warnw("mqttservice: ack commit failed", "client_id", conn.ClientID(), "packet_id", p.PacketID, "err", err)
	}
	return nil, nil
}

// checkAndMarkQoS2 reports whether pkid has already been recorded as
// an in-flight QoS2 publish from clientID, marking it as seen if not.
func (s *Service) checkAndMarkQoS2(clientID string, pkid uint16) bool {
	s.qos2Mu.Lock()
	defer s.qos2Mu.Unlock()
	set, ok := s.qos2Inbound[clientID]
	if !ok {
		set = make(map[uint16]struct{})
		s.qos2Inbound[clientID] = set
	}
	if _, dup := set[pkid]; dup {
		return true
	}
	set[pkid] = struct{}{}
	return false
}

func (s *Service) releasePKID(conn *model.Connection, pkid uint16) {
	sess, ok := s.sessions.Session(conn.ClientID())
	if !ok {
		return
	}
	sess.ReleasePKID(pkid)
}

// handleSubscribe registers each filter with the Subscribe Manager
// (C6) and replays retained messages synchronously before the SUBACK
// is sent, per section 5's ordering guarantee that retained replay
// strictly precedes the first live delivery.
func (s *Service) handleSubscribe(ctx context.Context, conn *model.Connection, p *packets.SubscribePacket) (packets.Packet, error) {
	clientID := conn.ClientID()
	codes := make([]uint8, len(p.Topics))

	var subID uint32
	if p.Properties != nil && len(p.Properties.SubscriptionIdentifier) > 0 {
		subID = uint32(p.Properties.SubscriptionIdentifier[0])
	}

	for i, rawPath := range p.Topics {
		path := rawPath
		if rewritten, ok := s.rewrite.Apply(s.cache.RewriteRules(), model.RewriteSubscribe, path); ok {
			path = rewritten
		}

		_, filter, _, parseOK := model.ParseSharedSubscription(path)
		checkFilter := path
		if filter != "" {
			checkFilter = filter
		}
		if !parseOK || !model.ValidTopicFilter(checkFilter) {
			codes[i] = ReasonTopicFilterInvalid
			continue
		}
		if !s.auth.Authorize(clientID, remoteIP(conn), checkFilter, model.ActionSubscribe) {
			codes[i] = ReasonNotAuthorized
			continue
		}

		qos := minQoS(qosAt(p.QoS, i), s.cache.ClusterConfig().MaxQoS)
		sub, ok := model.NewSubscription(
			clientID, path, qos,
			boolAt(p.NoLocal, i), boolAt(p.RetainAsPublished, i),
			model.RetainedHandling(uint8At(p.RetainHandling, i)),
			subID, conn.ProtocolVersion(),
		)
		if !ok {
			codes[i] = ReasonTopicFilterInvalid
			continue
		}
		s.subs.Subscribe(ctx, sub)
		codes[i] = qosSubackCode(qos)

		if sub.RetainedHandling != model.DoNotSend {
			s.replayRetained(ctx, sub, checkFilter)
		}
	}

	ack := &packets.SubackPacket{PacketID: p.PacketID, ReturnCodes: codes, Version: conn.ProtocolVersion()}
	return ack, nil
}

// replayRetained delivers every retained message matching filter
// through the same Dispatcher push loops use, so the client sees one
// consistent delivery path regardless of whether a message is retained
// or live.
func (s *Service) replayRetained(ctx context.Context, sub *model.Subscription, filter string) {
	for _, topic := range s.cache.AllTopics() {
		if !model.TopicFilterMatches(filter, topic.Name) {
			continue
		}
		r, ok := s.cache.Retained(topic.Name)
		if !ok || r.Cleared() {
			continue
		}
		msg := subscribe.DeliveryMessage{
			ClientID:       sub.ClientID,
			Topic:          r.Topic,
			Payload:        r.Payload,
			QoS:            minQoS(sub.QoS, r.QoS),
			Retain:         true,
			SubscriptionID: sub.SubscriptionID,
		}
		if msg.QoS > 0 {
			if sess, ok := s.sessions.Session(sub.ClientID); ok {
				if pkid, ok := sess.AllocatePKID(); ok {
					msg.PacketID = pkid
				}
			}
		}
		if err := s.dispatch.Dispatch(ctx, msg); err != nil {
			s.log.Warnw("mqttservice: retained replay dispatch failed", "client_id", sub.ClientID, "topic", r.Topic, "err", err)
		}
	}
}

func (s *Service) handleUnsubscribe(conn *model.Connection, p *packets.UnsubscribePacket) (packets.Packet, error) {
	clientID := conn.ClientID()
	codes := make([]uint8, len(p.Topics))
	for i, path := range p.Topics {
		s.subs.Unsubscribe(clientID, path)
		codes[i] = ReasonSuccess
	}
	return &packets.UnsubackPacket{PacketID: p.PacketID, ReasonCodes: codes, Version: conn.ProtocolVersion()}, nil
}

func (s *Service) handlePingreq(conn *model.Connection, _ *packets.PingreqPacket) (packets.Packet, error) {
	return &packets.PingrespPacket{}, nil
}

// handleDisconnect tears the session down to offline, delivers the
// last-will unless the client disconnected with reason NormalDisconnection
// (MQTT5 semantics: a graceful DISCONNECT with ReasonSuccess discards
// the will), and returns the packet unchanged so the Response Writer
// (C10) can drive connection teardown from it.
func (s *Service) handleDisconnect(ctx context.Context, conn *model.Connection, p *packets.DisconnectPacket) (packets.Packet, error) {
	clientID := conn.ClientID()
	if sess, ok := s.sessions.Session(clientID); ok {
		if p.ReasonCode != ReasonSuccess && sess.Will != nil {
			s.publishWill(ctx, sess.Will, clientID)
		}
		sess.Detach()
		s.subs.UnsubscribeAll(clientID)
	}
	return p, nil
}

// approxPublishSize estimates the encoded size of a PUBLISH for the
// graceful max-packet-size check (C4's hard MaxIncomingPacket cap at
// the transport layer already rejects anything larger by dropping the
// connection outright; this one replies PacketTooLarge instead).
func approxPublishSize(p *packets.PublishPacket) uint32 {
	const fixedHeaderAndVarHeaderOverhead = 8
	return uint32(len(p.Topic)+len(p.Payload)) + fixedHeaderAndVarHeaderOverhead
}

func qosAt(qos []uint8, i int) uint8 {
	if i < len(qos) {
		return qos[i]
	}
	return 0
}

func uint8At(vals []uint8, i int) uint8 {
	if i < len(vals) {
		return vals[i]
	}
	return 0
}

func qosSubackCode(qos uint8) uint8 {
	switch qos {
	case 0:
		return packets.SubackQoS0
	case 1:
		return packets.SubackQoS1
	case 2:
		return packets.SubackQoS2
	default:
		return packets.SubackFailure
	}
}
