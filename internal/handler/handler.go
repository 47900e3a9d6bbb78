// Package handler implements the Packet Handler (C4): a pool of
// workers pulling RequestPackage off the request channel, resolving
// the connection's live state from the connection manager, and
// dispatching to the MQTT Service state machine.
//
// Grounded on the teacher's client.go dispatch loop (readLoop feeds a
// channel, a separate goroutine drains it and reacts per packet type),
// generalized from a single client-side loop to a worker pool pulling
// from many FanOut child channels, one goroutine per child per
// section 4.4's "N_handler consumers".
package handler

import (
	"context"

	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/model"
	"github.com/nimbusmq/broker/internal/mqttservice"
	"github.com/nimbusmq/broker/internal/packets"
	"github.com/nimbusmq/broker/internal/queue"
)

// ConnectionResolver looks up a connection's live model.Connection by
// id, so the handler can hand it to the MQTT service without owning
// connection state itself. Implemented by internal/network.Manager.
type ConnectionResolver interface {
	Connection(id model.ConnectionID) (*model.Connection, bool)
	// SyncClientID re-indexes id's client-id -> connection-id mapping
	// after a CONNECT may have changed it (model.Connection.Login
	// lives outside this package, so the manager can't observe it
	// directly).
	SyncClientID(id model.ConnectionID)
}

// Service is the subset of mqttservice.Service the handler pool
// drives; declared here so tests can substitute a fake.
type Service interface {
	Handle(ctx context.Context, conn *model.Connection, pkt packets.Packet) (packets.Packet, error)
}

// Pool runs N worker goroutines, one per request-channel child,
// dispatching to Service and forwarding replies to the response
// channel.
type Pool struct {
	log      *zap.SugaredLogger
	conns    ConnectionResolver
	service  Service
	requests *queue.FanOut[queue.RequestPackage]
	response *queue.FanOut[queue.ResponsePackage]
}

// New constructs a Pool. The worker count is implicit in the number
// of child channels requests already has.
func New(log *zap.SugaredLogger, conns ConnectionResolver, service Service, requests *queue.FanOut[queue.RequestPackage], response *queue.FanOut[queue.ResponsePackage]) *Pool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{log: log, conns: conns, service: service, requests: requests, response: response}
}

// Run starts one goroutine per request-channel child and blocks until
// ctx is done or every child channel has been closed and drained.
func (p *Pool) Run(ctx context.Context) {
	children := p.requests.Children()
	done := make(chan struct{}, len(children))
	for _, ch := range children {
		go func(ch <-chan queue.RequestPackage) {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case req, ok := <-ch:
					if !ok {
						return
					}
					p.handle(ctx, req)
				}
			}
		}(ch)
	}
	for range children {
		<-done
	}
}

// handle dispatches one RequestPackage, recovering a panic inside the
// service into a DISCONNECT with reason ImplementationSpecificError
// (section 4.4).
func (p *Pool) handle(ctx context.Context, req queue.RequestPackage) {
	conn, ok := p.conns.Connection(req.ConnectionID)
	if !ok {
		p.log.Debugw("handler: connection gone before dispatch", "connection_id", req.ConnectionID)
		return
	}

	reply, err := p.dispatch(ctx, conn, req.Packet)
	p.conns.SyncClientID(req.ConnectionID)
	if err != nil {
		p.log.Debugw("handler: service error", "connection_id", req.ConnectionID, "err", err)
		return
	}
	if reply == nil {
		return
	}
	out := queue.ResponsePackage{ConnectionID: req.ConnectionID, Packet: reply, ReceiveTimestamp: req.ReceiveTimestamp}
	if err := p.response.PostKeyed(ctx, uint64(req.ConnectionID), out); err != nil {
		p.log.Debugw("handler: post response failed", "connection_id", req.ConnectionID, "err", err)
	}
}

// dispatch calls the service, converting a panic into the
// ImplementationSpecificError DISCONNECT the spec requires instead of
// letting it take down the worker goroutine.
func (p *Pool) dispatch(ctx context.Context, conn *model.Connection, pkt packets.Packet) (resp packets.Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("handler: recovered panic in service", "panic", r)
			resp = &packets.DisconnectPacket{
				ReasonCode: mqttservice.ReasonImplementationSpecificError,
				Version:    conn.ProtocolVersion(),
			}
			err = nil
		}
	}()
	return p.service.Handle(ctx, conn, pkt)
}
