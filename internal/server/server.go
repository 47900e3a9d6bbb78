// Package server wires every component (C1-C10, auth, metaclient,
// bridge) into a running broker process and owns its startup/shutdown
// sequence (section 5). cmd/broker is a thin cobra CLI over this
// package, the way mercierj-homeport's internal/cli wraps its own
// business logic rather than building it inline in main.go.
package server

import (
	"context"
	"crypto/tls"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/auth"
	"github.com/nimbusmq/broker/internal/cache"
	"github.com/nimbusmq/broker/internal/config"
	"github.com/nimbusmq/broker/internal/delay"
	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/handler"
	"github.com/nimbusmq/broker/internal/metaclient"
	"github.com/nimbusmq/broker/internal/mqttservice"
	"github.com/nimbusmq/broker/internal/network"
	"github.com/nimbusmq/broker/internal/queue"
	"github.com/nimbusmq/broker/internal/response"
	"github.com/nimbusmq/broker/internal/rewrite"
	"github.com/nimbusmq/broker/internal/storage"
	"github.com/nimbusmq/broker/internal/storage/embeddedkv"
	"github.com/nimbusmq/broker/internal/storage/journal"
	"github.com/nimbusmq/broker/internal/storage/memory"
	"github.com/nimbusmq/broker/internal/subscribe"
)

// Server owns every long-lived component and the channels between
// them. Build constructs one from a loaded config; Run blocks until
// ctx is cancelled, then drains per section 5's shutdown contract.
type Server struct {
	log *zap.SugaredLogger
	cfg *config.Broker

	storageAdapter storage.Adapter
	cacheMgr       *cache.Manager
	meta           metaclient.MetaClient
	subscriber     *metaclient.Subscriber

	network  *network.Manager
	acceptor *network.Acceptor
	handlers *handler.Pool
	writer   *response.Writer
	respPool *response.Pool
	svc      *mqttservice.Service
	delayEng *delay.Engine

	requests  *queue.FanOut[queue.RequestPackage]
	responses *queue.FanOut[queue.ResponsePackage]

	gcInterval time.Duration
}

// Build constructs every component and wires them together, but
// starts nothing: Run does that so tests can inspect a built Server
// without binding sockets.
func Build(log *zap.SugaredLogger, cfg *config.Broker) (*Server, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	storageAdapter, err := buildStorageAdapter(cfg.Storage)
	if err != nil {
		return nil, err
	}

	cacheMgr := cache.New(log, cache.ClusterConfig{
		MaxKeepAliveSeconds: cfg.Clamps.MaxKeepAliveSeconds,
		MaxQoS:              cfg.Clamps.MaxQoS,
		ReceiveMaximum:      cfg.Clamps.ReceiveMaximum,
		TopicAliasMax:       cfg.Clamps.TopicAliasMax,
		MaxPacketSize:       cfg.Clamps.MaxPacketSize,
	})

	authDriver := auth.New(cacheMgr)
	rewriteEngine := rewrite.New()
	sessions := mqttservice.NewSessionStore()
	netMgr := network.New(log)

	writer := response.New(netMgr, netMgr)
	subs := subscribe.New(log, storageAdapter, cacheMgr, sessions, writer)

	// delay.New needs service.PublishDelayed, and mqttservice.New needs
	// the delay engine in turn; svc is assigned after both exist, and
	// the closure below only reads it once a delayed message is
	// actually released, by which point Build has returned.
	var svc *mqttservice.Service
	delayEng := delay.New(log, storageAdapter, cfg.Storage.DelayShards, func(ctx context.Context, targetTopic string, payload []byte) error {
		return svc.PublishDelayed(ctx, targetTopic, payload)
	})

	svc = mqttservice.New(log, cacheMgr, storageAdapter, authDriver, rewriteEngine, subs, delayEng, sessions, netMgr, netMgr, writer, cfg.Storage.Backend)

	requests := queue.NewFanOut[queue.RequestPackage](cfg.Pools.HandlerWorkers, cfg.Pools.ChannelCapacity)
	responses := queue.NewFanOut[queue.ResponsePackage](cfg.Pools.ResponseWorkers, cfg.Pools.ChannelCapacity)

	handlers := handler.New(log, netMgr, svc, requests, responses)
	respPool := response.NewPool(log, writer, responses)

	tlsConfig, err := buildTLSConfig(cfg.Network.TLSCertFile, cfg.Network.TLSKeyFile)
	if err != nil {
		return nil, err
	}

	acceptor := network.NewAcceptor(log, netMgr, requests, svc, network.Config{
		TCPAddr:           portAddr(cfg.Network.TCPPort),
		TLSAddr:           portAddr(cfg.Network.TLSPort),
		WebSocketAddr:     portAddr(cfg.Network.WebSocketPort),
		WebSocketSAddr:    portAddr(cfg.Network.WebSocketSPort),
		QUICAddr:          portAddr(cfg.Network.QUICPort),
		TLSConfig:         tlsConfig,
		AcceptWorkers:     cfg.Pools.AcceptWorkers,
		MaxIncomingPacket: int(cfg.Clamps.MaxPacketSize),
		ConnectRatePerSec: 0, // not set from config; connection-rate limiting stays off
	})

	s := &Server{
		log:            log,
		cfg:            cfg,
		storageAdapter: storageAdapter,
		cacheMgr:       cacheMgr,
		network:        netMgr,
		acceptor:       acceptor,
		handlers:       handlers,
		writer:         writer,
		respPool:       respPool,
		svc:            svc,
		delayEng:       delayEng,
		requests:       requests,
		responses:      responses,
		gcInterval:     time.Minute,
	}

	if len(cfg.MetaPlane.Endpoints) > 0 {
		meta, err := metaclient.Dial(context.Background(), log, cfg.MetaPlane.Endpoints[0], cfg.MetaPlane.DialTimeout)
		if err != nil {
			return nil, errors.WithKind(err, errors.KindMetadata)
		}
		s.meta = meta
		s.subscriber = metaclient.NewSubscriber(log, meta, cacheMgr, time.Second)
	}

	return s, nil
}

func portAddr(port int) string {
	if port == 0 {
		return ""
	}
	return ":" + strconv.Itoa(port)
}

func buildTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "server: load tls keypair")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func buildStorageAdapter(cfg config.Storage) (storage.Adapter, error) {
	switch cfg.Backend {
	case "embeddedkv":
		a, err := embeddedkv.New(embeddedkv.Options{Dir: cfg.DataDir})
		if err != nil {
			return nil, errors.WithKind(errors.Wrap(err, "server: open embeddedkv adapter"), errors.KindStorage)
		}
		return a, nil
	case "journal":
		a, err := journal.New(cfg.DataDir, int64(cfg.MaxSegmentMB)<<20)
		if err != nil {
			return nil, errors.WithKind(errors.Wrap(err, "server: open journal adapter"), errors.KindStorage)
		}
		return a, nil
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, errors.WithKind(errors.Newf("server: unknown storage backend %q", cfg.Backend), errors.KindStorage)
	}
}

// Run starts every worker and blocks until ctx is cancelled, then
// drains per section 5: stop accepting new connections, drain the
// request and response channels, stop the delay engine's pop loops,
// and finally close storage.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.delayEng.Recover(runCtx); err != nil {
		s.log.Warnw("server: delay index recovery failed", "err", err)
	}
	s.delayEng.Start(runCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); s.handlers.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); s.respPool.Run(runCtx) }()

	if s.subscriber != nil {
		wg.Add(1)
		go func() { defer wg.Done(); s.subscriber.Run(runCtx) }()
	}

	wg.Add(1)
	go func() { defer wg.Done(); s.runGC(runCtx) }()

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- s.acceptor.Serve(runCtx) }()

	select {
	case <-ctx.Done():
	case err := <-acceptErr:
		if err != nil {
			s.log.Errorw("server: acceptor exited", "err", err)
		}
	}

	s.shutdown()
	wg.Wait()
	return nil
}

// shutdown runs the drain sequence. It does not cancel runCtx itself;
// Run's deferred cancel does that once shutdown returns, which is what
// lets the handler/response pools and push loops notice and exit.
func (s *Server) shutdown() {
	s.log.Infow("server: shutting down")

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := queue.WaitDrained(drainCtx, s.requests, 50*time.Millisecond); err != nil {
		s.log.Warnw("server: request channel did not drain", "err", err)
	}
	if err := queue.WaitDrained(drainCtx, s.responses, 50*time.Millisecond); err != nil {
		s.log.Warnw("server: response channel did not drain", "err", err)
	}

	s.delayEng.Shutdown()

	if s.meta != nil {
		if err := s.meta.Close(); err != nil {
			s.log.Warnw("server: metaclient close", "err", err)
		}
	}

	if err := s.storageAdapter.Close(); err != nil {
		s.log.Warnw("server: storage close", "err", err)
	}
}

// WatchConfig wires config.WatchReloadable to the running Server: a
// changed clamps section (max_qos, receive_maximum, ...) is pushed
// into the cache manager the same way a metadata-plane cluster-config
// update would be. Nothing else is reapplied: TLS cert/key changes,
// pool sizes and listener ports take effect only on restart (section 5).
func (s *Server) WatchConfig(path string) error {
	return config.WatchReloadable(path, func(cfg *config.Broker) {
		s.cacheMgr.ApplyUpdate(cache.UpdateCacheRequest{
			Action:   cache.UpdateSet,
			Resource: cache.ResourceClusterConfig,
		}, cache.ClusterConfig{
			MaxKeepAliveSeconds: cfg.Clamps.MaxKeepAliveSeconds,
			MaxQoS:              cfg.Clamps.MaxQoS,
			ReceiveMaximum:      cfg.Clamps.ReceiveMaximum,
			TopicAliasMax:       cfg.Clamps.TopicAliasMax,
			MaxPacketSize:       cfg.Clamps.MaxPacketSize,
		})
		s.log.Infow("server: applied reloaded cluster clamps")
	})
}

func (s *Server) runGC(ctx context.Context) {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.storageAdapter.GC(ctx); err != nil {
				s.log.Warnw("server: storage GC failed", "err", err)
			}
		}
	}
}
