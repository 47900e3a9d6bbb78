package response

import (
	"context"

	"go.uber.org/zap"

	"github.com/nimbusmq/broker/internal/queue"
)

// Pool drains the outbound side of the Request Channel (C3), one
// goroutine per child, and writes each ResponsePackage through Writer.
// Mirrors handler.Pool's shape on the response side of the pipeline.
type Pool struct {
	log      *zap.SugaredLogger
	writer   *Writer
	response *queue.FanOut[queue.ResponsePackage]
}

// NewPool constructs a response Pool over writer.
func NewPool(log *zap.SugaredLogger, writer *Writer, response *queue.FanOut[queue.ResponsePackage]) *Pool {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{log: log, writer: writer, response: response}
}

// Run starts one goroutine per response-channel child and blocks
// until ctx is done or every child is closed and drained.
func (p *Pool) Run(ctx context.Context) {
	children := p.response.Children()
	done := make(chan struct{}, len(children))
	for _, ch := range children {
		go func(ch <-chan queue.ResponsePackage) {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case resp, ok := <-ch:
					if !ok {
						return
					}
					if err := p.writer.WriteResponse(ctx, resp.ConnectionID, resp.Packet); err != nil {
						p.log.Debugw("response: write failed", "connection_id", resp.ConnectionID, "err", err)
					}
				}
			}
		}(ch)
	}
	for range children {
		<-done
	}
}
