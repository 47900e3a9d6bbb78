// Package metaclient is the broker's sole dependency on the metadata
// plane: cluster config, users and ACLs, and the cache-update feed
// that keeps internal/cache's Manager in sync with it (section 4.7).
//
// Grounded on teranos-QNTX/domains/grpc/client.go's proxy shape (dial
// once with grpc.WithTransportCredentials(insecure.NewCredentials())
// and grpc.WithBlock(), wrap the *grpc.ClientConn, expose typed
// methods). That proxy calls through protoc-generated stubs; the
// metadata plane here has no .proto in this tree, so GRPCClient calls
// grpc.ClientConn.Invoke directly against hand-assigned method names,
// carrying msgpack-encoded request/response structs via the codec in
// codec.go and grpc.CallContentSubtype.
package metaclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nimbusmq/broker/internal/cache"
	"github.com/nimbusmq/broker/internal/errors"
	"github.com/nimbusmq/broker/internal/model"
)

// MetaClient is the capability internal/cache's refresh path and
// internal/server's bootstrap depend on; GRPCClient is the only
// implementation, but callers take the interface so tests can fake it.
type MetaClient interface {
	ClusterConfig(ctx context.Context) (cache.ClusterConfig, error)
	User(ctx context.Context, username string) (*cache.User, bool, error)
	ACLRules(ctx context.Context, resourceName string) ([]*model.ACLRule, error)
	// PollUpdates returns the updates recorded after cursor and the
	// cursor to pass on the next call. Long-poll semantics (the plane
	// may block up to its own timeout before answering with an empty
	// batch) are the server's concern, not this client's.
	PollUpdates(ctx context.Context, cursor uint64) (next uint64, updates []cache.UpdateCacheRequest, err error)
	Close() error
}

// GRPCClient is the gRPC-backed MetaClient.
type GRPCClient struct {
	log  *zap.SugaredLogger
	conn *grpc.ClientConn
}

// Dial connects to the metadata plane at addr. Mirrors the
// block-until-connected dial used for the grpc proxy this is grounded
// on: a broker that can't reach its metadata plane at startup should
// fail loudly rather than come up with an empty cache.
func Dial(ctx context.Context, log *zap.SugaredLogger, addr string, timeout time.Duration) (*GRPCClient, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "metaclient: dial %s", addr), errors.KindMetadata)
	}
	log.Infow("metaclient: connected to metadata plane", "addr", addr)
	return &GRPCClient{log: log, conn: conn}, nil
}

func (c *GRPCClient) Close() error { return c.conn.Close() }

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	if err := c.conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return errors.WithKind(errors.Wrapf(err, "metaclient: %s", method), errors.KindMetadata)
	}
	return nil
}

// ClusterConfig fetches the current cluster-wide clamps.
func (c *GRPCClient) ClusterConfig(ctx context.Context) (cache.ClusterConfig, error) {
	var resp clusterConfigResponse
	if err := c.invoke(ctx, methodClusterConfig, &clusterConfigRequest{}, &resp); err != nil {
		return cache.ClusterConfig{}, err
	}
	return resp.Config, nil
}

// User fetches a single credential record by username.
func (c *GRPCClient) User(ctx context.Context, username string) (*cache.User, bool, error) {
	var resp userResponse
	if err := c.invoke(ctx, methodUser, &userRequest{Username: username}, &resp); err != nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}
	return &resp.User, true, nil
}

// ACLRules fetches every rule attached to resourceName.
func (c *GRPCClient) ACLRules(ctx context.Context, resourceName string) ([]*model.ACLRule, error) {
	var resp aclRulesResponse
	if err := c.invoke(ctx, methodACLRules, &aclRulesRequest{ResourceName: resourceName}, &resp); err != nil {
		return nil, err
	}
	rules := make([]*model.ACLRule, len(resp.Rules))
	for i, w := range resp.Rules {
		rules[i] = &model.ACLRule{
			ResourceType: model.ResourceType(w.ResourceType),
			ResourceName: w.ResourceName,
			TopicFilter:  w.TopicFilter,
			IP:           w.IP,
			Action:       model.Action(w.Action),
			Permission:   model.Permission(w.Permission),
		}
	}
	return rules, nil
}

// PollUpdates fetches the next batch of cache-update events after
// cursor.
func (c *GRPCClient) PollUpdates(ctx context.Context, cursor uint64) (uint64, []cache.UpdateCacheRequest, error) {
	var resp pollResponse
	if err := c.invoke(ctx, methodPollUpdates, &pollRequest{Cursor: cursor}, &resp); err != nil {
		return cursor, nil, err
	}
	updates := make([]cache.UpdateCacheRequest, len(resp.Updates))
	for i, w := range resp.Updates {
		updates[i] = cache.UpdateCacheRequest{
			Action:   cache.UpdateAction(w.Action),
			Resource: cache.ResourceKind(w.Resource),
			Key:      w.Key,
			Payload:  w.Payload,
		}
	}
	return resp.NextCursor, updates, nil
}
