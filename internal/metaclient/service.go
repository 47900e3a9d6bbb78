package metaclient

import (
	"github.com/nimbusmq/broker/internal/cache"
)

// Full gRPC method paths for the metadata plane's MetaService. Hand
// assigned rather than generated, since nothing in this repo owns the
// plane's IDL; the plane just needs to answer these four methods over
// the msgpack codec.
const (
	serviceName = "nimbusmq.metaclient.MetaService"

	methodClusterConfig = "/" + serviceName + "/GetClusterConfig"
	methodUser          = "/" + serviceName + "/GetUser"
	methodACLRules      = "/" + serviceName + "/GetACLRules"
	methodPollUpdates   = "/" + serviceName + "/PollUpdates"
)

type clusterConfigRequest struct{}

type clusterConfigResponse struct {
	Config cache.ClusterConfig
}

type userRequest struct {
	Username string
}

type userResponse struct {
	Found bool
	User  cache.User
}

type aclRulesRequest struct {
	ResourceName string
}

// aclRuleWire mirrors model.ACLRule field for field; kept separate so
// this package never has to import model's Stringer/Matches methods
// just to move a rule over the wire.
type aclRuleWire struct {
	ResourceType uint8
	ResourceName string
	TopicFilter  string
	IP           string
	Action       uint8
	Permission   uint8
}

type aclRulesResponse struct {
	Rules []aclRuleWire
}

// pollRequest carries the cursor returned by the previous poll; zero
// on the first call, meaning "from the beginning of the update log".
type pollRequest struct {
	Cursor uint64
}

// updateWire mirrors cache.UpdateCacheRequest; Action/Resource are
// already small integers in cache, so they travel as-is.
type updateWire struct {
	Action   uint8
	Resource uint8
	Key      string
	Payload  []byte
}

type pollResponse struct {
	NextCursor uint64
	Updates    []updateWire
}
