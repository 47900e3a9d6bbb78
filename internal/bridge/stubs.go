package bridge

import "github.com/nimbusmq/broker/internal/errors"

// ErrSinkNotImplemented is returned by NewRedisPlugin. It exists so
// SinkConfig.Kind can name "redis" without the admin plane rejecting
// the config outright; actually forwarding to it is out of scope
// (external collaborators, per the admin/bridge connectors non-goal).
// Postgres, MySQL, and GreptimeDB are not stubs: internal/bridge/sqlsink
// wires all three through database/sql, since they share an
// insert-a-row contract this package can express generically.
var ErrSinkNotImplemented = errors.New("bridge: sink kind not implemented")

func NewRedisPlugin(SinkConfig) (Plugin, error) { return nil, ErrSinkNotImplemented }
