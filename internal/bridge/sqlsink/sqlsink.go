// Package sqlsink is a BridgePlugin backed by database/sql, used for
// the Postgres, MySQL, and GreptimeDB sink kinds (all three speak a
// row-insert dialect database/sql already abstracts over; GreptimeDB's
// wire protocol is MySQL-compatible). Callers supply an already-opened
// *sql.DB, so this package carries no driver dependency itself.
//
// Grounded on teranos-QNTX/ai/tracker's UsageTracker: a thin wrapper
// around *sql.DB running one parameterized INSERT per record.
package sqlsink

import (
	"context"
	"database/sql"

	"github.com/nimbusmq/broker/internal/model"
)

// Plugin inserts one row per forwarded record into table, via query,
// a driver-specific parameterized INSERT the caller supplies (dialects
// disagree on placeholder syntax: "?" for MySQL/GreptimeDB, "$1.."
// for Postgres).
type Plugin struct {
	db    *sql.DB
	query string // INSERT ... VALUES (...), 5 positional args: topic, key, payload, timestamp, headers_json
}

// New wraps db. query must accept (topic, key, payload, timestamp,
// headers_json) as its five positional parameters, in that order.
func New(db *sql.DB, query string) *Plugin {
	return &Plugin{db: db, query: query}
}

// Send inserts one row for rec. Tags are dropped; the sink schemas
// this targets index by topic and timestamp, not by tag.
func (p *Plugin) Send(ctx context.Context, topic string, rec model.Record) error {
	headersJSON, err := marshalHeaders(rec.Headers)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, p.query, topic, rec.Key, rec.Payload, rec.Timestamp, headersJSON)
	return err
}

func (p *Plugin) Close() error { return p.db.Close() }
