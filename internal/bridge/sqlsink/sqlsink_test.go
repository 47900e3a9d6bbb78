package sqlsink

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/nimbusmq/broker/internal/model"
)

func TestSendInsertsOneRowWithExpectedArgs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, `INSERT INTO records (topic, key, payload, ts, headers) VALUES (?, ?, ?, ?, ?)`)

	rec := model.Record{
		Key:       "device-1",
		Payload:   []byte("hello"),
		Timestamp: time.Unix(1700000000, 0),
		Headers:   map[string]string{"qos": "1"},
	}

	mock.ExpectExec(`INSERT INTO records`).
		WithArgs("sensors/temp", "device-1", []byte("hello"), rec.Timestamp, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, p.Send(context.Background(), "sensors/temp", rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendPropagatesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	p := New(db, `INSERT INTO records (topic, key, payload, ts, headers) VALUES (?, ?, ?, ?, ?)`)
	mock.ExpectExec(`INSERT INTO records`).WillReturnError(sql.ErrConnDone)

	err = p.Send(context.Background(), "sensors/temp", model.Record{})
	require.Error(t, err)
}
