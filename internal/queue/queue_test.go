package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Namespace string `json:"namespace"`
}

func TestReadReturnsEnvelopeOnHit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"msg_id", "enqueued_at", "read_ct", "message"}).
		AddRow(int64(1), time.Now(), 0, []byte(`{"namespace":"org-a-inst-1"}`))
	mock.ExpectQuery(`SELECT msg_id, enqueued_at, read_ct, message`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE control_plane_events_msgs SET vt`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c := New(db)
	env, err := Read[testPayload](context.Background(), c, ControlPlaneEvents, 30)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, int64(1), env.MsgID)
	assert.Equal(t, "org-a-inst-1", env.Message.Namespace)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadReturnsNilOnEmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT msg_id, enqueued_at, read_ct, message`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	c := New(db)
	env, err := Read[testPayload](context.Background(), c, ControlPlaneEvents, 30)
	require.NoError(t, err)
	assert.Nil(t, env)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadSurfacesDecodeError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"msg_id", "enqueued_at", "read_ct", "message"}).
		AddRow(int64(5), time.Now(), 0, []byte(`not-json`))
	mock.ExpectQuery(`SELECT msg_id, enqueued_at, read_ct, message`).WillReturnRows(rows)
	mock.ExpectExec(`UPDATE control_plane_events_msgs SET vt`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c := New(db)
	env, err := Read[testPayload](context.Background(), c, ControlPlaneEvents, 30)
	require.Error(t, err)
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, int64(5), decodeErr.MsgID)
	require.NotNil(t, env)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveInsertsThenDeletes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO control_plane_events_archive`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM control_plane_events_msgs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c := New(db)
	err = c.Archive(context.Background(), ControlPlaneEvents, 7)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendReturnsNewMsgID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`INSERT INTO data_plane_events_msgs`).WillReturnRows(
		sqlmock.NewRows([]string{"msg_id"}).AddRow(int64(42)),
	)

	c := New(db)
	id, err := Send(context.Background(), c, DataPlaneEvents, testPayload{Namespace: "org-a-inst-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetVisibilityTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE metrics_events_msgs SET vt`).WillReturnResult(sqlmock.NewResult(0, 1))

	c := New(db)
	err = c.SetVisibilityTimeout(context.Background(), MetricsEvents, 3, 300)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
