package tracked

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackUpsertsNamespace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO tracked_namespaces`).
		WithArgs("org-a-inst-1", "org-a", "inst-1", "dp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	err = s.Track(context.Background(), Namespace{Namespace: "org-a-inst-1", OrgID: "org-a", InstID: "inst-1", DataPlaneID: "dp-1"})
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListReturnsTrackedNamespaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"namespace", "org_id", "inst_id", "data_plane_id"}).
		AddRow("org-a-inst-1", "org-a", "inst-1", "dp-1")
	mock.ExpectQuery(`SELECT namespace, org_id, inst_id, data_plane_id FROM tracked_namespaces`).WillReturnRows(rows)

	s := New(db)
	out, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "org-a-inst-1", out[0].Namespace)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUntrackRemovesNamespace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM tracked_namespaces`).WithArgs("org-a-inst-1").WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	err = s.Untrack(context.Background(), "org-a-inst-1")
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
