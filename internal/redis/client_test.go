package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hexabase/pgconductor/internal/errs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestClient(t *testing.T) (*Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := NewClient(Options{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)

	return client, func() {
		_ = client.Close()
		mr.Close()
	}
}

func TestSetWithTTLThenGetRoundTrips(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, client.SetWithTTL(ctx, "pgconductor:status:org-a-inst-1", "digest-1", time.Minute))

	val, err := client.Get(ctx, "pgconductor:status:org-a-inst-1")
	require.NoError(t, err)
	require.Equal(t, "digest-1", val)
}

func TestGetReturnsErrNotFoundOnMiss(t *testing.T) {
	client, cleanup := setupTestClient(t)
	defer cleanup()

	_, err := client.Get(context.Background(), "missing-key")
	require.True(t, errors.Is(err, errs.ErrNotFound))
}
