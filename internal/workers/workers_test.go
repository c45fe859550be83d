package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hexabase/pgconductor/internal/errs"
	"github.com/hexabase/pgconductor/internal/eventtypes"
	"github.com/hexabase/pgconductor/internal/metrics"
	"github.com/hexabase/pgconductor/internal/queue"
	"github.com/hexabase/pgconductor/internal/tracked"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClusterReader struct {
	views map[string]*eventtypes.PostgresInstanceView
}

func (f *fakeClusterReader) GetOne(ctx context.Context, namespace string) (*eventtypes.PostgresInstanceView, error) {
	return f.views[namespace], nil
}

type fakeNamespaceLister struct {
	namespaces []tracked.Namespace
}

func (f *fakeNamespaceLister) List(ctx context.Context) ([]tracked.Namespace, error) {
	return f.namespaces, nil
}

type fakeStatusOutbound struct {
	sent []eventtypes.StateToControlPlane
}

func (f *fakeStatusOutbound) SendOutbound(ctx context.Context, queueName string, payload eventtypes.StateToControlPlane) (int64, error) {
	f.sent = append(f.sent, payload)
	return int64(len(f.sent)), nil
}

func TestStatusReporterPollOncePublishesEveryTrackedNamespace(t *testing.T) {
	cluster := &fakeClusterReader{views: map[string]*eventtypes.PostgresInstanceView{
		"org-a-inst-1": {Status: &eventtypes.PostgresInstanceStatus{Running: true}},
	}}
	lister := &fakeNamespaceLister{namespaces: []tracked.Namespace{
		{Namespace: "org-a-inst-1", OrgID: "org-a", InstID: "inst-1", DataPlaneID: "dp-1"},
	}}
	out := &fakeStatusOutbound{}

	r := NewStatusReporter(cluster, lister, out, nil, "data_plane_events", time.Second, zap.NewNop())
	err := r.pollOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, out.sent, 1)
	assert.Equal(t, "org-a", out.sent[0].OrgID)
	assert.True(t, out.sent[0].Status.Running)
}

type fakeStatusCache struct {
	values map[string]string
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{values: map[string]string{}}
}

func (f *fakeStatusCache) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", assert.AnError
	}
	return v, nil
}

func (f *fakeStatusCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.values[key] = value.(string)
	return nil
}

func TestStatusReporterSkipsUnchangedStatusOnRepeatPoll(t *testing.T) {
	cluster := &fakeClusterReader{views: map[string]*eventtypes.PostgresInstanceView{
		"org-a-inst-1": {Status: &eventtypes.PostgresInstanceStatus{Running: true}},
	}}
	lister := &fakeNamespaceLister{namespaces: []tracked.Namespace{
		{Namespace: "org-a-inst-1", OrgID: "org-a", InstID: "inst-1", DataPlaneID: "dp-1"},
	}}
	out := &fakeStatusOutbound{}
	cache := newFakeStatusCache()

	r := NewStatusReporter(cluster, lister, out, cache, "data_plane_events", time.Second, zap.NewNop())

	require.NoError(t, r.pollOnce(context.Background()))
	require.Len(t, out.sent, 1)

	require.NoError(t, r.pollOnce(context.Background()))
	assert.Len(t, out.sent, 1, "unchanged status should not be republished")

	cluster.views["org-a-inst-1"].Status.Running = false
	require.NoError(t, r.pollOnce(context.Background()))
	assert.Len(t, out.sent, 2, "changed status should be republished")
}

type fakeMetricsInbound struct {
	envelopes []*queue.Envelope[map[string]interface{}]
	archived  []int64
	idx       int
}

func (f *fakeMetricsInbound) ReadMetricsEvent(ctx context.Context, queueName string, vtSeconds int) (*queue.Envelope[map[string]interface{}], error) {
	if f.idx >= len(f.envelopes) {
		return nil, nil
	}
	env := f.envelopes[f.idx]
	f.idx++
	return env, nil
}

func (f *fakeMetricsInbound) Archive(ctx context.Context, queueName string, msgID int64) error {
	f.archived = append(f.archived, msgID)
	return nil
}

type flakyMetricsInbound struct {
	err error
}

func (f *flakyMetricsInbound) ReadMetricsEvent(ctx context.Context, queueName string, vtSeconds int) (*queue.Envelope[map[string]interface{}], error) {
	return nil, f.err
}

func (f *flakyMetricsInbound) Archive(ctx context.Context, queueName string, msgID int64) error {
	return nil
}

func TestMetricsReporterDrainsAndArchives(t *testing.T) {
	inbound := &fakeMetricsInbound{envelopes: []*queue.Envelope[map[string]interface{}]{
		{MsgID: 1, Message: map[string]interface{}{"kind": "backup_completed"}},
	}}
	m := metrics.New()
	r := NewMetricsReporter(inbound, "metrics_events", m, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []int64{1}, inbound.archived)
}

func TestMetricsReporterBacksOffOnOrdinaryError(t *testing.T) {
	inbound := &flakyMetricsInbound{err: errors.New("transient read failure")}
	m := metrics.New()
	r := NewMetricsReporter(inbound, "metrics_events", m, zap.NewNop())
	r.pollBackoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMetricsReporterExitsOnConnectionPoolError(t *testing.T) {
	inbound := &flakyMetricsInbound{err: errs.ErrConnectionPool}
	m := metrics.New()
	r := NewMetricsReporter(inbound, "metrics_events", m, zap.NewNop())

	err := r.Run(context.Background())
	require.ErrorIs(t, err, errs.ErrConnectionPool)
}
