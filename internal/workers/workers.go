// Package workers holds the two peer loops launched alongside the
// reconciler (spec.md §4.7): the status reporter, which polls tracked
// namespaces and republishes their observed state, and the metrics
// reporter, which drains the metrics queue into the local registry.
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hexabase/pgconductor/internal/errs"
	"github.com/hexabase/pgconductor/internal/eventtypes"
	"github.com/hexabase/pgconductor/internal/metrics"
	"github.com/hexabase/pgconductor/internal/queue"
	"github.com/hexabase/pgconductor/internal/tracked"
	"go.uber.org/zap"
)

// ClusterReader is the C2 surface the status reporter polls.
type ClusterReader interface {
	GetOne(ctx context.Context, namespace string) (*eventtypes.PostgresInstanceView, error)
}

// NamespaceLister is the C7-added surface backing the reporter's workload.
type NamespaceLister interface {
	List(ctx context.Context) ([]tracked.Namespace, error)
}

// StatusOutbound is the queue surface the status reporter publishes onto.
type StatusOutbound interface {
	SendOutbound(ctx context.Context, queueName string, payload eventtypes.StateToControlPlane) (int64, error)
}

// StatusCache de-dupes status polls: if a namespace's last-observed status
// digest is already cached within the poll interval, the reporter skips
// re-publishing it. Backed by internal/redis in production.
type StatusCache interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// StatusReporter polls every tracked namespace's observed status on a fixed
// cadence and republishes it onto the outbound queue. A StatusCache, when
// set, skips republishing statuses that have not changed since the last
// poll — cache misses or a nil cache always fall through to a publish.
type StatusReporter struct {
	clusterAPI   ClusterReader
	namespaces   NamespaceLister
	outbound     StatusOutbound
	cache        StatusCache
	dataPlaneQ   string
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewStatusReporter builds a StatusReporter. cache may be nil, in which case
// every poll republishes every tracked namespace's status unconditionally.
func NewStatusReporter(clusterAPI ClusterReader, namespaces NamespaceLister, outbound StatusOutbound, cache StatusCache, dataPlaneQueue string, pollInterval time.Duration, logger *zap.Logger) *StatusReporter {
	return &StatusReporter{
		clusterAPI:   clusterAPI,
		namespaces:   namespaces,
		outbound:     outbound,
		cache:        cache,
		dataPlaneQ:   dataPlaneQueue,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run polls and republishes until ctx is cancelled.
func (s *StatusReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *StatusReporter) pollOnce(ctx context.Context) error {
	namespaces, err := s.namespaces.List(ctx)
	if err != nil {
		s.logger.Error("failed to list tracked namespaces", zap.Error(err))
		return nil
	}

	for _, ns := range namespaces {
		view, err := s.clusterAPI.GetOne(ctx, ns.Namespace)
		if err != nil {
			s.logger.Warn("failed to get status for tracked namespace", zap.String("namespace", ns.Namespace), zap.Error(err))
			continue
		}

		if s.unchangedSinceLastPoll(ctx, ns.Namespace, view.Status) {
			continue
		}

		outbound := eventtypes.StateToControlPlane{
			EventType:   eventtypes.EventUpdated,
			OrgID:       ns.OrgID,
			InstID:      ns.InstID,
			DataPlaneID: ns.DataPlaneID,
			Spec:        view.Spec,
			Status:      view.Status,
		}
		if _, err := s.outbound.SendOutbound(ctx, s.dataPlaneQ, outbound); err != nil {
			s.logger.Error("failed to publish status update", zap.String("namespace", ns.Namespace), zap.Error(err))
		}
	}
	return nil
}

// unchangedSinceLastPoll reports whether status matches the digest cached
// from the previous poll. A cache miss or read error is treated as changed,
// so a Redis outage degrades to "publish every poll" rather than silence.
func (s *StatusReporter) unchangedSinceLastPoll(ctx context.Context, namespace string, status *eventtypes.PostgresInstanceStatus) bool {
	if s.cache == nil {
		return false
	}

	digest, err := json.Marshal(status)
	if err != nil {
		return false
	}

	key := statusCacheKey(namespace)
	cached, err := s.cache.Get(ctx, key)
	unchanged := err == nil && cached == string(digest)

	if err := s.cache.SetWithTTL(ctx, key, string(digest), s.pollInterval); err != nil {
		s.logger.Warn("failed to update status cache", zap.String("namespace", namespace), zap.Error(err))
	}

	return unchanged
}

func statusCacheKey(namespace string) string {
	return "pgconductor:status:" + namespace
}

// MetricsInbound is the queue surface the metrics reporter drains.
type MetricsInbound interface {
	ReadMetricsEvent(ctx context.Context, queueName string, vtSeconds int) (*queue.Envelope[map[string]interface{}], error)
	Archive(ctx context.Context, queueName string, msgID int64) error
}

// MetricsReporter drains the metrics queue into the local Prometheus
// registry — a stand-in aggregation sink, since the real sink is out of
// scope (spec.md §1).
type MetricsReporter struct {
	inbound     MetricsInbound
	metricsQ    string
	metrics     *metrics.Metrics
	logger      *zap.Logger
	pollBackoff time.Duration
}

// NewMetricsReporter builds a MetricsReporter.
func NewMetricsReporter(inbound MetricsInbound, metricsQueue string, m *metrics.Metrics, logger *zap.Logger) *MetricsReporter {
	return &MetricsReporter{inbound: inbound, metricsQ: metricsQueue, metrics: m, logger: logger, pollBackoff: 1 * time.Second}
}

// Run drains the metrics queue until ctx is cancelled.
func (m *MetricsReporter) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		env, err := m.inbound.ReadMetricsEvent(ctx, m.metricsQ, 30)
		if err != nil {
			var decodeErr *queue.DecodeError
			if errors.As(err, &decodeErr) {
				return err
			}
			if errors.Is(err, errs.ErrConnectionPool) {
				return err
			}
			m.logger.Error("failed to read metrics event", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.pollBackoff):
			}
			continue
		}

		if env == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.pollBackoff):
			}
			continue
		}

		m.metrics.MetricsEvents.Inc()
		if err := m.inbound.Archive(ctx, m.metricsQ, env.MsgID); err != nil {
			m.logger.Error("failed to archive metrics event", zap.Int64("msg_id", env.MsgID), zap.Error(err))
		}
	}
}
