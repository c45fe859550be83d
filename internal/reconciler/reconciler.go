// Package reconciler is the core event loop (C6): it dequeues inbound
// control-plane events, drives the cluster and cloud adapters toward the
// desired state, and emits the corresponding outbound event (spec.md §4.6).
package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/hexabase/pgconductor/internal/errs"
	"github.com/hexabase/pgconductor/internal/eventtypes"
	"github.com/hexabase/pgconductor/internal/metrics"
	"github.com/hexabase/pgconductor/internal/queue"
	"github.com/hexabase/pgconductor/internal/specbuilder"
	"github.com/hexabase/pgconductor/internal/tracked"
	"go.uber.org/zap"
)

// Visibility-timeout durations for the dispositions the state machine can
// choose at each step (spec.md §4.6).
const (
	pollVT          = 90 * time.Second
	requeueShortVT  = 5 * time.Second
	requeueLongVT   = 300 * time.Second
	requeueDeleteVT = 60 * time.Second

	emptyPollBackoff = 1 * time.Second
)

// InboundQueue is the subset of the queue client the reconciler dequeues
// control-plane events from.
type InboundQueue interface {
	ReadInbound(ctx context.Context, queueName string, vtSeconds int) (*queue.Envelope[eventtypes.CRUDevent], error)
	SetVisibilityTimeout(ctx context.Context, queueName string, msgID int64, vtSeconds int) error
	Archive(ctx context.Context, queueName string, msgID int64) error
}

// OutboundQueue is the subset of the queue client the reconciler publishes
// state-to-control-plane events onto.
type OutboundQueue interface {
	SendOutbound(ctx context.Context, queueName string, payload eventtypes.StateToControlPlane) (int64, error)
}

// ClusterAdapter is the C2 surface the reconciler drives.
type ClusterAdapter interface {
	CreateNamespace(ctx context.Context, namespace string) error
	CreateOrUpdate(ctx context.Context, namespace string, spec *eventtypes.PostgresInstanceSpec) error
	GetOne(ctx context.Context, namespace string) (*eventtypes.PostgresInstanceView, error)
	GetCoreDBErrorWithoutStatus(ctx context.Context, namespace string) (*eventtypes.PostgresInstanceView, error)
	DeleteCoreDBAndNamespace(ctx context.Context, namespace string) error
	RestartCoreDB(ctx context.Context, namespace string, restartedAt string) error
	UpsertSecret(ctx context.Context, namespace, name string, data map[string][]byte) error
	GetConnectionInfo(ctx context.Context, namespace string) (*eventtypes.ConnectionInfo, error)
}

// CloudStackAdapter is the C3 surface the reconciler drives.
type CloudStackAdapter interface {
	CreateStack(ctx context.Context, namespace, orgID, instID, readPath, writePath string) error
	LookupRoleARN(ctx context.Context, namespace string) (string, error)
	DeleteStack(ctx context.Context, namespace string) error
}

// TombstoneStore is the C5 surface the reconciler consults.
type TombstoneStore interface {
	IsDeleted(ctx context.Context, namespace string) (bool, error)
	MarkDeleted(ctx context.Context, namespace string) error
}

// NamespaceTracker records which namespaces the status reporter (C7)
// should poll. Not part of spec.md's closed component set — see
// DESIGN.md for why the reporter needs a bounded workload source.
type NamespaceTracker interface {
	Track(ctx context.Context, ns tracked.Namespace) error
	Untrack(ctx context.Context, namespace string) error
}

// Config bundles the environment-derived settings the state machine
// branches on (spec.md §4.4, §4.6, §6).
type Config struct {
	ControlPlaneQueue string
	DataPlaneQueue    string
	MaxReadCt         int

	StorageClassName string

	CloudStackEnabled    bool
	BackupArchiveBucket  string
	StorageArchiveBucket string
	LoadBalancerPublic   bool

	CustomS3Enabled         bool
	CustomS3Bucket          string
	CustomS3Endpoint        string
	CustomS3AccessKeyID     string
	CustomS3SecretAccessKey string
}

// Reconciler is the C6 state machine.
type Reconciler struct {
	inbound    InboundQueue
	outbound   OutboundQueue
	clusterAPI ClusterAdapter
	cloudAPI   CloudStackAdapter
	tombstones TombstoneStore
	tracker    NamespaceTracker
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        Config
}

// New builds a Reconciler.
func New(inbound InboundQueue, outbound OutboundQueue, clusterAPI ClusterAdapter, cloudAPI CloudStackAdapter, tombstones TombstoneStore, tracker NamespaceTracker, m *metrics.Metrics, logger *zap.Logger, cfg Config) *Reconciler {
	return &Reconciler{
		inbound:    inbound,
		outbound:   outbound,
		clusterAPI: clusterAPI,
		cloudAPI:   cloudAPI,
		tombstones: tombstones,
		tracker:    tracker,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run is the forever loop (spec.md §4.6 R1). It returns only when ctx is
// cancelled, a fatal connection-pool error surfaces from the queue, or a
// dequeued message fails to decode.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		env, err := r.inbound.ReadInbound(ctx, r.cfg.ControlPlaneQueue, int(pollVT.Seconds()))
		if err != nil {
			var decodeErr *queue.DecodeError
			if errors.As(err, &decodeErr) {
				return err
			}
			if errors.Is(err, errs.ErrConnectionPool) {
				return err
			}
			r.logger.Error("failed to read control plane event", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(emptyPollBackoff):
			}
			continue
		}

		if env == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(emptyPollBackoff):
			}
			continue
		}

		if err := r.handleOne(ctx, env); err != nil {
			r.logger.Error("failed to handle event", zap.Int64("msg_id", env.MsgID), zap.Error(err))
		}
	}
}

// handleOne processes a single dequeued message (spec.md §4.6 R2–R5).
func (r *Reconciler) handleOne(ctx context.Context, env *queue.Envelope[eventtypes.CRUDevent]) error {
	event := env.Message

	// R2 — tombstone check.
	if event.EventType != eventtypes.EventDelete {
		deleted, err := r.tombstones.IsDeleted(ctx, event.Namespace)
		if err != nil {
			r.logger.Error("tombstone read failed, skipping message", zap.String("namespace", event.Namespace), zap.Error(err))
			return nil
		}
		if deleted {
			return r.inbound.Archive(ctx, r.cfg.ControlPlaneQueue, env.MsgID)
		}
	}
	r.metrics.ConductorProcessed.Inc()

	// R3 — age-out.
	if env.ReadCt >= r.cfg.MaxReadCt {
		if err := r.inbound.Archive(ctx, r.cfg.ControlPlaneQueue, env.MsgID); err != nil {
			return err
		}
		r.emitError(ctx, event)
		r.metrics.ConductorErrors.Inc()
		return nil
	}

	switch event.EventType {
	case eventtypes.EventCreate, eventtypes.EventUpdate, eventtypes.EventRestore, eventtypes.EventStart, eventtypes.EventStop:
		return r.handleUpsert(ctx, env, event)
	case eventtypes.EventDelete:
		return r.handleDelete(ctx, env, event)
	case eventtypes.EventRestart:
		return r.handleRestart(ctx, env, event)
	default:
		r.logger.Warn("unhandled event type", zap.String("event_type", string(event.EventType)), zap.String("namespace", event.Namespace))
		r.metrics.ConductorErrors.Inc()
		return nil
	}
}

func (r *Reconciler) handleUpsert(ctx context.Context, env *queue.Envelope[eventtypes.CRUDevent], event eventtypes.CRUDevent) error {
	if event.Spec == nil {
		if err := r.inbound.Archive(ctx, r.cfg.ControlPlaneQueue, env.MsgID); err != nil {
			return err
		}
		r.emitError(ctx, event)
		r.metrics.ConductorErrors.Inc()
		return nil
	}

	writePath := ""
	if event.BackupsWritePath != nil {
		writePath = *event.BackupsWritePath
	}
	readPath := ""
	if event.BackupsReadPath != nil {
		readPath = *event.BackupsReadPath
	}

	var roleARN string
	if r.cfg.CloudStackEnabled {
		if err := r.cloudAPI.CreateStack(ctx, event.Namespace, event.OrgID, event.InstID, readPath, writePath); err != nil {
			return r.dispose(ctx, env.MsgID, err)
		}

		arn, err := r.cloudAPI.LookupRoleARN(ctx, event.Namespace)
		if err != nil {
			return r.dispose(ctx, env.MsgID, err)
		}
		roleARN = arn
	}

	if err := r.clusterAPI.CreateNamespace(ctx, event.Namespace); err != nil {
		return r.dispose(ctx, env.MsgID, err)
	}

	if r.cfg.CustomS3Enabled {
		// R4.4 — the custom-S3 secret must exist before the spec attaches a
		// backup block referencing it (init_custom_s3_backup_configuration,
		// original main.rs:899-950).
		creds := map[string][]byte{
			"ACCESS_KEY_ID":     []byte(r.cfg.CustomS3AccessKeyID),
			"SECRET_ACCESS_KEY": []byte(r.cfg.CustomS3SecretAccessKey),
		}
		if err := r.clusterAPI.UpsertSecret(ctx, event.Namespace, "custom-s3-creds", creds); err != nil {
			return r.dispose(ctx, env.MsgID, err)
		}
	}

	desired := specbuilder.BuildDesiredSpec(specbuilder.BuildDesiredSpecInput{
		IncomingSpec:         event.Spec,
		Namespace:            event.Namespace,
		StorageClassName:     r.cfg.StorageClassName,
		CloudStackEnabled:    r.cfg.CloudStackEnabled,
		RoleARN:              roleARN,
		BackupBucket:         r.cfg.BackupArchiveBucket,
		LoadBalancerPublic:   r.cfg.LoadBalancerPublic,
		CustomS3Enabled:      r.cfg.CustomS3Enabled,
		CustomS3Bucket:       r.cfg.CustomS3Bucket,
		CustomS3Endpoint:     r.cfg.CustomS3Endpoint,
		StorageArchiveBucket: r.cfg.StorageArchiveBucket,
		BackupsWritePath:     writePath,
	})

	if err := r.clusterAPI.CreateOrUpdate(ctx, event.Namespace, desired); err != nil {
		return r.dispose(ctx, env.MsgID, err)
	}

	conn, err := r.clusterAPI.GetConnectionInfo(ctx, event.Namespace)
	if err != nil {
		if !errors.Is(err, errs.ErrPostgresConnectionInfoNotFound) {
			r.metrics.ConductorErrors.Inc()
		}
		return r.dispose(ctx, env.MsgID, err)
	}

	view, err := r.clusterAPI.GetOne(ctx, event.Namespace)
	if err != nil {
		return r.dispose(ctx, env.MsgID, err)
	}

	if r.cfg.CloudStackEnabled && event.EventType == eventtypes.EventStop && view.Status != nil {
		if view.Status.Running {
			return r.requeueShort(ctx, env.MsgID)
		}
		if err := r.cloudAPI.DeleteStack(ctx, event.Namespace); err != nil && !errors.Is(err, errs.ErrDeleteNotComplete) {
			return r.dispose(ctx, env.MsgID, err)
		}
	}

	if err := r.tracker.Track(ctx, tracked.Namespace{
		Namespace:   event.Namespace,
		OrgID:       event.OrgID,
		InstID:      event.InstID,
		DataPlaneID: event.DataPlaneID,
	}); err != nil {
		r.logger.Error("failed to track namespace", zap.String("namespace", event.Namespace), zap.Error(err))
	}

	outbound := eventtypes.StateToControlPlane{
		EventType:   outboundEventFor(event.EventType),
		OrgID:       event.OrgID,
		InstID:      event.InstID,
		DataPlaneID: event.DataPlaneID,
		Spec:        view.Spec,
		Status:      view.Status,
		Connection:  conn,
	}
	return r.publishAndArchive(ctx, env.MsgID, outbound)
}

func (r *Reconciler) handleDelete(ctx context.Context, env *queue.Envelope[eventtypes.CRUDevent], event eventtypes.CRUDevent) error {
	if err := r.clusterAPI.DeleteCoreDBAndNamespace(ctx, event.Namespace); err != nil {
		return r.dispose(ctx, env.MsgID, err)
	}

	if r.cfg.CloudStackEnabled {
		if err := r.cloudAPI.DeleteStack(ctx, event.Namespace); err != nil && !errors.Is(err, errs.ErrDeleteNotComplete) {
			r.logger.Error("failed to delete cloud stack", zap.String("namespace", event.Namespace), zap.Error(err))
		}
	}

	if err := r.tombstones.MarkDeleted(ctx, event.Namespace); err != nil {
		r.logger.Error("failed to mark namespace tombstoned", zap.String("namespace", event.Namespace), zap.Error(err))
	}

	if err := r.tracker.Untrack(ctx, event.Namespace); err != nil {
		r.logger.Error("failed to untrack namespace", zap.String("namespace", event.Namespace), zap.Error(err))
	}

	outbound := eventtypes.StateToControlPlane{
		EventType:   eventtypes.EventDeleted,
		OrgID:       event.OrgID,
		InstID:      event.InstID,
		DataPlaneID: event.DataPlaneID,
	}
	return r.publishAndArchive(ctx, env.MsgID, outbound)
}

func (r *Reconciler) handleRestart(ctx context.Context, env *queue.Envelope[eventtypes.CRUDevent], event eventtypes.CRUDevent) error {
	restartedAt := env.EnqueuedAt.Format(time.RFC3339Nano)

	if err := r.clusterAPI.RestartCoreDB(ctx, event.Namespace, restartedAt); err != nil {
		return r.requeueShort(ctx, env.MsgID)
	}

	view, err := r.clusterAPI.GetCoreDBErrorWithoutStatus(ctx, event.Namespace)
	if err != nil {
		return r.requeueShort(ctx, env.MsgID)
	}

	conn, err := r.clusterAPI.GetConnectionInfo(ctx, event.Namespace)
	if err != nil {
		conn = nil
	}

	outbound := eventtypes.StateToControlPlane{
		EventType:   eventtypes.EventRestarted,
		OrgID:       event.OrgID,
		InstID:      event.InstID,
		DataPlaneID: event.DataPlaneID,
		Spec:        view.Spec,
		Status:      view.Status,
		Connection:  conn,
	}
	return r.publishAndArchive(ctx, env.MsgID, outbound)
}

func (r *Reconciler) publishAndArchive(ctx context.Context, msgID int64, outbound eventtypes.StateToControlPlane) error {
	if _, err := r.outbound.SendOutbound(ctx, r.cfg.DataPlaneQueue, outbound); err != nil {
		return err
	}
	if err := r.inbound.Archive(ctx, r.cfg.ControlPlaneQueue, msgID); err != nil {
		return err
	}
	r.metrics.ConductorCompleted.Inc()
	return nil
}

// dispose classifies a non-nil adapter error through the agent's closed
// error taxonomy (errs.Classify) and applies the disposition it maps to,
// centralizing the requeue decision instead of re-deriving it with an
// errors.Is check at every call site (spec.md §7).
func (r *Reconciler) dispose(ctx context.Context, msgID int64, err error) error {
	switch errs.Classify(err) {
	case errs.DispositionRequeueShort:
		return r.requeueShort(ctx, msgID)
	case errs.DispositionRequeueDelete:
		return r.requeueDelete(ctx, msgID)
	default:
		return r.requeueLong(ctx, msgID)
	}
}

func (r *Reconciler) requeueShort(ctx context.Context, msgID int64) error {
	r.metrics.RequeueShort()
	return r.inbound.SetVisibilityTimeout(ctx, r.cfg.ControlPlaneQueue, msgID, int(requeueShortVT.Seconds()))
}

func (r *Reconciler) requeueLong(ctx context.Context, msgID int64) error {
	r.metrics.RequeueLong()
	return r.inbound.SetVisibilityTimeout(ctx, r.cfg.ControlPlaneQueue, msgID, int(requeueLongVT.Seconds()))
}

func (r *Reconciler) requeueDelete(ctx context.Context, msgID int64) error {
	r.metrics.RequeueDelete()
	return r.inbound.SetVisibilityTimeout(ctx, r.cfg.ControlPlaneQueue, msgID, int(requeueDeleteVT.Seconds()))
}

func (r *Reconciler) emitError(ctx context.Context, event eventtypes.CRUDevent) {
	outbound := eventtypes.StateToControlPlane{
		EventType:   eventtypes.EventError,
		OrgID:       event.OrgID,
		InstID:      event.InstID,
		DataPlaneID: event.DataPlaneID,
	}
	if _, err := r.outbound.SendOutbound(ctx, r.cfg.DataPlaneQueue, outbound); err != nil {
		r.logger.Error("failed to emit error event", zap.String("namespace", event.Namespace), zap.Error(err))
	}
}

func outboundEventFor(in eventtypes.EventType) eventtypes.EventType {
	switch in {
	case eventtypes.EventCreate:
		return eventtypes.EventCreated
	case eventtypes.EventUpdate:
		return eventtypes.EventUpdated
	case eventtypes.EventRestore:
		return eventtypes.EventRestored
	case eventtypes.EventStart:
		return eventtypes.EventStarted
	case eventtypes.EventStop:
		return eventtypes.EventStopComplete
	default:
		return eventtypes.EventError
	}
}
