// Package specbuilder implements the pure, I/O-free spec-mutation functions
// that merge an incoming partial PostgresInstanceSpec with the backup,
// storage, service-account, and scheduling configuration derived from
// environment and event metadata (spec.md §3, §4.4).
package specbuilder

import (
	"fmt"
	"hash/fnv"

	"github.com/hexabase/pgconductor/internal/eventtypes"
)

const (
	runtimeConfigStorageKey = "tembo.storage_bucket_and_path"
	defaultRetentionDays    = "30"
	cloudStackEncryption    = "AES256"
	serviceAccountRoleAnnot = "eks.amazonaws.com/role-arn"
)

// GenerateCronExpression deterministically derives a "<minute> <hour> * * *"
// daily backup schedule from the namespace, so that instances spread their
// backup load across the day instead of clustering at midnight. Collisions
// across namespaces are accepted: this is a pure hash, not a scheduler.
func GenerateCronExpression(namespace string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(namespace))
	sum := h.Sum32()
	minute := sum % 60
	hour := (sum / 60) % 24
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// ApplyCloudStackBackup injects the service-account annotation bearing the
// resolved IAM role ARN and attaches a backup block pointing at the archive
// bucket, per spec.md §3 mutation 1.
func ApplyCloudStackBackup(spec *eventtypes.PostgresInstanceSpec, roleARN, backupBucket, namespace, writePath string, public bool) *eventtypes.PostgresInstanceSpec {
	out := spec.Clone()

	if writePath == "" {
		writePath = fmt.Sprintf("v2/%s", namespace)
	}

	out.Backup = &eventtypes.Backup{
		DestinationPath: fmt.Sprintf("s3://%s/%s", backupBucket, writePath),
		Encryption:      cloudStackEncryption,
		RetentionPolicy: defaultRetentionDays,
		Schedule:        GenerateCronExpression(namespace),
		S3Credentials: &eventtypes.S3Credentials{
			InheritFromIAMRole: true,
		},
	}

	out.ServiceAccountTemplate = &eventtypes.ServiceAccountTemplate{
		Annotations: map[string]string{
			serviceAccountRoleAnnot: roleARN,
		},
	}

	if public && out.DedicatedNetworking != nil {
		dn := *out.DedicatedNetworking
		dn.Public = true
		out.DedicatedNetworking = &dn
	}

	return out
}

// ApplyCustomS3Backup attaches a backup block referencing the namespace-local
// custom-s3-creds secret, the custom endpoint, and an empty encryption
// field, per spec.md §3 mutation 2. The secret itself is created by the
// caller (cluster adapter); this function only shapes the spec.
func ApplyCustomS3Backup(spec *eventtypes.PostgresInstanceSpec, bucket, endpoint, namespace, writePath string) *eventtypes.PostgresInstanceSpec {
	out := spec.Clone()

	if writePath == "" {
		writePath = fmt.Sprintf("v2/%s", namespace)
	}

	out.Backup = &eventtypes.Backup{
		DestinationPath: fmt.Sprintf("s3://%s/%s", bucket, writePath),
		Encryption:      "",
		RetentionPolicy: defaultRetentionDays,
		Schedule:        GenerateCronExpression(namespace),
		EndpointURL:     endpoint,
		S3Credentials: &eventtypes.S3Credentials{
			InheritFromIAMRole: false,
			AccessKeyIDRef:     "custom-s3-creds",
			SecretAccessKeyRef: "custom-s3-creds",
		},
	}

	return out
}

// MergeStorageConfig appends the tembo.storage_bucket_and_path runtime-config
// entry if a backups_write_path was provided on the inbound event, but only
// if no entry of that name is already present — an idempotent, keyed merge
// (spec.md §3 mutation 3, §4.4, property P5).
func MergeStorageConfig(spec *eventtypes.PostgresInstanceSpec, storageBucket, writePath string) *eventtypes.PostgresInstanceSpec {
	out := spec.Clone()

	if writePath == "" {
		return out
	}

	for _, entry := range out.RuntimeConfig {
		if entry.Name == runtimeConfigStorageKey {
			return out
		}
	}

	out.RuntimeConfig = append(out.RuntimeConfig, eventtypes.PgConfigEntry{
		Name:  runtimeConfigStorageKey,
		Value: fmt.Sprintf("%s/%s", storageBucket, writePath),
	})

	return out
}

// BuildDesiredSpecInput bundles the inputs to BuildDesiredSpec.
type BuildDesiredSpecInput struct {
	IncomingSpec     *eventtypes.PostgresInstanceSpec
	Namespace        string
	StorageClassName string

	CloudStackEnabled  bool
	RoleARN            string
	BackupBucket       string
	LoadBalancerPublic bool

	CustomS3Enabled  bool
	CustomS3Bucket   string
	CustomS3Endpoint string

	StorageArchiveBucket string
	BackupsWritePath     string
}

// BuildDesiredSpec composes the mutations above in the order spec.md §3
// specifies, producing a canonical desired spec. Given identical inputs it
// is deterministic and idempotent (invariant I4).
func BuildDesiredSpec(in BuildDesiredSpecInput) *eventtypes.PostgresInstanceSpec {
	spec := in.IncomingSpec.Clone()
	spec.StorageClassName = in.StorageClassName

	if in.CloudStackEnabled {
		spec = ApplyCloudStackBackup(spec, in.RoleARN, in.BackupBucket, in.Namespace, in.BackupsWritePath, in.LoadBalancerPublic)
	}

	if in.CustomS3Enabled {
		spec = ApplyCustomS3Backup(spec, in.CustomS3Bucket, in.CustomS3Endpoint, in.Namespace, in.BackupsWritePath)
	}

	spec = MergeStorageConfig(spec, in.StorageArchiveBucket, in.BackupsWritePath)

	return spec
}
