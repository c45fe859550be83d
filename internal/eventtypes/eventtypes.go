// Package eventtypes defines the wire types exchanged with the control plane
// over the queue substrate: CRUDevent inbound, StateToControlPlane outbound,
// and the desired-state shape of the PostgreSQL custom resource.
package eventtypes

// EventType enumerates both inbound intents and outbound terminal states.
type EventType string

// Inbound intents.
const (
	EventCreate  EventType = "Create"
	EventUpdate  EventType = "Update"
	EventRestore EventType = "Restore"
	EventStart   EventType = "Start"
	EventStop    EventType = "Stop"
	EventRestart EventType = "Restart"
	EventDelete  EventType = "Delete"
)

// Outbound terminal states.
const (
	EventCreated      EventType = "Created"
	EventUpdated      EventType = "Updated"
	EventRestored     EventType = "Restored"
	EventStarted      EventType = "Started"
	EventStopComplete EventType = "StopComplete"
	EventRestarted    EventType = "Restarted"
	EventDeleted      EventType = "Deleted"
	EventError        EventType = "Error"
)

// CRUDevent is the inbound intent published by the control plane.
type CRUDevent struct {
	EventType         EventType               `json:"event_type"`
	OrgID             string                  `json:"org_id"`
	InstID            string                  `json:"inst_id"`
	DataPlaneID       string                  `json:"data_plane_id"`
	Namespace         string                  `json:"namespace"`
	Spec              *PostgresInstanceSpec   `json:"spec,omitempty"`
	BackupsReadPath   *string                 `json:"backups_read_path,omitempty"`
	BackupsWritePath  *string                 `json:"backups_write_path,omitempty"`
}

// StateToControlPlane is the outbound observed-state report.
type StateToControlPlane struct {
	EventType   EventType              `json:"event_type"`
	OrgID       string                 `json:"org_id"`
	InstID      string                 `json:"inst_id"`
	DataPlaneID string                 `json:"data_plane_id"`
	Spec        *PostgresInstanceSpec  `json:"spec,omitempty"`
	Status      *PostgresInstanceStatus `json:"status,omitempty"`
	Connection  *ConnectionInfo        `json:"connection,omitempty"`
}

// ConnectionInfo is the connection material extracted from the managed secret.
type ConnectionInfo struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Username        string `json:"username"`
	CredentialRef   string `json:"credential_ref"`
}

// S3Credentials describes how the backup block authenticates to object storage.
type S3Credentials struct {
	InheritFromIAMRole bool   `json:"inherit_from_iam_role,omitempty"`
	AccessKeyIDRef     string `json:"access_key_id_ref,omitempty"`
	SecretAccessKeyRef string `json:"secret_access_key_ref,omitempty"`
}

// Backup is the backup block of the desired spec.
type Backup struct {
	DestinationPath string         `json:"destinationPath,omitempty"`
	Encryption      string         `json:"encryption"`
	RetentionPolicy string         `json:"retentionPolicy,omitempty"`
	Schedule        string         `json:"schedule,omitempty"`
	EndpointURL     string         `json:"endpointURL,omitempty"`
	S3Credentials   *S3Credentials `json:"s3Credentials,omitempty"`
}

// ServiceAccountTemplate carries the service-account annotations the agent injects.
type ServiceAccountTemplate struct {
	Annotations map[string]string `json:"annotations,omitempty"`
}

// DedicatedNetworking controls the load-balancer's public flag.
type DedicatedNetworking struct {
	Public bool `json:"public"`
}

// PgConfigEntry is a single runtime-config key/value pair.
type PgConfigEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Stack names the application stack (e.g. "standard") requested by the caller.
type Stack struct {
	Name string `json:"name"`
}

// PostgresInstanceSpec is the desired state of the managed PostgreSQL custom resource.
type PostgresInstanceSpec struct {
	Stack                  *Stack                  `json:"stack,omitempty"`
	Backup                 *Backup                 `json:"backup,omitempty"`
	ServiceAccountTemplate *ServiceAccountTemplate `json:"serviceAccountTemplate,omitempty"`
	DedicatedNetworking    *DedicatedNetworking    `json:"dedicatedNetworking,omitempty"`
	RuntimeConfig          []PgConfigEntry         `json:"runtimeConfig,omitempty"`
	StorageClassName       string                  `json:"storageClassName,omitempty"`
}

// Clone returns a deep-enough copy of the spec for mutation by the spec builder.
func (s *PostgresInstanceSpec) Clone() *PostgresInstanceSpec {
	if s == nil {
		return &PostgresInstanceSpec{}
	}
	out := *s
	if s.Stack != nil {
		stack := *s.Stack
		out.Stack = &stack
	}
	if s.Backup != nil {
		backup := *s.Backup
		if s.Backup.S3Credentials != nil {
			creds := *s.Backup.S3Credentials
			backup.S3Credentials = &creds
		}
		out.Backup = &backup
	}
	if s.ServiceAccountTemplate != nil {
		sat := ServiceAccountTemplate{Annotations: map[string]string{}}
		for k, v := range s.ServiceAccountTemplate.Annotations {
			sat.Annotations[k] = v
		}
		out.ServiceAccountTemplate = &sat
	}
	if s.DedicatedNetworking != nil {
		dn := *s.DedicatedNetworking
		out.DedicatedNetworking = &dn
	}
	if s.RuntimeConfig != nil {
		out.RuntimeConfig = append([]PgConfigEntry(nil), s.RuntimeConfig...)
	}
	return &out
}

// PostgresInstanceStatus is the observed status of the custom resource.
type PostgresInstanceStatus struct {
	Running bool   `json:"running"`
	Phase   string `json:"phase,omitempty"`
}

// PostgresInstanceView bundles the spec and status as observed from the cluster.
type PostgresInstanceView struct {
	Spec   *PostgresInstanceSpec
	Status *PostgresInstanceStatus
}
