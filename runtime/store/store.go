// Package store defines the persistence contract the runtime is written
// against. Available implementations:
//
//   - memory: in-memory store for development, tests, and DATA_DIR-less runs
//   - mongo (features/store/mongo): MongoDB store for production persistence
//
// Implementations return fault errors with NOT_FOUND for missing entities and
// CONFLICT for atomicity violations, and must be safe for concurrent use.
package store

import (
	"context"

	"github.com/n3nlabs/n3n/runtime/flow"
)

// Store is the persistence layer for flows, executions, device channel state,
// webhooks, and import audit records.
type Store interface {
	// CreateFlow stores a new flow. A duplicate id is a CONFLICT.
	CreateFlow(ctx context.Context, f *flow.Flow) error

	// FindFlow retrieves a flow by id.
	FindFlow(ctx context.Context, id string) (*flow.Flow, error)

	// FlowNameTaken reports whether the owner already has a non-deleted
	// flow with the given name.
	FlowNameTaken(ctx context.Context, ownerID, name string) (bool, error)

	// CreateFlowVersion stores a new version. A duplicate id is a CONFLICT;
	// an unknown flow id is NOT_FOUND.
	CreateFlowVersion(ctx context.Context, v *flow.FlowVersion) error

	// FindFlowVersion retrieves a version by id.
	FindFlowVersion(ctx context.Context, id string) (*flow.FlowVersion, error)

	// FindPublishedVersion retrieves the single published version of a
	// flow. NOT_FOUND when the flow has no published version.
	FindPublishedVersion(ctx context.Context, flowID string) (*flow.FlowVersion, error)

	// PublishFlowVersion atomically demotes the currently published version
	// to superseded and promotes the given draft. Publishing a non-draft
	// version is a CONFLICT.
	PublishFlowVersion(ctx context.Context, flowID, versionID string) error

	// ListPublishedVersions returns every published version. The scheduler
	// uses this to register cron entries.
	ListPublishedVersions(ctx context.Context) ([]*flow.FlowVersion, error)

	// CreateExecution stores a new execution record.
	CreateExecution(ctx context.Context, e *flow.Execution) error

	// UpdateExecution replaces an execution record.
	UpdateExecution(ctx context.Context, e *flow.Execution) error

	// FindExecution retrieves an execution by id.
	FindExecution(ctx context.Context, id string) (*flow.Execution, error)

	// CreateNodeExecution stores a new node record. Exactly one record
	// exists per (execution, node) pair; a duplicate is a CONFLICT.
	CreateNodeExecution(ctx context.Context, ne *flow.NodeExecution) error

	// UpdateNodeExecution replaces a node record.
	UpdateNodeExecution(ctx context.Context, ne *flow.NodeExecution) error

	// ListNodeExecutions returns the node records of an execution, sorted
	// by node id.
	ListNodeExecutions(ctx context.Context, executionID string) ([]*flow.NodeExecution, error)

	// StoreDeviceKey stores the key material of a freshly paired device.
	StoreDeviceKey(ctx context.Context, k *flow.DeviceKey) error

	// FindDeviceKey retrieves a device key by device id. Revoked keys are
	// still returned; callers decide how to treat them.
	FindDeviceKey(ctx context.Context, deviceID string) (*flow.DeviceKey, error)

	// UpdateDeviceKey replaces a device key record.
	UpdateDeviceKey(ctx context.Context, k *flow.DeviceKey) error

	// DeleteDeviceKey removes a device key record.
	DeleteDeviceKey(ctx context.Context, deviceID string) error

	// ListDeviceKeys returns the device keys of a user, sorted by device id.
	ListDeviceKeys(ctx context.Context, userID string) ([]*flow.DeviceKey, error)

	// CreateRegistrationToken stores a pairing token hash.
	CreateRegistrationToken(ctx context.Context, t *flow.RegistrationToken) error

	// ConsumeRegistrationToken atomically flips a pending token to
	// registered and returns it. A missing hash is NOT_FOUND; a token in
	// any other state is a CONFLICT. At most one caller ever wins.
	ConsumeRegistrationToken(ctx context.Context, tokenHash string) (*flow.RegistrationToken, error)

	// BlockRegistrationToken marks a token blocked regardless of state.
	BlockRegistrationToken(ctx context.Context, tokenHash string) error

	// CreateWebhook stores a webhook binding.
	CreateWebhook(ctx context.Context, w *flow.Webhook) error

	// FindWebhook retrieves the active webhook bound to (path, method).
	FindWebhook(ctx context.Context, path, method string) (*flow.Webhook, error)

	// CreateImportRecord stores the audit record of a package import.
	CreateImportRecord(ctx context.Context, r *flow.ImportRecord) error

	// Transact runs fn atomically: either every write fn performs through
	// the store is visible afterwards, or none is.
	Transact(ctx context.Context, fn func(ctx context.Context) error) error
}
