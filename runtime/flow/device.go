package flow

import "time"

// DeviceKey is the persistent cryptographic state bound to a paired agent.
// It is owned by exactly one user. LastSequence grows monotonically for the
// lifetime of the key; a revoked key is never resurrected, re-pairing mints
// a new one.
type DeviceKey struct {
	DeviceID     string    `json:"device_id"`
	UserID       string    `json:"user_id"`
	DeviceName   string    `json:"device_name"`
	Platform     string    `json:"platform"`
	Fingerprint  string    `json:"fingerprint"`
	EncKeyC2S    []byte    `json:"enc_key_c2s"`
	EncKeyS2C    []byte    `json:"enc_key_s2c"`
	AuthKey      []byte    `json:"auth_key"`
	LastSequence uint64    `json:"last_sequence"`
	PairedAt     time.Time `json:"paired_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Revoked      bool      `json:"revoked"`
}

// TokenStatus is the lifecycle state of a RegistrationToken.
type TokenStatus string

const (
	TokenPending    TokenStatus = "pending"
	TokenRegistered TokenStatus = "registered"
	TokenBlocked    TokenStatus = "blocked"
)

// RegistrationToken is the single-use pairing credential. Only the SHA-256
// hash of the token is stored; a successful registration flips
// pending → registered atomically.
type RegistrationToken struct {
	TokenHash string      `json:"token_hash"`
	UserID    string      `json:"user_id"`
	Status    TokenStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// WebhookAuth selects the authentication rule applied to inbound webhook
// requests.
type WebhookAuth string

const (
	WebhookAuthNone WebhookAuth = "none"
	WebhookAuthHMAC WebhookAuth = "hmac"
)

// Webhook maps an inbound (path, method) pair onto a flow. Requests that
// match an active webhook start an execution of the flow's published version.
type Webhook struct {
	ID     string      `json:"id"`
	FlowID string      `json:"flow_id"`
	Path   string      `json:"path"`
	Method string      `json:"method"`
	Auth   WebhookAuth `json:"auth"`
	Secret string      `json:"secret,omitempty"`
	Active bool        `json:"active"`
}

// ImportRecord is the audit trail left by a package import: which checksum
// was imported and how credential placeholders were remapped.
type ImportRecord struct {
	ID                 string            `json:"id"`
	FlowID             string            `json:"flow_id"`
	Checksum           string            `json:"checksum"`
	CredentialMappings map[string]string `json:"credential_mappings,omitempty"`
	ImportedBy         string            `json:"imported_by"`
	ImportedAt         time.Time         `json:"imported_at"`
}
