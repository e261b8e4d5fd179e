package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/values"
)

// Document structs mirror the model types with explicit bson tags. Dynamic
// payloads (configs, settings, node inputs and outputs) are stored as plain
// maps and normalized back to JSON-shaped values on decode.

type flowDocument struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Description string    `bson:"description,omitempty"`
	OwnerID     string    `bson:"owner_id"`
	Deleted     bool      `bson:"deleted"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func fromFlow(f *flow.Flow) flowDocument {
	return flowDocument{
		ID:          f.ID,
		Name:        f.Name,
		Description: f.Description,
		OwnerID:     f.OwnerID,
		Deleted:     f.Deleted,
		CreatedAt:   f.CreatedAt.UTC(),
		UpdatedAt:   f.UpdatedAt.UTC(),
	}
}

func (doc flowDocument) toFlow() *flow.Flow {
	return &flow.Flow{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		OwnerID:     doc.OwnerID,
		Deleted:     doc.Deleted,
		CreatedAt:   doc.CreatedAt.UTC(),
		UpdatedAt:   doc.UpdatedAt.UTC(),
	}
}

type versionDocument struct {
	ID         string             `bson:"_id"`
	FlowID     string             `bson:"flow_id"`
	Version    string             `bson:"version"`
	Status     string             `bson:"status"`
	Definition definitionDocument `bson:"definition"`
	Settings   map[string]any     `bson:"settings,omitempty"`
	CreatedAt  time.Time          `bson:"created_at"`
}

type definitionDocument struct {
	Nodes    []nodeDocument    `bson:"nodes"`
	Edges    []edgeDocument    `bson:"edges,omitempty"`
	Viewport *viewportDocument `bson:"viewport,omitempty"`
}

type nodeDocument struct {
	ID           string         `bson:"id"`
	Type         string         `bson:"type"`
	Label        string         `bson:"label,omitempty"`
	Config       map[string]any `bson:"config,omitempty"`
	CredentialID string         `bson:"credential_id,omitempty"`
	NodeType     string         `bson:"node_type,omitempty"`
	PosX         float64        `bson:"pos_x"`
	PosY         float64        `bson:"pos_y"`
}

type edgeDocument struct {
	ID           string `bson:"id"`
	Source       string `bson:"source"`
	Target       string `bson:"target"`
	SourceHandle string `bson:"source_handle,omitempty"`
	TargetHandle string `bson:"target_handle,omitempty"`
}

type viewportDocument struct {
	X    float64 `bson:"x"`
	Y    float64 `bson:"y"`
	Zoom float64 `bson:"zoom"`
}

func fromVersion(v *flow.FlowVersion) versionDocument {
	return versionDocument{
		ID:         v.ID,
		FlowID:     v.FlowID,
		Version:    v.Version,
		Status:     string(v.Status),
		Definition: fromDefinition(v.Definition),
		Settings:   map[string]any(v.Settings),
		CreatedAt:  v.CreatedAt.UTC(),
	}
}

func (doc versionDocument) toVersion() *flow.FlowVersion {
	return &flow.FlowVersion{
		ID:         doc.ID,
		FlowID:     doc.FlowID,
		Version:    doc.Version,
		Status:     flow.VersionStatus(doc.Status),
		Definition: doc.Definition.toDefinition(),
		Settings:   normalizeMap(doc.Settings),
		CreatedAt:  doc.CreatedAt.UTC(),
	}
}

func fromDefinition(d flow.Definition) definitionDocument {
	doc := definitionDocument{
		Nodes: make([]nodeDocument, len(d.Nodes)),
		Edges: make([]edgeDocument, len(d.Edges)),
	}
	for i, n := range d.Nodes {
		doc.Nodes[i] = nodeDocument{
			ID:           n.ID,
			Type:         n.Type,
			Label:        n.Data.Label,
			Config:       map[string]any(n.Data.Config),
			CredentialID: n.Data.CredentialID,
			NodeType:     n.Data.NodeType,
			PosX:         n.Position.X,
			PosY:         n.Position.Y,
		}
	}
	for i, e := range d.Edges {
		doc.Edges[i] = edgeDocument{
			ID:           e.ID,
			Source:       e.Source,
			Target:       e.Target,
			SourceHandle: e.SourceHandle,
			TargetHandle: e.TargetHandle,
		}
	}
	if d.Viewport != nil {
		doc.Viewport = &viewportDocument{X: d.Viewport.X, Y: d.Viewport.Y, Zoom: d.Viewport.Zoom}
	}
	return doc
}

func (doc definitionDocument) toDefinition() flow.Definition {
	d := flow.Definition{
		Nodes: make([]flow.Node, len(doc.Nodes)),
		Edges: make([]flow.Edge, len(doc.Edges)),
	}
	for i, n := range doc.Nodes {
		d.Nodes[i] = flow.Node{
			ID:   n.ID,
			Type: n.Type,
			Data: flow.NodeData{
				Label:        n.Label,
				Config:       normalizeMap(n.Config),
				CredentialID: n.CredentialID,
				NodeType:     n.NodeType,
			},
			Position: flow.Position{X: n.PosX, Y: n.PosY},
		}
	}
	for i, e := range doc.Edges {
		d.Edges[i] = flow.Edge{
			ID:           e.ID,
			Source:       e.Source,
			Target:       e.Target,
			SourceHandle: e.SourceHandle,
			TargetHandle: e.TargetHandle,
		}
	}
	if doc.Viewport != nil {
		d.Viewport = &flow.Viewport{X: doc.Viewport.X, Y: doc.Viewport.Y, Zoom: doc.Viewport.Zoom}
	}
	return d
}

type executionDocument struct {
	ID            string         `bson:"_id"`
	FlowVersionID string         `bson:"flow_version_id"`
	Status        string         `bson:"status"`
	StartedAt     time.Time      `bson:"started_at"`
	CompletedAt   *time.Time     `bson:"completed_at,omitempty"`
	DurationMS    int64          `bson:"duration_ms,omitempty"`
	TriggerType   string         `bson:"trigger_type"`
	TriggeredBy   string         `bson:"triggered_by,omitempty"`
	InputData     map[string]any `bson:"input_data,omitempty"`
	ErrorMessage  string         `bson:"error_message,omitempty"`
}

func fromExecution(e *flow.Execution) executionDocument {
	return executionDocument{
		ID:            e.ID,
		FlowVersionID: e.FlowVersionID,
		Status:        string(e.Status),
		StartedAt:     e.StartedAt.UTC(),
		CompletedAt:   utcPtr(e.CompletedAt),
		DurationMS:    e.DurationMS,
		TriggerType:   string(e.TriggerType),
		TriggeredBy:   e.TriggeredBy,
		InputData:     map[string]any(e.InputData),
		ErrorMessage:  e.ErrorMessage,
	}
}

func (doc executionDocument) toExecution() *flow.Execution {
	return &flow.Execution{
		ID:            doc.ID,
		FlowVersionID: doc.FlowVersionID,
		Status:        flow.ExecutionStatus(doc.Status),
		StartedAt:     doc.StartedAt.UTC(),
		CompletedAt:   utcPtr(doc.CompletedAt),
		DurationMS:    doc.DurationMS,
		TriggerType:   flow.TriggerType(doc.TriggerType),
		TriggeredBy:   doc.TriggeredBy,
		InputData:     normalizeMap(doc.InputData),
		ErrorMessage:  doc.ErrorMessage,
	}
}

type nodeExecutionDocument struct {
	ExecutionID  string         `bson:"execution_id"`
	NodeID       string         `bson:"node_id"`
	Status       string         `bson:"status"`
	StartedAt    *time.Time     `bson:"started_at,omitempty"`
	CompletedAt  *time.Time     `bson:"completed_at,omitempty"`
	InputData    map[string]any `bson:"input_data,omitempty"`
	OutputData   map[string]any `bson:"output_data,omitempty"`
	ErrorMessage string         `bson:"error_message,omitempty"`
	Attempts     int            `bson:"attempts"`
}

func fromNodeExecution(ne *flow.NodeExecution) nodeExecutionDocument {
	return nodeExecutionDocument{
		ExecutionID:  ne.ExecutionID,
		NodeID:       ne.NodeID,
		Status:       string(ne.Status),
		StartedAt:    utcPtr(ne.StartedAt),
		CompletedAt:  utcPtr(ne.CompletedAt),
		InputData:    map[string]any(ne.InputData),
		OutputData:   map[string]any(ne.OutputData),
		ErrorMessage: ne.ErrorMessage,
		Attempts:     ne.Attempts,
	}
}

func (doc nodeExecutionDocument) toNodeExecution() *flow.NodeExecution {
	return &flow.NodeExecution{
		ExecutionID:  doc.ExecutionID,
		NodeID:       doc.NodeID,
		Status:       flow.NodeStatus(doc.Status),
		StartedAt:    utcPtr(doc.StartedAt),
		CompletedAt:  utcPtr(doc.CompletedAt),
		InputData:    normalizeMap(doc.InputData),
		OutputData:   normalizeMap(doc.OutputData),
		ErrorMessage: doc.ErrorMessage,
		Attempts:     doc.Attempts,
	}
}

type deviceKeyDocument struct {
	DeviceID     string    `bson:"_id"`
	UserID       string    `bson:"user_id"`
	DeviceName   string    `bson:"device_name,omitempty"`
	Platform     string    `bson:"platform,omitempty"`
	Fingerprint  string    `bson:"fingerprint,omitempty"`
	EncKeyC2S    []byte    `bson:"enc_key_c2s"`
	EncKeyS2C    []byte    `bson:"enc_key_s2c"`
	AuthKey      []byte    `bson:"auth_key"`
	LastSequence int64     `bson:"last_sequence"`
	PairedAt     time.Time `bson:"paired_at"`
	LastActiveAt time.Time `bson:"last_active_at"`
	Revoked      bool      `bson:"revoked"`
}

func fromDeviceKey(k *flow.DeviceKey) deviceKeyDocument {
	return deviceKeyDocument{
		DeviceID:     k.DeviceID,
		UserID:       k.UserID,
		DeviceName:   k.DeviceName,
		Platform:     k.Platform,
		Fingerprint:  k.Fingerprint,
		EncKeyC2S:    append([]byte(nil), k.EncKeyC2S...),
		EncKeyS2C:    append([]byte(nil), k.EncKeyS2C...),
		AuthKey:      append([]byte(nil), k.AuthKey...),
		LastSequence: int64(k.LastSequence),
		PairedAt:     k.PairedAt.UTC(),
		LastActiveAt: k.LastActiveAt.UTC(),
		Revoked:      k.Revoked,
	}
}

func (doc deviceKeyDocument) toDeviceKey() *flow.DeviceKey {
	return &flow.DeviceKey{
		DeviceID:     doc.DeviceID,
		UserID:       doc.UserID,
		DeviceName:   doc.DeviceName,
		Platform:     doc.Platform,
		Fingerprint:  doc.Fingerprint,
		EncKeyC2S:    append([]byte(nil), doc.EncKeyC2S...),
		EncKeyS2C:    append([]byte(nil), doc.EncKeyS2C...),
		AuthKey:      append([]byte(nil), doc.AuthKey...),
		LastSequence: uint64(doc.LastSequence),
		PairedAt:     doc.PairedAt.UTC(),
		LastActiveAt: doc.LastActiveAt.UTC(),
		Revoked:      doc.Revoked,
	}
}

type tokenDocument struct {
	TokenHash string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created_at"`
}

func fromToken(t *flow.RegistrationToken) tokenDocument {
	return tokenDocument{
		TokenHash: t.TokenHash,
		UserID:    t.UserID,
		Status:    string(t.Status),
		CreatedAt: t.CreatedAt.UTC(),
	}
}

func (doc tokenDocument) toToken() *flow.RegistrationToken {
	return &flow.RegistrationToken{
		TokenHash: doc.TokenHash,
		UserID:    doc.UserID,
		Status:    flow.TokenStatus(doc.Status),
		CreatedAt: doc.CreatedAt.UTC(),
	}
}

type webhookDocument struct {
	ID     string `bson:"_id"`
	FlowID string `bson:"flow_id"`
	Path   string `bson:"path"`
	Method string `bson:"method"`
	Auth   string `bson:"auth"`
	Secret string `bson:"secret,omitempty"`
	Active bool   `bson:"active"`
}

func fromWebhook(w *flow.Webhook) webhookDocument {
	return webhookDocument{
		ID:     w.ID,
		FlowID: w.FlowID,
		Path:   w.Path,
		Method: w.Method,
		Auth:   string(w.Auth),
		Secret: w.Secret,
		Active: w.Active,
	}
}

func (doc webhookDocument) toWebhook() *flow.Webhook {
	return &flow.Webhook{
		ID:     doc.ID,
		FlowID: doc.FlowID,
		Path:   doc.Path,
		Method: doc.Method,
		Auth:   flow.WebhookAuth(doc.Auth),
		Secret: doc.Secret,
		Active: doc.Active,
	}
}

type importDocument struct {
	ID                 string            `bson:"_id"`
	FlowID             string            `bson:"flow_id"`
	Checksum           string            `bson:"checksum"`
	CredentialMappings map[string]string `bson:"credential_mappings,omitempty"`
	ImportedBy         string            `bson:"imported_by"`
	ImportedAt         time.Time         `bson:"imported_at"`
}

func fromImportRecord(r *flow.ImportRecord) importDocument {
	var mappings map[string]string
	if r.CredentialMappings != nil {
		mappings = make(map[string]string, len(r.CredentialMappings))
		for k, v := range r.CredentialMappings {
			mappings[k] = v
		}
	}
	return importDocument{
		ID:                 r.ID,
		FlowID:             r.FlowID,
		Checksum:           r.Checksum,
		CredentialMappings: mappings,
		ImportedBy:         r.ImportedBy,
		ImportedAt:         r.ImportedAt.UTC(),
	}
}

func (doc importDocument) toImportRecord() *flow.ImportRecord {
	var mappings map[string]string
	if doc.CredentialMappings != nil {
		mappings = make(map[string]string, len(doc.CredentialMappings))
		for k, v := range doc.CredentialMappings {
			mappings[k] = v
		}
	}
	return &flow.ImportRecord{
		ID:                 doc.ID,
		FlowID:             doc.FlowID,
		Checksum:           doc.Checksum,
		CredentialMappings: mappings,
		ImportedBy:         doc.ImportedBy,
		ImportedAt:         doc.ImportedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	at := t.UTC()
	return &at
}

// normalizeMap converts a decoded bson map back to the JSON-shaped values the
// runtime works with: primitive.M becomes map[string]any, primitive.A becomes
// []any, and int32 widens to int64.
func normalizeMap(m map[string]any) values.Map {
	if m == nil {
		return nil
	}
	out := make(values.Map, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case primitive.M:
		return map[string]any(normalizeMap(t))
	case map[string]any:
		return map[string]any(normalizeMap(t))
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalizeValue(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case int32:
		return int64(t)
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}
