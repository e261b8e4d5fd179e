package pack

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/n3nlabs/n3n/runtime/dag"
	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/handler"
	"github.com/n3nlabs/n3n/runtime/store"
	"github.com/n3nlabs/n3n/runtime/telemetry"
	"github.com/n3nlabs/n3n/runtime/values"
)

// PackageVersion is the export package format this implementation writes.
const PackageVersion = "1.0.0"

type (
	// Package is the portable form of a flow. Credential values never
	// appear in it; nodes that used credentials are listed as placeholders
	// the importer must remap. The checksum covers the flow and dependencies
	// sections, so neither the component list nor the placeholders can be
	// altered without detection.
	Package struct {
		Version      string       `json:"version"`
		ExportedAt   time.Time    `json:"exportedAt"`
		ExportedBy   string       `json:"exportedBy,omitempty"`
		Flow         PackageFlow  `json:"flow"`
		Dependencies Dependencies `json:"dependencies"`
		Checksum     string       `json:"checksum"`
	}

	// Dependencies is everything a target platform must resolve before the
	// flow can run there.
	Dependencies struct {
		Components             []Dependency  `json:"components"`
		CredentialPlaceholders []Placeholder `json:"credentialPlaceholders"`
	}

	// PackageFlow is the exported flow content.
	PackageFlow struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Definition  flow.Definition `json:"definition"`
		Settings    values.Map      `json:"settings,omitempty"`
	}

	// Dependency names a component a node of the flow requires.
	Dependency struct {
		Name    string  `json:"name"`
		Version string  `json:"version"`
		Image   *string `json:"image,omitempty"`
	}

	// Placeholder marks a node whose credential was stripped on export.
	Placeholder struct {
		NodeID         string `json:"nodeId"`
		NodeName       string `json:"nodeName,omitempty"`
		CredentialType string `json:"credentialType"`
		CredentialName string `json:"credentialName,omitempty"`
	}

	// Preview is the dry-run result of an import.
	Preview struct {
		FlowName     string              `json:"flowName"`
		CanImport    bool                `json:"canImport"`
		Blockers     []string            `json:"blockers,omitempty"`
		Dependencies []DependencyStatus  `json:"dependencies"`
		Credentials  []PlaceholderChoice `json:"credentials"`
	}

	// DependencyStatus reports how one dependency would resolve.
	DependencyStatus struct {
		Dependency
		Installed      bool `json:"installed"`
		CanAutoInstall bool `json:"canAutoInstall"`
	}

	// PlaceholderChoice pairs a placeholder with the caller's compatible
	// credentials.
	PlaceholderChoice struct {
		Placeholder
		Compatible []CredentialRef `json:"compatible"`
	}

	// CredentialRef identifies one credential a user owns.
	CredentialRef struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	// CredentialDirectory lists a user's credentials by type. Optional;
	// without it previews offer no compatible choices.
	CredentialDirectory interface {
		ListByType(ctx context.Context, userID, credentialType string) ([]CredentialRef, error)
	}

	// ImportRequest drives Import.
	ImportRequest struct {
		UserID string
		// NewFlowName overrides the default "<original> (Imported)" name.
		NewFlowName string
		// CredentialMappings maps node ids to the caller's credential ids.
		// Nodes with a placeholder but no mapping lose the reference.
		CredentialMappings map[string]string
	}

	// ImportResult identifies what Import created.
	ImportResult struct {
		FlowID        string `json:"flowId"`
		FlowVersionID string `json:"flowVersionId"`
		Name          string `json:"name"`
	}

	// Service implements export, preview, and import.
	Service struct {
		store       store.Store
		registry    *handler.Registry
		credentials CredentialDirectory
		logger      telemetry.Logger
		clock       func() time.Time
		newID       func() string
	}

	// Options configures a Service.
	Options struct {
		// Store is required.
		Store store.Store
		// Registry resolves dependency installation state. Optional.
		Registry *handler.Registry
		// Credentials lists compatible credentials in previews. Optional.
		Credentials CredentialDirectory
		// Logger is optional; nil means no-op.
		Logger telemetry.Logger
		// Clock is optional; nil means time.Now.
		Clock func() time.Time
		// NewID is optional; nil means uuid.
		NewID func() string
	}
)

// New constructs the export/import service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fault.New(fault.Validation, "store is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		store:       opts.Store,
		registry:    opts.Registry,
		credentials: opts.Credentials,
		logger:      opts.Logger,
		clock:       opts.Clock,
		newID:       opts.NewID,
	}, nil
}

// Export serializes a flow's published version into a checksummed package.
func (s *Service) Export(ctx context.Context, flowID, exportedBy string) (*Package, error) {
	f, err := s.store.FindFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	v, err := s.store.FindPublishedVersion(ctx, flowID)
	if err != nil {
		return nil, err
	}

	pkg := &Package{
		Version:    PackageVersion,
		ExportedAt: s.clock(),
		ExportedBy: exportedBy,
		Flow: PackageFlow{
			Name:        f.Name,
			Description: f.Description,
			Definition:  stripCredentials(v.Definition),
			Settings:    v.Settings,
		},
		Dependencies: Dependencies{
			Components:             collectDependencies(v.Definition),
			CredentialPlaceholders: collectPlaceholders(v.Definition),
		},
	}
	sum, err := packageChecksum(pkg)
	if err != nil {
		return nil, err
	}
	pkg.Checksum = sum
	return pkg, nil
}

// Preview reports whether a package can be imported and what the caller
// must decide first.
func (s *Service) Preview(ctx context.Context, pkg *Package, userID string) (*Preview, error) {
	if err := verifyChecksum(pkg); err != nil {
		return nil, err
	}

	p := &Preview{FlowName: pkg.Flow.Name}

	res, _ := dag.Parse(pkg.Flow.Definition)
	for _, issue := range res.Errors {
		p.Blockers = append(p.Blockers, issue.Message)
	}

	for _, dep := range pkg.Dependencies.Components {
		st := DependencyStatus{Dependency: dep}
		if s.registry != nil {
			_, st.Installed = s.registry.Lookup(dep.Name)
		}
		if !st.Installed {
			if dep.Image != nil {
				st.CanAutoInstall = true
			} else {
				p.Blockers = append(p.Blockers, fmt.Sprintf("component %s is not installed and cannot be auto-installed", dep.Name))
			}
		}
		p.Dependencies = append(p.Dependencies, st)
	}

	for _, ph := range pkg.Dependencies.CredentialPlaceholders {
		choice := PlaceholderChoice{Placeholder: ph}
		if s.credentials != nil {
			refs, err := s.credentials.ListByType(ctx, userID, ph.CredentialType)
			if err != nil {
				return nil, err
			}
			choice.Compatible = refs
		}
		p.Credentials = append(p.Credentials, choice)
	}

	p.CanImport = len(p.Blockers) == 0
	return p, nil
}

// Import materializes a package as a new flow with a single draft version.
// Flow, version, and audit record are created in one transaction.
func (s *Service) Import(ctx context.Context, pkg *Package, req ImportRequest) (*ImportResult, error) {
	if err := verifyChecksum(pkg); err != nil {
		return nil, err
	}

	name := req.NewFlowName
	if name == "" {
		name = pkg.Flow.Name + " (Imported)"
	}
	taken, err := s.store.FlowNameTaken(ctx, req.UserID, name)
	if err != nil {
		return nil, err
	}
	if taken {
		name = fmt.Sprintf("%s %s", name, s.clock().Format("2006-01-02 15:04:05"))
	}

	def := remapCredentials(pkg.Flow.Definition, req.CredentialMappings)
	now := s.clock()
	result := &ImportResult{FlowID: s.newID(), FlowVersionID: s.newID(), Name: name}

	err = s.store.Transact(ctx, func(ctx context.Context) error {
		if err := s.store.CreateFlow(ctx, &flow.Flow{
			ID:          result.FlowID,
			Name:        name,
			Description: pkg.Flow.Description,
			OwnerID:     req.UserID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		if err := s.store.CreateFlowVersion(ctx, &flow.FlowVersion{
			ID:         result.FlowVersionID,
			FlowID:     result.FlowID,
			Version:    "1.0.0",
			Status:     flow.VersionDraft,
			Definition: def,
			Settings:   pkg.Flow.Settings,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		return s.store.CreateImportRecord(ctx, &flow.ImportRecord{
			ID:                 s.newID(),
			FlowID:             result.FlowID,
			Checksum:           pkg.Checksum,
			CredentialMappings: req.CredentialMappings,
			ImportedBy:         req.UserID,
			ImportedAt:         now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "package imported", "flow_id", result.FlowID, "name", name)
	return result, nil
}

// packageChecksum hashes the canonical form of the checksummed subset: flow
// content plus the dependencies section, placeholders included.
func packageChecksum(pkg *Package) (string, error) {
	return Checksum(map[string]any{
		"flow":         pkg.Flow,
		"dependencies": pkg.Dependencies,
	})
}

func verifyChecksum(pkg *Package) error {
	sum, err := packageChecksum(pkg)
	if err != nil {
		return err
	}
	if sum != pkg.Checksum {
		return fault.New(fault.ChecksumMismatch, "package failed its integrity check")
	}
	return nil
}

// collectDependencies gathers the distinct components named by nodes. Nodes
// declare their component through data.nodeType; version and image ride in
// the node config.
func collectDependencies(def flow.Definition) []Dependency {
	seen := map[string]bool{}
	deps := []Dependency{}
	for _, n := range def.Nodes {
		name := n.Data.NodeType
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		dep := Dependency{Name: name, Version: n.Data.Config.StringOr("componentVersion", "latest")}
		if img, ok := n.Data.Config.String("componentImage"); ok {
			dep.Image = &img
		}
		deps = append(deps, dep)
	}
	return deps
}

// collectPlaceholders lists nodes that referenced a credential. The
// credential id itself is not part of the package.
func collectPlaceholders(def flow.Definition) []Placeholder {
	var out []Placeholder
	for _, n := range def.Nodes {
		if n.Data.CredentialID == "" {
			continue
		}
		out = append(out, Placeholder{
			NodeID:         n.ID,
			NodeName:       n.Data.Label,
			CredentialType: n.Data.Config.StringOr("credentialType", n.Type),
			CredentialName: n.Data.Config.StringOr("credentialName", ""),
		})
	}
	return out
}

// stripCredentials removes credential references from an exported
// definition.
func stripCredentials(def flow.Definition) flow.Definition {
	return mapNodes(def, func(n flow.Node) flow.Node {
		n.Data.CredentialID = ""
		return n
	})
}

// remapCredentials rewrites credential references through the caller's
// mapping; unmapped references are stripped.
func remapCredentials(def flow.Definition, mappings map[string]string) flow.Definition {
	return mapNodes(def, func(n flow.Node) flow.Node {
		if id, ok := mappings[n.ID]; ok {
			n.Data.CredentialID = id
		} else {
			n.Data.CredentialID = ""
		}
		return n
	})
}

func mapNodes(def flow.Definition, fn func(flow.Node) flow.Node) flow.Definition {
	out := def
	out.Nodes = make([]flow.Node, len(def.Nodes))
	for i, n := range def.Nodes {
		out.Nodes[i] = fn(n)
	}
	return out
}
