package trigger

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/n3nlabs/n3n/runtime/engine"
	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/flow"
	"github.com/n3nlabs/n3n/runtime/store"
	"github.com/n3nlabs/n3n/runtime/telemetry"
)

type (
	// Scheduler registers one cron entry per published flow version that
	// carries a schedule setting and starts an execution on each tick.
	// Refresh reconciles the entries against the store; call it after every
	// publish or on a poll interval.
	Scheduler struct {
		store   store.Store
		starter Starter
		logger  telemetry.Logger
		cron    *cron.Cron

		mu      sync.Mutex
		entries map[string]scheduleEntry // flow version id
	}

	scheduleEntry struct {
		id   cron.EntryID
		spec string
	}

	// SchedulerOptions configures a Scheduler.
	SchedulerOptions struct {
		// Store lists published versions. Required.
		Store store.Store
		// Starter admits the scheduled executions. Required.
		Starter Starter
		// Logger is optional; nil means no-op.
		Logger telemetry.Logger
	}
)

// NewScheduler constructs a stopped scheduler; call Start to begin ticking.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, fault.New(fault.Validation, "store is required")
	}
	if opts.Starter == nil {
		return nil, fault.New(fault.Validation, "starter is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Scheduler{
		store:   opts.Store,
		starter: opts.Starter,
		logger:  opts.Logger,
		cron:    cron.New(),
		entries: map[string]scheduleEntry{},
	}, nil
}

// Start begins firing registered schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the ticker and waits for in-flight jobs or the context,
// whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh reconciles cron entries with the published versions in the store:
// new schedules are added, changed specs re-registered, and entries whose
// version is no longer published (or no longer scheduled) removed.
func (s *Scheduler) Refresh(ctx context.Context) error {
	versions, err := s.store.ListPublishedVersions(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[string]string{}
	for _, v := range versions {
		if spec := flow.SettingsSchedule(v.Settings); spec != "" {
			want[v.ID] = spec
		}
	}

	for versionID, entry := range s.entries {
		if spec, ok := want[versionID]; ok && spec == entry.spec {
			continue
		}
		s.cron.Remove(entry.id)
		delete(s.entries, versionID)
	}

	for versionID, spec := range want {
		if _, ok := s.entries[versionID]; ok {
			continue
		}
		id, err := s.cron.AddFunc(spec, s.job(versionID))
		if err != nil {
			s.logger.Warn(ctx, "invalid schedule spec", "flow_version_id", versionID, "spec", spec, "error", err.Error())
			continue
		}
		s.entries[versionID] = scheduleEntry{id: id, spec: spec}
		s.logger.Info(ctx, "schedule registered", "flow_version_id", versionID, "spec", spec)
	}
	return nil
}

// Scheduled returns the flow version ids with an active cron entry, for
// introspection and tests.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

func (s *Scheduler) job(versionID string) func() {
	return func() {
		ctx := context.Background()
		id, err := s.starter.StartExecution(ctx, engine.StartRequest{
			FlowVersionID: versionID,
			TriggerType:   flow.TriggerSchedule,
			TriggeredBy:   "scheduler",
		})
		if err != nil {
			s.logger.Error(ctx, "scheduled start failed", "flow_version_id", versionID, "error", err.Error())
			return
		}
		s.logger.Info(ctx, "scheduled execution started", "flow_version_id", versionID, "execution_id", id)
	}
}
