// Package resource provides the thin wiring/factory surface spec.md §6
// describes as integration points, not core logic: Register/Load
// locate a resource kind's Factory by identifier, NewInstance
// assembles one instance's store+index+remoteid+pipeline+query+notify
// stack for a single instance directory, and TypeRegistration binds a
// type's IndexDefinitions and preprocessor chains. Grounded on the teacher's
// pkg/manager.NewManager constructor shape (assembling sub-components
// from a Config) minus the raft/cluster parts — this is the
// single-process analogue of that constructor.
package resource

import (
	"fmt"

	"github.com/cuemby/pimengine/pkg/config"
	"github.com/cuemby/pimengine/pkg/domain"
	"github.com/cuemby/pimengine/pkg/health"
	"github.com/cuemby/pimengine/pkg/index"
	"github.com/cuemby/pimengine/pkg/notify"
	"github.com/cuemby/pimengine/pkg/pipeline"
	"github.com/cuemby/pimengine/pkg/query"
	"github.com/cuemby/pimengine/pkg/remoteid"
	"github.com/cuemby/pimengine/pkg/store"
)

// TypeRegistration binds one entity-type's index definitions, query
// descriptor, and preprocessor chains at wiring time.
type TypeRegistration struct {
	EntityType       domain.TypeTag
	IndexDefinitions []domain.IndexDefinition
	QueryDescriptor  query.TypeDescriptor
	// ExtraNewPreprocessors/ExtraModifiedPreprocessors/
	// ExtraDeletedPreprocessors run after the DefaultIndexUpdater this
	// package always installs first, letting a resource plug-in add
	// remote-ID resolution or other domain-specific steps.
	ExtraNewPreprocessors      []pipeline.Preprocessor
	ExtraModifiedPreprocessors []pipeline.Preprocessor
	ExtraDeletedPreprocessors  []pipeline.Preprocessor
}

// Instance is one resource instance's fully wired core: the six
// components plus ambient health tracking, ready for a synchronizer or
// transport layer (both out of scope) to drive.
type Instance struct {
	Config   config.StoreConfig
	Store    *store.Store
	Mapper   *remoteid.Mapper
	Notify   *notify.Broker
	Pipeline *pipeline.Pipeline
	Query    *query.Executor
	Health   *health.Monitor
}

// NewInstance opens (creating on demand) the main store and
// synchronization mapping store for cfg, wires the pipeline and query
// executor, and registers every TypeRegistration's indexes and
// preprocessor chains. The caller must call Pipeline.Start() (and,
// optionally, Health.Start()) before ingesting.
func NewInstance(cfg config.StoreConfig, registrations []TypeRegistration) (*Instance, error) {
	st, err := store.Open(cfg.MainStorePath(), store.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("resource: opening main store: %w", err)
	}

	mapper, err := remoteid.Open(cfg.SynchronizationStorePath(), store.ReadWrite)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("resource: opening synchronization store: %w", err)
	}

	broker := notify.NewBroker()
	pl := pipeline.New(st, broker)
	qe := query.NewExecutor(st, broker)
	qe.SetDrainWaiter(pl.WaitDrained)
	monitor := health.NewMonitor(st, health.DefaultConfig())

	for _, reg := range registrations {
		updater := index.NewDefaultIndexUpdater(reg.EntityType, reg.IndexDefinitions)

		pl.SetPreprocessors(reg.EntityType, pipeline.NewPipeline, append([]pipeline.Preprocessor{updater}, reg.ExtraNewPreprocessors...))
		pl.SetPreprocessors(reg.EntityType, pipeline.ModifiedPipeline, append([]pipeline.Preprocessor{updater}, reg.ExtraModifiedPreprocessors...))
		pl.SetPreprocessors(reg.EntityType, pipeline.DeletedPipeline, append([]pipeline.Preprocessor{updater}, reg.ExtraDeletedPreprocessors...))

		desc := reg.QueryDescriptor
		desc.EntityType = reg.EntityType
		if desc.Indexed == nil {
			desc.Indexed = make(map[string]bool, len(reg.IndexDefinitions)+1)
		}
		desc.Indexed[domain.UIDIndexProperty] = true
		for _, def := range reg.IndexDefinitions {
			desc.Indexed[def.Property] = true
		}
		qe.RegisterType(desc)
	}

	return &Instance{
		Config:   cfg,
		Store:    st,
		Mapper:   mapper,
		Notify:   broker,
		Pipeline: pl,
		Query:    qe,
		Health:   monitor,
	}, nil
}

// Close releases the instance's two stores and stops its background
// loops. Pipeline.Stop/Health.Stop are idempotent against a never-
// started component.
func (inst *Instance) Close() error {
	inst.Pipeline.Stop()
	inst.Health.Stop()

	if err := inst.Mapper.Close(); err != nil {
		_ = inst.Store.Close()
		return err
	}
	return inst.Store.Close()
}
