// Package pipeline runs the add/update unit flow as one logical operation:
// generate, stage, persist, commit, sync. The unit name is leased for the
// whole run, so a second request for the same unit fails fast with a
// conflict instead of interleaving.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/generator"
	"github.com/jholhewres/jarvis/pkg/jarvis/gitsync"
	"github.com/jholhewres/jarvis/pkg/jarvis/registry"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
	"github.com/jholhewres/jarvis/pkg/jarvis/unitstore"
)

// Syncer publishes persisted unit changes.
type Syncer interface {
	Sync(ctx context.Context, rec gitsync.Record) (gitsync.Result, error)
}

// Options configure a Pipeline.
type Options struct {
	Registry  *registry.Registry
	Store     unitstore.Store
	Generator generator.Gateway

	// Syncer is optional; nil disables sync.
	Syncer Syncer

	// SyncTimeout bounds the sync step. Defaults to 90s.
	SyncTimeout time.Duration

	Logger *slog.Logger
}

// Pipeline wires the generator, registry and store together.
type Pipeline struct {
	reg         *registry.Registry
	store       unitstore.Store
	gen         generator.Gateway
	syncer      Syncer
	syncTimeout time.Duration
	logger      *slog.Logger
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 90 * time.Second
	}
	return &Pipeline{
		reg:         opts.Registry,
		store:       opts.Store,
		gen:         opts.Generator,
		syncer:      opts.Syncer,
		syncTimeout: opts.SyncTimeout,
		logger:      logger.With("component", "pipeline"),
	}
}

// Outcome describes a successful run.
type Outcome struct {
	Unit       string
	Mode       generator.Mode
	Descriptor units.Descriptor
	Ref        unitstore.Ref

	// Synced is true when the change was committed to git. SyncErr holds
	// a sync failure; the unit is live regardless.
	Synced  bool
	SyncErr error
}

// Generate runs the full flow for a generation request.
func (p *Pipeline) Generate(ctx context.Context, req generator.Request) (Outcome, error) {
	const op = "pipeline.generate"
	if p.gen == nil {
		return Outcome{}, faults.Transport(op, faults.Unavailable, errors.New("no generator configured"))
	}

	lease, err := p.reg.Reserve(req.Name)
	if err != nil {
		return Outcome{}, err
	}
	defer p.reg.Release(lease)
	name := lease.Name
	req.Name = name

	if err := p.checkMode(ctx, name, req.Mode); err != nil {
		return Outcome{}, err
	}
	if req.Mode == generator.Update && len(req.Existing) == 0 {
		existing, err := p.store.Read(ctx, name)
		if err != nil {
			return Outcome{}, faults.Persistence(op, name, err)
		}
		req.Existing = existing
	}

	res, err := p.gen.Generate(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Valid {
		p.logger.Warn("generated unit rejected", "unit", name, "reason", res.Reason)
		return Outcome{}, faults.Validation(op, name, "generated unit rejected: %s", res.Reason)
	}

	return p.apply(ctx, lease, res.Source, req.Mode)
}

// Apply runs the flow for source the caller already has (CLI, MCP).
func (p *Pipeline) Apply(ctx context.Context, name string, src []byte, mode generator.Mode) (Outcome, error) {
	lease, err := p.reg.Reserve(name)
	if err != nil {
		return Outcome{}, err
	}
	defer p.reg.Release(lease)

	if err := p.checkMode(ctx, lease.Name, mode); err != nil {
		return Outcome{}, err
	}
	return p.apply(ctx, lease, src, mode)
}

// checkMode rejects creating an existing unit and updating a missing one.
func (p *Pipeline) checkMode(ctx context.Context, name string, mode generator.Mode) error {
	const op = "pipeline.check"
	_, err := p.store.Stat(ctx, name)
	exists := err == nil
	if err != nil && !errors.Is(err, unitstore.ErrNotFound) {
		return faults.Persistence(op, name, err)
	}

	switch {
	case mode == generator.Create && exists:
		return faults.Conflict(op, name, "unit already exists; use update-unit to change it")
	case mode == generator.Update && !exists:
		return faults.Validation(op, name, "no unit named %s", name)
	}
	return nil
}

// apply stages, persists and commits src under lease. A failed commit
// restores the store to its previous state.
func (p *Pipeline) apply(ctx context.Context, lease *registry.Lease, src []byte, mode generator.Mode) (Outcome, error) {
	name := lease.Name

	staged, err := p.reg.Stage(name, src)
	if err != nil {
		return Outcome{}, err
	}

	writeMode := unitstore.Create
	if mode == generator.Update {
		writeMode = unitstore.Overwrite
	}
	ref, err := p.store.Write(ctx, name, staged.Unit.Source, writeMode)
	if err != nil {
		return Outcome{}, err
	}

	if err := p.reg.CommitWith(lease, staged); err != nil {
		if rErr := p.store.Restore(ctx, name); rErr != nil {
			p.logger.Error("failed to restore unit after commit failure", "unit", name, "error", rErr)
		}
		return Outcome{}, err
	}

	out := Outcome{Unit: name, Mode: mode, Ref: ref}
	out.Descriptor, _ = p.reg.Get(name)

	p.logger.Info("unit deployed",
		"unit", name,
		"mode", mode.String(),
		"digest", ref.SourceRef().Short(),
	)

	if p.syncer != nil {
		out.Synced, out.SyncErr = p.sync(ctx, ref, mode)
	}
	return out, nil
}

func (p *Pipeline) sync(ctx context.Context, ref unitstore.Ref, mode generator.Mode) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.syncTimeout)
	defer cancel()

	verb := "Add"
	if mode == generator.Update {
		verb = "Update"
	}
	res, err := p.syncer.Sync(ctx, gitsync.Record{
		Paths:   []string{ref.Path},
		Message: fmt.Sprintf("%s unit %s (%s)", verb, ref.Name, ref.SourceRef().Short()),
	})
	if err != nil {
		p.logger.Warn("unit sync failed", "unit", ref.Name, "error", err)
		return false, err
	}
	return res.Committed, nil
}
