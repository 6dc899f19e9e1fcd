// Package registry maintains the in-memory catalog of chain and gate
// definitions.
//
// Definitions are produced by a Loader (file parsing lives outside this
// package) and swapped atomically on refresh. In-flight sessions are
// insulated from refreshes by their persisted blueprint: a reload affects
// new chain starts, not resumed ones.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chaind/internal/gate"
	"github.com/fyrsmithlabs/chaind/internal/session"
)

// Errors for catalog operations.
var (
	ErrChainNotFound = errors.New("chain not found")
	ErrGateNotFound  = errors.New("gate not found")
)

// StepDefinition is one step of a chain definition.
type StepDefinition struct {
	Number     int      `koanf:"number" json:"number"`
	Name       string   `koanf:"name" json:"name"`
	Type       string   `koanf:"type" json:"type,omitempty"`
	Prompt     string   `koanf:"prompt" json:"prompt,omitempty"`
	GateIDs    []string `koanf:"gate_ids" json:"gate_ids,omitempty"`
	OutputName string   `koanf:"output_name" json:"output_name,omitempty"`
}

// ChainDefinition is a predefined multi-step prompt sequence.
type ChainDefinition struct {
	ID       string           `koanf:"id" json:"id"`
	Name     string           `koanf:"name" json:"name"`
	Category string           `koanf:"category" json:"category,omitempty"`
	Steps    []StepDefinition `koanf:"steps" json:"steps"`
}

// TotalSteps returns the number of steps in the chain.
func (c *ChainDefinition) TotalSteps() int {
	return len(c.Steps)
}

// Blueprint snapshots the definition for persistence on a session, so a
// resumed session re-renders identically even after a reload.
func (c *ChainDefinition) Blueprint(command string) *session.Blueprint {
	bp := &session.Blueprint{
		Command: command,
		Steps:   make([]session.BlueprintStep, 0, len(c.Steps)),
	}
	for _, s := range c.Steps {
		bp.Steps = append(bp.Steps, session.BlueprintStep{
			Number:     s.Number,
			Name:       s.Name,
			Type:       s.Type,
			Prompt:     s.Prompt,
			GateIDs:    append([]string(nil), s.GateIDs...),
			OutputName: s.OutputName,
		})
	}
	return bp
}

// GateDefinition is a checkpoint rule evaluated against a step's output.
type GateDefinition struct {
	ID           string `koanf:"id" json:"id"`
	Name         string `koanf:"name" json:"name"`
	Instructions string `koanf:"instructions" json:"instructions,omitempty"`

	// Mode is the enforcement mode name; empty means blocking.
	Mode string `koanf:"mode" json:"mode,omitempty"`

	MaxAttempts            int  `koanf:"max_attempts" json:"max_attempts,omitempty"`
	WithholdResponseOnFail bool `koanf:"withhold_response_on_fail" json:"withhold_response_on_fail,omitempty"`
}

// Snapshot is one consistent view of all loaded definitions.
type Snapshot struct {
	Chains   map[string]*ChainDefinition
	Gates    map[string]*GateDefinition
	LoadedAt time.Time
}

// Loader produces definition snapshots. File-based loading and document
// parsing live behind this interface.
type Loader interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// Catalog holds the current definition snapshot.
type Catalog struct {
	loader Loader
	logger *zap.Logger

	mu            sync.RWMutex
	snap          *Snapshot
	defaultPolicy *gate.Policy
}

// NewCatalog creates a catalog and performs the initial load.
func NewCatalog(ctx context.Context, loader Loader, logger *zap.Logger) (*Catalog, error) {
	if loader == nil {
		return nil, errors.New("loader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Catalog{loader: loader, logger: logger}
	if err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial definition load: %w", err)
	}
	return c, nil
}

// Refresh reloads definitions and swaps the snapshot atomically. On load
// failure the previous snapshot stays in place.
func (c *Catalog) Refresh(ctx context.Context) error {
	snap, err := c.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load definitions: %w", err)
	}
	if snap.LoadedAt.IsZero() {
		snap.LoadedAt = time.Now().UTC()
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	c.logger.Info("definition catalog refreshed",
		zap.Int("chains", len(snap.Chains)),
		zap.Int("gates", len(snap.Gates)))
	return nil
}

// Chain returns a chain definition by id.
func (c *Catalog) Chain(id string) (*ChainDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.snap.Chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, id)
	}
	return def, nil
}

// Gate returns a gate definition by id.
func (c *Catalog) Gate(id string) (*GateDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.snap.Gates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGateNotFound, id)
	}
	return def, nil
}

// BlueprintFor builds a session blueprint for a chain, filling gate
// instructions from the current gate definitions.
func (c *Catalog) BlueprintFor(chainID, command string) (*session.Blueprint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.snap.Chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChainNotFound, chainID)
	}
	bp := def.Blueprint(command)

	for _, step := range def.Steps {
		for _, gid := range step.GateIDs {
			g, ok := c.snap.Gates[gid]
			if !ok || g.Instructions == "" {
				continue
			}
			if bp.GateInstructions == nil {
				bp.GateInstructions = make(map[string]string)
			}
			bp.GateInstructions[gid] = g.Instructions
		}
	}
	return bp, nil
}

// ChainIDs lists the ids of all loaded chains.
func (c *Catalog) ChainIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.snap.Chains))
	for id := range c.snap.Chains {
		ids = append(ids, id)
	}
	return ids
}

// LoadedAt returns the current snapshot's load time.
func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.LoadedAt
}

// SetDefaultPolicy overrides the enforcement policy used for gates
// without a definition. Unset, PolicyFor falls back to gate.DefaultPolicy.
func (c *Catalog) SetDefaultPolicy(p gate.Policy) {
	c.mu.Lock()
	c.defaultPolicy = &p
	c.mu.Unlock()
}

// PolicyFor implements gate.PolicyProvider: enforcement policy derives
// from the current gate definitions, which may change between steps. The
// first configured gate in the set wins; unknown gates get the default.
func (c *Catalog) PolicyFor(_, _ string, _ int, gateIDs []string) gate.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range gateIDs {
		def, ok := c.snap.Gates[id]
		if !ok {
			continue
		}
		mode, err := gate.ParseEnforcementMode(def.Mode)
		if err != nil {
			c.logger.Warn("invalid enforcement mode in gate definition",
				zap.String("gate_id", id), zap.String("mode", def.Mode))
			continue
		}
		policy := gate.Policy{
			Mode:                   mode,
			MaxAttempts:            def.MaxAttempts,
			WithholdResponseOnFail: def.WithholdResponseOnFail,
		}
		if policy.MaxAttempts <= 0 {
			policy.MaxAttempts = c.fallbackPolicy().MaxAttempts
		}
		return policy
	}
	return c.fallbackPolicy()
}

// fallbackPolicy is called with c.mu held.
func (c *Catalog) fallbackPolicy() gate.Policy {
	if c.defaultPolicy != nil {
		return *c.defaultPolicy
	}
	return gate.DefaultPolicy()
}
