package enforcement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
)

// Backend translates rules into kernel state.
type Backend interface {
	Name() string
	Supports(kind Kind) bool
	Install(ctx context.Context, rule Rule) (Handle, error)
	Remove(ctx context.Context, rule Rule) error
}

// NewBackend builds the backend selected by cfg.
func NewBackend(cfg config.EnforcementConfig, logger zerolog.Logger) (Backend, error) {
	if cfg.DryRun {
		return NewDryRun(logger), nil
	}
	ipt := NewIPTables(cfg, nil, logger)
	switch cfg.Backend {
	case "iptables":
		return NewRouter(map[Kind]Backend{
			KindRedirect: ipt,
			KindBlock:    ipt,
		}), nil
	case "", "kernel":
		tc := NewTrafficControl(cfg, logger)
		return NewRouter(map[Kind]Backend{
			KindRedirect: ipt,
			KindBlock:    ipt,
			KindDelay:    tc,
			KindShape:    tc,
		}), nil
	default:
		return nil, werrors.Newf(werrors.ErrConfig, "unknown enforcement backend %q", cfg.Backend)
	}
}

// Router dispatches each rule to the backend registered for its kind.
type Router struct {
	byKind map[Kind]Backend
	name   string
}

// NewRouter creates a router over byKind.
func NewRouter(byKind map[Kind]Backend) *Router {
	seen := make(map[string]bool)
	var names []string
	for _, b := range byKind {
		if !seen[b.Name()] {
			seen[b.Name()] = true
			names = append(names, b.Name())
		}
	}
	sort.Strings(names)
	return &Router{byKind: byKind, name: strings.Join(names, "+")}
}

func (r *Router) Name() string { return r.name }

func (r *Router) Supports(kind Kind) bool {
	b, ok := r.byKind[kind]
	return ok && b.Supports(kind)
}

func (r *Router) Install(ctx context.Context, rule Rule) (Handle, error) {
	b, ok := r.byKind[rule.Kind]
	if !ok {
		return Handle{}, werrors.Newf(werrors.ErrUnsupported, "no backend for %s", rule.Kind)
	}
	return b.Install(ctx, rule)
}

func (r *Router) Remove(ctx context.Context, rule Rule) error {
	b, ok := r.byKind[rule.Kind]
	if !ok {
		return werrors.Newf(werrors.ErrUnsupported, "no backend for %s", rule.Kind)
	}
	return b.Remove(ctx, rule)
}

// DryRun records rules instead of touching the kernel.
type DryRun struct {
	logger zerolog.Logger

	mu        sync.Mutex
	installed map[string]Rule
	installs  int
	removes   int
}

// NewDryRun creates a dry-run backend.
func NewDryRun(logger zerolog.Logger) *DryRun {
	return &DryRun{
		installed: make(map[string]Rule),
		logger:    logger.With().Str("component", "enforcement-dryrun").Logger(),
	}
}

func (d *DryRun) Name() string { return "dry-run" }

func (d *DryRun) Supports(Kind) bool { return true }

func (d *DryRun) Install(_ context.Context, rule Rule) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installed[rule.ID] = rule
	d.installs++
	d.logger.Info().
		Str("target", rule.Target).
		Str("kind", string(rule.Kind)).
		Interface("params", rule.Params).
		Msg("DRY RUN: would install rule")
	return Handle{Backend: d.Name(), Comment: commentFor(rule)}, nil
}

func (d *DryRun) Remove(_ context.Context, rule Rule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.installed, rule.ID)
	d.removes++
	d.logger.Info().
		Str("target", rule.Target).
		Str("kind", string(rule.Kind)).
		Msg("DRY RUN: would remove rule")
	return nil
}

// Installed returns how many rules the dry run currently holds.
func (d *DryRun) Installed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.installed)
}

// Counts returns total install and remove calls.
func (d *DryRun) Counts() (installs, removes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installs, d.removes
}

func commentFor(rule Rule) string {
	return fmt.Sprintf("warden:%s", rule.ID)
}
