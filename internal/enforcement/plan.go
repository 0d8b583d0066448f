package enforcement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sentinel-agent/warden/internal/types"
)

// StepAction is what a plan step or an applied action does.
type StepAction string

const (
	StepInstall StepAction = "install"
	StepReplace StepAction = "replace"
	StepNoop    StepAction = "noop"
	StepRemove  StepAction = "remove"
	StepRelease StepAction = "release" // group lets go; another group keeps the rule
)

// Step is one planned change.
type Step struct {
	Action StepAction `json:"action"`
	Key    Key        `json:"key"`
	Spec   Spec       `json:"spec"`
	Reason string     `json:"reason,omitempty"`
}

func (s Step) String() string {
	if s.Reason != "" {
		return fmt.Sprintf("%s %s (%s)", s.Action, s.Key, s.Reason)
	}
	return fmt.Sprintf("%s %s", s.Action, s.Key)
}

// Plan is an ordered preview of changes for one target group. Removals come
// first, newest first; installs follow in spec order.
type Plan struct {
	Target string `json:"target"`
	Group  string `json:"group"`
	Steps  []Step `json:"steps"`
}

// Changes counts the steps that would touch the kernel.
func (p Plan) Changes() int {
	n := 0
	for _, s := range p.Steps {
		if s.Action != StepNoop && s.Action != StepRelease {
			n++
		}
	}
	return n
}

// Report is the outcome of executing a plan. Err joins every step failure.
type Report struct {
	Plan    Plan           `json:"plan"`
	Results []ActionResult `json:"results"`
	Applied int            `json:"applied"`
	Failed  int            `json:"failed"`
	Err     error          `json:"-"`
}

// Summaries renders applied steps for decision records.
func (r Report) Summaries() []string {
	var out []string
	for _, res := range r.Results {
		if res.Applied {
			out = append(out, res.Summary)
		}
	}
	return out
}

// Plan previews the steps that would bring group to exactly specs for
// target. It does not touch the kernel.
func (e *Engine) Plan(target, group string, specs []Spec) Plan {
	target = e.canonicalKey(target, "").Target

	e.mu.Lock()
	defer e.mu.Unlock()

	plan := Plan{Target: target, Group: group}
	wanted := make(map[Key]bool, len(specs))
	for _, s := range specs {
		s.Target = target
		if s.Group == "" {
			s.Group = group
		}
		wanted[s.Key()] = true
	}

	keys := e.groups[group]
	for i := len(keys) - 1; i >= 0; i-- {
		if wanted[keys[i]] {
			continue
		}
		if others := e.otherClaimsLocked(keys[i], group); len(others) > 0 {
			plan.Steps = append(plan.Steps, Step{Action: StepRelease, Key: keys[i], Reason: "held by " + strings.Join(others, ",")})
			continue
		}
		plan.Steps = append(plan.Steps, Step{Action: StepRemove, Key: keys[i], Reason: "not in desired set"})
	}

	for _, s := range specs {
		s.Target = target
		if s.Group == "" {
			s.Group = group
		}
		step := Step{Action: StepInstall, Key: s.Key(), Spec: s}
		if existing, ok := e.rules[s.Key()]; ok {
			if existing.Params == s.Params {
				step.Action = StepNoop
				step.Reason = "already active"
			} else {
				step.Action = StepReplace
				step.Reason = "params changed"
			}
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan
}

func (e *Engine) otherClaimsLocked(key Key, group string) []string {
	var out []string
	for g := range e.claims[key] {
		switch {
		case g == group:
		case g == "":
			out = append(out, "ungrouped")
		default:
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// PresetSpecs expands a posture preset into rule specs in install order.
func PresetSpecs(target string, preset types.ActionPreset, honeypot string, ttl time.Duration) []Spec {
	group := PostureGroup(target)
	var specs []Spec
	if preset.Redirect && honeypot != "" {
		specs = append(specs, Spec{Target: target, Kind: KindRedirect, Params: Params{Honeypot: honeypot}, TTL: ttl, Group: group})
	}
	if preset.DelayMs > 0 {
		specs = append(specs, Spec{Target: target, Kind: KindDelay, Params: Params{DelayMs: preset.DelayMs}, TTL: ttl, Group: group})
	}
	if preset.ShapeKbps > 0 {
		specs = append(specs, Spec{Target: target, Kind: KindShape, Params: Params{RateKbps: preset.ShapeKbps}, TTL: ttl, Group: group})
	}
	if preset.Block {
		specs = append(specs, Spec{Target: target, Kind: KindBlock, TTL: ttl, Group: group})
	}
	return specs
}

// PlanPreset plans the target's posture group toward preset. An empty
// preset plans a full teardown of the group.
func (e *Engine) PlanPreset(target string, preset types.ActionPreset, ttl time.Duration) Plan {
	target = e.canonicalKey(target, "").Target
	return e.Plan(target, PostureGroup(target), PresetSpecs(target, preset, e.honeypot, ttl))
}

// Execute performs a plan through the same paths as Apply and Remove. It
// continues past failures.
func (e *Engine) Execute(ctx context.Context, plan Plan) Report {
	report := Report{Plan: plan}
	var errs []error

	e.mu.Lock()
	for _, step := range plan.Steps {
		var (
			res ActionResult
			err error
		)
		switch step.Action {
		case StepRemove, StepRelease:
			res, err = e.releaseLocked(ctx, step.Key, plan.Group)
		default:
			res, err = e.applyLocked(ctx, step.Spec)
		}
		report.Results = append(report.Results, res)
		if err != nil {
			report.Failed++
			errs = append(errs, err)
			continue
		}
		if res.Applied {
			report.Applied++
		}
	}
	e.publishLocked()
	events := e.drainLocked()
	e.mu.Unlock()

	e.notify(events)
	report.Err = errors.Join(errs...)
	return report
}

// ApplyPreset plans and executes preset for target.
func (e *Engine) ApplyPreset(ctx context.Context, target string, preset types.ActionPreset, ttl time.Duration) Report {
	return e.Execute(ctx, e.PlanPreset(target, preset, ttl))
}
