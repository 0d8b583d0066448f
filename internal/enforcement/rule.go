// Package enforcement installs, tracks and expires network-control rules
// for offending addresses. The engine's registry is the source of truth for
// idempotency; backends translate rules into kernel state.
package enforcement

import (
	"fmt"
	"net/netip"
	"time"

	werrors "github.com/sentinel-agent/warden/internal/errors"
)

// Kind is the network-control primitive a rule applies.
type Kind string

const (
	KindRedirect Kind = "redirect" // DNAT the source to the honeypot
	KindDelay    Kind = "delay"    // add latency to traffic from the source
	KindShape    Kind = "shape"    // cap bandwidth toward the source
	KindBlock    Kind = "block"    // drop everything from the source
)

// Kinds in install order. Teardown runs in reverse.
var Kinds = []Kind{KindRedirect, KindDelay, KindShape, KindBlock}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", werrors.Newf(werrors.ErrInvalidInput, "unknown rule kind %q", s)
}

// Params are the kind-specific settings. Two rules with equal Params are
// identical for idempotency purposes.
type Params struct {
	DelayMs  int    `json:"delay_ms,omitempty"`
	RateKbps int    `json:"rate_kbps,omitempty"`
	Honeypot string `json:"honeypot,omitempty"`
}

// Key identifies a rule: at most one active rule per key.
type Key struct {
	Target string `json:"target"`
	Kind   Kind   `json:"kind"`
}

func (k Key) String() string { return k.Target + "/" + string(k.Kind) }

// Handle holds whatever a backend needs to remove exactly what it installed.
type Handle struct {
	Backend string `json:"backend"`

	// iptables
	Binary  string   `json:"binary,omitempty"`
	Table   string   `json:"table,omitempty"`
	Chain   string   `json:"chain,omitempty"`
	Comment string   `json:"comment,omitempty"`
	Args    []string `json:"args,omitempty"`

	// tc
	Device    string `json:"device,omitempty"`
	LinkIndex int    `json:"link_index,omitempty"`
	ClassID   uint32 `json:"class_id,omitempty"`
	QdiscID   uint32 `json:"qdisc_id,omitempty"`
	Priority  uint16 `json:"priority,omitempty"`
}

// Rule is a registered, successfully installed rule.
type Rule struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Kind      Kind      `json:"kind"`
	Params    Params    `json:"params"`
	Group     string    `json:"group,omitempty"`  // installing group, or a remaining holder
	Groups    []string  `json:"groups,omitempty"` // every group holding the rule; set on snapshots
	Handle    Handle    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero means no expiry
}

// Key returns the rule's registry key.
func (r Rule) Key() Key { return Key{Target: r.Target, Kind: r.Kind} }

// Expired reports whether the rule's TTL has passed at now.
func (r Rule) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Spec is a request for a rule.
type Spec struct {
	Target string        `json:"target"`
	Kind   Kind          `json:"kind"`
	Params Params        `json:"params"`
	TTL    time.Duration `json:"ttl,omitempty"`
	Group  string        `json:"group,omitempty"`
}

// Key returns the registry key the spec targets.
func (s Spec) Key() Key { return Key{Target: s.Target, Kind: s.Kind} }

// PostureGroup is the group holding a target's posture preset rules.
func PostureGroup(target string) string { return "posture:" + target }

// MitigationGroup is the group holding a target's per-alert mitigation.
func MitigationGroup(target string) string { return "mitigation:" + target }

// normalizeTarget parses and canonicalizes an address.
func normalizeTarget(target string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(target)
	if err != nil {
		return netip.Addr{}, werrors.Wrap(werrors.ErrInvalidInput, fmt.Sprintf("invalid target %q", target), err)
	}
	return addr.Unmap(), nil
}

// ActionResult reports what one Apply or Remove did.
type ActionResult struct {
	Key     Key        `json:"key"`
	Action  StepAction `json:"action"`
	Applied bool       `json:"applied"`
	Summary string     `json:"summary"`
	RuleID  string     `json:"rule_id,omitempty"`
	Handle  Handle     `json:"handle"`
}
