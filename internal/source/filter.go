package source

import (
	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/types"
)

// Filter applies the category policy: deny first, then allow.
type Filter struct {
	allow          map[string]bool
	deny           map[string]bool
	defaultedAllow bool
}

// NewFilter builds a filter. Category names in cfg may use any spelling
// CanonicalCategory understands. An empty allow list selects the built-in
// major categories, and unknown always passes it.
func NewFilter(cfg config.FilterConfig) *Filter {
	f := &Filter{
		allow: make(map[string]bool),
		deny:  make(map[string]bool),
	}
	for _, c := range cfg.Deny {
		f.deny[CanonicalCategory(c)] = true
	}

	allow := cfg.Allow
	if len(allow) == 0 {
		allow = types.MajorCategories()
		f.defaultedAllow = true
	}
	for _, c := range allow {
		f.allow[CanonicalCategory(c)] = true
	}
	if f.defaultedAllow {
		f.allow[types.CategoryUnknown] = true
	}
	return f
}

// Allow reports whether an alert of the given canonical category passes.
func (f *Filter) Allow(category string) bool {
	if f.deny[category] {
		return false
	}
	return f.allow[category]
}
