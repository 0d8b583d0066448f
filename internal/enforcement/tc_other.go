//go:build !linux

package enforcement

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
)

// TrafficControl is unavailable off linux; every install fails.
type TrafficControl struct{}

// NewTrafficControl returns a backend that rejects delay and shape rules.
func NewTrafficControl(config.EnforcementConfig, zerolog.Logger) *TrafficControl {
	return &TrafficControl{}
}

func (tc *TrafficControl) Name() string { return "tc" }

func (tc *TrafficControl) Supports(Kind) bool { return false }

func (tc *TrafficControl) Install(context.Context, Rule) (Handle, error) {
	return Handle{}, werrors.New(werrors.ErrUnsupported, "traffic control requires linux")
}

func (tc *TrafficControl) Remove(context.Context, Rule) error {
	return werrors.New(werrors.ErrUnsupported, "traffic control requires linux")
}
