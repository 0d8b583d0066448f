//go:build linux

package enforcement

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
)

const (
	tcRootMajor   = 1
	tcFirstMinor  = 0x10
	tcFirstPrio   = 100
	tcUnshapedBps = 10_000_000_000 // leaf rate for delay-only classes

	u32OffSrc = 12 // IPv4 source address offset
	u32OffDst = 16 // IPv4 destination address offset
)

// TrafficControl installs delay and shape rules as HTB classes with u32
// filters. Delay classes carry a netem child qdisc.
type TrafficControl struct {
	lan    string
	wan    string
	logger zerolog.Logger

	mu        sync.Mutex
	rootReady map[int]bool
	nextMinor uint16
	nextPrio  uint16
}

// NewTrafficControl creates the tc backend. Delay applies on the LAN device
// to traffic from the target; shaping applies on the WAN device to traffic
// toward it.
func NewTrafficControl(cfg config.EnforcementConfig, logger zerolog.Logger) *TrafficControl {
	return &TrafficControl{
		lan:       cfg.LANInterface,
		wan:       cfg.WANInterface,
		rootReady: make(map[int]bool),
		nextMinor: tcFirstMinor,
		nextPrio:  tcFirstPrio,
		logger:    logger.With().Str("component", "tc").Logger(),
	}
}

func (tc *TrafficControl) Name() string { return "tc" }

func (tc *TrafficControl) Supports(kind Kind) bool {
	return kind == KindDelay || kind == KindShape
}

func (tc *TrafficControl) Install(_ context.Context, rule Rule) (Handle, error) {
	target, err := netip.ParseAddr(rule.Target)
	if err != nil {
		return Handle{}, werrors.Wrap(werrors.ErrInvalidInput, "invalid target", err)
	}
	target = target.Unmap()
	if !target.Is4() {
		return Handle{}, werrors.Newf(werrors.ErrUnsupported, "tc rules support IPv4 targets only, got %s", target)
	}

	var (
		device string
		rate   uint64
		off    int32
	)
	switch rule.Kind {
	case KindDelay:
		if rule.Params.DelayMs <= 0 {
			return Handle{}, werrors.New(werrors.ErrInvalidInput, "delay_ms must be positive")
		}
		device, rate, off = tc.lan, tcUnshapedBps, u32OffSrc
	case KindShape:
		if rule.Params.RateKbps <= 0 {
			return Handle{}, werrors.New(werrors.ErrInvalidInput, "rate_kbps must be positive")
		}
		device, rate, off = tc.wan, uint64(rule.Params.RateKbps)*1000, u32OffDst
	default:
		return Handle{}, werrors.Newf(werrors.ErrUnsupported, "tc does not handle %s", rule.Kind)
	}
	if device == "" {
		return Handle{}, werrors.Newf(werrors.ErrConfig, "no interface configured for %s rules", rule.Kind)
	}

	link, err := netlink.LinkByName(device)
	if err != nil {
		return Handle{}, fmt.Errorf("lookup %s: %w", device, err)
	}
	idx := link.Attrs().Index

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if err := tc.ensureRootLocked(idx); err != nil {
		return Handle{}, err
	}

	minor, prio := tc.nextMinor, tc.nextPrio
	tc.nextMinor++
	tc.nextPrio++

	h := Handle{
		Backend:   tc.Name(),
		Device:    device,
		LinkIndex: idx,
		ClassID:   netlink.MakeHandle(tcRootMajor, minor),
		Priority:  prio,
	}

	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: idx,
		Parent:    netlink.MakeHandle(tcRootMajor, 0),
		Handle:    h.ClassID,
	}, netlink.HtbClassAttrs{Rate: rate, Ceil: rate})
	if err := netlink.ClassAdd(class); err != nil {
		return Handle{}, fmt.Errorf("add htb class on %s: %w", device, err)
	}

	if rule.Kind == KindDelay {
		h.QdiscID = netlink.MakeHandle(minor, 0)
		netem := netlink.NewNetem(netlink.QdiscAttrs{
			LinkIndex: idx,
			Parent:    h.ClassID,
			Handle:    h.QdiscID,
		}, netlink.NetemQdiscAttrs{Latency: uint32(rule.Params.DelayMs) * 1000})
		if err := netlink.QdiscAdd(netem); err != nil {
			_ = netlink.ClassDel(class)
			return Handle{}, fmt.Errorf("add netem on %s: %w", device, err)
		}
	}

	ip := target.As4()
	filter := &netlink.U32{
		FilterAttrs: tc.filterAttrs(h),
		ClassId:     h.ClassID,
		Sel: &netlink.TcU32Sel{
			Flags: nl.TC_U32_TERMINAL,
			Keys: []netlink.TcU32Key{{
				Mask: 0xffffffff,
				Val:  binary.NativeEndian.Uint32(ip[:]),
				Off:  off,
			}},
		},
	}
	if err := netlink.FilterAdd(filter); err != nil {
		tc.teardown(h)
		return Handle{}, fmt.Errorf("add u32 filter on %s: %w", device, err)
	}

	tc.logger.Debug().
		Str("device", device).
		Str("target", target.String()).
		Str("kind", string(rule.Kind)).
		Uint32("class", h.ClassID).
		Uint16("prio", prio).
		Msg("tc rule installed")
	return h, nil
}

func (tc *TrafficControl) Remove(_ context.Context, rule Rule) error {
	h := rule.Handle
	if h.LinkIndex == 0 || h.ClassID == 0 {
		return werrors.Newf(werrors.ErrRemoveFailed, "rule %s has no tc handle", rule.ID)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.teardown(h)
}

// ensureRootLocked installs the HTB root qdisc once per link. Unclassified
// traffic falls through to the direct queue untouched.
func (tc *TrafficControl) ensureRootLocked(idx int) error {
	if tc.rootReady[idx] {
		return nil
	}
	root := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: idx,
		Handle:    netlink.MakeHandle(tcRootMajor, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := netlink.QdiscReplace(root); err != nil {
		return fmt.Errorf("install htb root on link %d: %w", idx, err)
	}
	tc.rootReady[idx] = true
	return nil
}

func (tc *TrafficControl) filterAttrs(h Handle) netlink.FilterAttrs {
	return netlink.FilterAttrs{
		LinkIndex: h.LinkIndex,
		Parent:    netlink.MakeHandle(tcRootMajor, 0),
		Priority:  h.Priority,
		Protocol:  unix.ETH_P_IP,
	}
}

// teardown removes filter, netem and class, skipping parts already gone.
func (tc *TrafficControl) teardown(h Handle) error {
	var errs []error
	if h.Priority != 0 {
		if err := netlink.FilterDel(&netlink.U32{FilterAttrs: tc.filterAttrs(h)}); err != nil && !isNotExist(err) {
			errs = append(errs, fmt.Errorf("delete filter: %w", err))
		}
	}
	if h.QdiscID != 0 {
		netem := &netlink.Netem{QdiscAttrs: netlink.QdiscAttrs{LinkIndex: h.LinkIndex, Parent: h.ClassID, Handle: h.QdiscID}}
		if err := netlink.QdiscDel(netem); err != nil && !isNotExist(err) {
			errs = append(errs, fmt.Errorf("delete netem: %w", err))
		}
	}
	class := &netlink.HtbClass{ClassAttrs: netlink.ClassAttrs{
		LinkIndex: h.LinkIndex,
		Parent:    netlink.MakeHandle(tcRootMajor, 0),
		Handle:    h.ClassID,
	}}
	if err := netlink.ClassDel(class); err != nil && !isNotExist(err) {
		errs = append(errs, fmt.Errorf("delete class: %w", err))
	}
	return errors.Join(errs...)
}

func isNotExist(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EINVAL)
}
