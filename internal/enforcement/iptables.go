package enforcement

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sentinel-agent/warden/internal/config"
	werrors "github.com/sentinel-agent/warden/internal/errors"
)

// Commander runs an external command and returns its combined output.
type Commander interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execCommander struct{}

func (execCommander) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// IPTables handles redirect and block rules through iptables/ip6tables.
type IPTables struct {
	ipv4     string
	ipv6     string
	chain    string
	honeypot string
	cmd      Commander
	logger   zerolog.Logger
}

// NewIPTables creates the backend. A nil cmd runs real binaries.
func NewIPTables(cfg config.EnforcementConfig, cmd Commander, logger zerolog.Logger) *IPTables {
	if cmd == nil {
		cmd = execCommander{}
	}
	ipt := &IPTables{
		ipv4:     cfg.IPTablesPath,
		ipv6:     cfg.IP6TablesPath,
		chain:    cfg.BlockChain,
		honeypot: cfg.HoneypotAddr,
		cmd:      cmd,
		logger:   logger.With().Str("component", "iptables").Logger(),
	}
	if ipt.ipv4 == "" {
		ipt.ipv4 = "iptables"
	}
	if ipt.ipv6 == "" {
		ipt.ipv6 = "ip6tables"
	}
	if ipt.chain == "" {
		ipt.chain = "FORWARD"
	}
	return ipt
}

func (ipt *IPTables) Name() string { return "iptables" }

func (ipt *IPTables) Supports(kind Kind) bool {
	return kind == KindRedirect || kind == KindBlock
}

// Install inserts the rule at the head of its chain, tagged with the rule ID.
func (ipt *IPTables) Install(ctx context.Context, rule Rule) (Handle, error) {
	target, err := netip.ParseAddr(rule.Target)
	if err != nil {
		return Handle{}, werrors.Wrap(werrors.ErrInvalidInput, "invalid target", err)
	}
	target = target.Unmap()

	h := Handle{
		Backend: ipt.Name(),
		Binary:  ipt.ipv4,
		Comment: commentFor(rule),
	}
	if target.Is6() {
		h.Binary = ipt.ipv6
	}

	match := []string{"-s", target.String(), "-m", "comment", "--comment", h.Comment}
	switch rule.Kind {
	case KindBlock:
		h.Table, h.Chain = "filter", ipt.chain
		h.Args = append(match, "-j", "DROP")
	case KindRedirect:
		hp := rule.Params.Honeypot
		if hp == "" {
			hp = ipt.honeypot
		}
		honeypot, err := netip.ParseAddr(hp)
		if err != nil {
			return Handle{}, werrors.Wrap(werrors.ErrInvalidInput, "invalid honeypot address", err)
		}
		honeypot = honeypot.Unmap()
		if honeypot.Is4() != target.Is4() {
			return Handle{}, werrors.Newf(werrors.ErrUnsupported, "cannot redirect %s to honeypot %s across address families", target, honeypot)
		}
		h.Table, h.Chain = "nat", "PREROUTING"
		h.Args = append(match, "-j", "DNAT", "--to-destination", honeypot.String())
	default:
		return Handle{}, werrors.Newf(werrors.ErrUnsupported, "iptables does not handle %s", rule.Kind)
	}

	args := append([]string{"-w", "-t", h.Table, "-I", h.Chain}, h.Args...)
	if out, err := ipt.cmd.Run(ctx, h.Binary, args...); err != nil {
		return Handle{}, fmt.Errorf("%s %s: %w: %s", h.Binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}

	ipt.logger.Debug().
		Str("binary", h.Binary).
		Str("table", h.Table).
		Str("chain", h.Chain).
		Str("comment", h.Comment).
		Msg("rule inserted")
	return h, nil
}

// Remove deletes exactly the rule Install inserted. A rule that is already
// gone counts as removed.
func (ipt *IPTables) Remove(ctx context.Context, rule Rule) error {
	h := rule.Handle
	if h.Binary == "" || h.Table == "" || h.Chain == "" || len(h.Args) == 0 {
		return werrors.Newf(werrors.ErrRemoveFailed, "rule %s has no iptables handle", rule.ID)
	}
	args := append([]string{"-w", "-t", h.Table, "-D", h.Chain}, h.Args...)
	out, err := ipt.cmd.Run(ctx, h.Binary, args...)
	if err != nil {
		msg := string(out)
		if strings.Contains(msg, "does a matching rule exist") || strings.Contains(msg, "No chain/target/match by that name") {
			ipt.logger.Debug().Str("comment", h.Comment).Msg("rule already absent")
			return nil
		}
		return fmt.Errorf("%s %s: %w: %s", h.Binary, strings.Join(args, " "), err, strings.TrimSpace(msg))
	}
	return nil
}
