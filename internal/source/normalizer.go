package source

import (
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-agent/warden/internal/config"
	"github.com/sentinel-agent/warden/internal/types"
)

// FieldMapping maps a producer-specific field name to a normalized one.
type FieldMapping struct {
	SourceField string
	NormField   string
}

// Normalized field names looked up by the parsers.
const (
	fieldSrcIP    = "src"
	fieldDestIP   = "dest"
	fieldDestPort = "dest_port"
	fieldProtocol = "protocol"
)

// fieldMappings lists, per normalized field, the names producers use for it.
// Earlier entries win.
var fieldMappings = []FieldMapping{
	{SourceField: "src_ip", NormField: fieldSrcIP},
	{SourceField: "src_host", NormField: fieldSrcIP},
	{SourceField: "srcip", NormField: fieldSrcIP},
	{SourceField: "source_address", NormField: fieldSrcIP},
	{SourceField: "remote_addr", NormField: fieldSrcIP},
	{SourceField: "client_ip", NormField: fieldSrcIP},
	{SourceField: "dest_ip", NormField: fieldDestIP},
	{SourceField: "dst_host", NormField: fieldDestIP},
	{SourceField: "dst_ip", NormField: fieldDestIP},
	{SourceField: "dstip", NormField: fieldDestIP},
	{SourceField: "destination_address", NormField: fieldDestIP},
	{SourceField: "dest_port", NormField: fieldDestPort},
	{SourceField: "dst_port", NormField: fieldDestPort},
	{SourceField: "proto", NormField: fieldProtocol},
	{SourceField: "protocol", NormField: fieldProtocol},
}

func lookupRaw(fields map[string]interface{}, norm string) interface{} {
	for _, m := range fieldMappings {
		if m.NormField != norm {
			continue
		}
		if v, ok := fields[m.SourceField]; ok && v != nil && v != "" {
			return v
		}
	}
	return nil
}

func lookup(fields map[string]interface{}, norm string) string {
	return str(lookupRaw(fields, norm))
}

// categoryAliases maps folded category spellings to canonical categories.
// Keys are folded with foldCategory.
var categoryAliases = map[string]string{
	"sqli":                 types.CategorySQLi,
	"sqlinjection":         types.CategorySQLi,
	"webapplicationattack": types.CategorySQLi,

	"xss":                types.CategoryXSS,
	"crosssitescripting": types.CategoryXSS,

	"rce":                       types.CategoryRCE,
	"remotecodeexecution":       types.CategoryRCE,
	"executablecodewasdetected": types.CategoryRCE,

	"commandinjection":   types.CategoryCommandInjection,
	"oscommandinjection": types.CategoryCommandInjection,

	"pathtraversal":      types.CategoryPathTraversal,
	"directorytraversal": types.CategoryPathTraversal,

	"bruteforce":   types.CategoryBruteForce,
	"loginattempt": types.CategoryBruteForce,

	"credentialaccess":                     types.CategoryCredentialAccess,
	"attemptedloginwithsuspicioususername": types.CategoryCredentialAccess,
	"successfulcredentialtheftdetected":    types.CategoryCredentialAccess,

	"portscan":                types.CategoryPortScan,
	"detectionofanetworkscan": types.CategoryPortScan,
	"networkscan":             types.CategoryPortScan,

	"recon":                     types.CategoryRecon,
	"reconnaissance":            types.CategoryRecon,
	"attemptedinformationleak":  types.CategoryRecon,
	"informationleak":           types.CategoryRecon,
	"largescaleinformationleak": types.CategoryRecon,

	"dos":                               types.CategoryDoS,
	"denialofservice":                   types.CategoryDoS,
	"attempteddenialofservice":          types.CategoryDoS,
	"detectionofadenialofserviceattack": types.CategoryDoS,

	"malware":                   types.CategoryMalware,
	"anetworktrojanwasdetected": types.CategoryMalware,
	"malwarecommandandcontrolactivitydetected": types.CategoryMalware,
	"domainobservedusedforc2detected":          types.CategoryMalware,

	"exploit":                              types.CategoryExploit,
	"attemptedadministratorprivilegegain":  types.CategoryExploit,
	"successfuladministratorprivilegegain": types.CategoryExploit,
	"attempteduserprivilegegain":           types.CategoryExploit,
	"exploitkitactivitydetected":           types.CategoryExploit,

	"lateralmovement": types.CategoryLateralMovement,

	"honeypot":  types.CategoryHoneypot,
	"deception": types.CategoryHoneypot,

	"policy":                             types.CategoryPolicy,
	"potentialcorporateprivacyviolation": types.CategoryPolicy,
	"potentiallybadtraffic":              types.CategoryPolicy,
	"miscactivity":                       types.CategoryPolicy,

	"benign":               types.CategoryBenign,
	"notsuspicioustraffic": types.CategoryBenign,

	"unknown":        types.CategoryUnknown,
	"unknowntraffic": types.CategoryUnknown,
}

// signatureHints refine broad IDS categories using the signature text.
// Ordered: first match wins.
var signatureHints = []struct {
	keyword  string
	category string
}{
	{"sql injection", types.CategorySQLi},
	{"union select", types.CategorySQLi},
	{"sqli", types.CategorySQLi},
	{"cross site scripting", types.CategoryXSS},
	{"xss", types.CategoryXSS},
	{"command injection", types.CategoryCommandInjection},
	{"remote code execution", types.CategoryRCE},
	{" rce", types.CategoryRCE},
	{"directory traversal", types.CategoryPathTraversal},
	{"path traversal", types.CategoryPathTraversal},
	{"brute force", types.CategoryBruteForce},
	{"bruteforce", types.CategoryBruteForce},
	{"nmap", types.CategoryPortScan},
	{"port scan", types.CategoryPortScan},
}

// foldCategory lowercases and drops spaces, underscores and hyphens.
func foldCategory(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '_', '-', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CanonicalCategory maps any spelling of a category onto the canonical
// vocabulary, or "unknown".
func CanonicalCategory(raw string) string {
	if c, ok := categoryAliases[foldCategory(raw)]; ok {
		return c
	}
	return types.CategoryUnknown
}

type asset struct {
	prefix      netip.Prefix
	criticality string
}

// Normalizer turns parsed records into canonical Alerts.
type Normalizer struct {
	assets []asset
	now    func() time.Time
}

// NewNormalizer creates a normalizer. Assets tag destinations with a criticality.
func NewNormalizer(assets []config.Asset) *Normalizer {
	n := &Normalizer{now: time.Now}
	for _, a := range assets {
		p, err := netip.ParsePrefix(a.CIDR)
		if err != nil {
			continue
		}
		n.assets = append(n.assets, asset{prefix: p.Masked(), criticality: a.Criticality})
	}
	return n
}

// Normalize builds an Alert. Missing or invalid required fields degrade the
// alert to category unknown instead of failing.
func (n *Normalizer) Normalize(rec Record, sourceName string) types.Alert {
	a := types.Alert{
		ID:                uuid.NewString(),
		Timestamp:         rec.Timestamp,
		SrcIP:             rec.SrcIP,
		DestIP:            rec.DestIP,
		DestPort:          rec.DestPort,
		Protocol:          rec.Protocol,
		Signature:         rec.Signature,
		SignatureID:       rec.SignatureID,
		RawCategory:       rec.RawCategory,
		Severity:          rec.Severity,
		Payload:           truncate(rec.Payload, 512),
		TargetCriticality: strings.ToLower(rec.Criticality),
		Source:            sourceName,
		Kind:              rec.Kind,
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = n.now().UTC()
	}
	if a.Kind == "" {
		a.Kind = types.KindIDS
	}
	if a.Severity < 1 || a.Severity > 4 {
		a.Severity = 3
	}

	a.Category = n.categorize(rec)

	src, srcErr := netip.ParseAddr(rec.SrcIP)
	if srcErr != nil || (rec.Signature == "" && rec.RawCategory == "") {
		a.Degraded = true
		a.Category = types.CategoryUnknown
	} else {
		a.SrcIP = src.Unmap().String()
	}
	if rec.DestIP != "" {
		if dst, err := netip.ParseAddr(rec.DestIP); err == nil {
			dst = dst.Unmap()
			a.DestIP = dst.String()
			if a.TargetCriticality == "" {
				a.TargetCriticality = n.criticality(dst)
			}
		} else {
			a.Degraded = true
			a.Category = types.CategoryUnknown
		}
	}
	return a
}

func (n *Normalizer) categorize(rec Record) string {
	if rec.Hint != "" && types.IsCanonicalCategory(rec.Hint) {
		return rec.Hint
	}
	sig := " " + strings.ToLower(rec.Signature)
	for _, h := range signatureHints {
		if strings.Contains(sig, h.keyword) {
			return h.category
		}
	}
	cat := CanonicalCategory(rec.RawCategory)
	if cat == types.CategoryUnknown && rec.Kind == types.KindHoneypot {
		return types.CategoryHoneypot
	}
	return cat
}

func (n *Normalizer) criticality(dst netip.Addr) string {
	best := -1
	level := ""
	for _, a := range n.assets {
		if a.prefix.Contains(dst) && a.prefix.Bits() > best {
			best = a.prefix.Bits()
			level = a.criticality
		}
	}
	return level
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
