package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	werrors "github.com/sentinel-agent/warden/internal/errors"
	"github.com/sentinel-agent/warden/internal/types"
)

// Input formats accepted by sources.
const (
	FormatEVE    = "eve"
	FormatCanary = "canary"
	FormatAuto   = "auto"
)

// errSkip marks well-formed lines that carry no alert (EVE flow/stats
// records, honeypot boot messages).
var errSkip = errors.New("not an alert record")

// Record is a parsed line before normalization.
type Record struct {
	Timestamp   time.Time
	SrcIP       string
	DestIP      string
	DestPort    int
	Protocol    string
	Signature   string
	SignatureID int
	RawCategory string
	Severity    int
	Payload     string
	Criticality string
	Kind        types.AlertKind
	// Hint is a category the parser already knows, e.g. honeypot login attempts.
	Hint string
}

// ParseLine decodes one JSON line in the given format.
func ParseLine(format string, line []byte) (Record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Record{}, errSkip
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(line, &fields); err != nil {
		return Record{}, werrors.Wrap(werrors.ErrParse, "invalid JSON", err)
	}

	switch format {
	case FormatEVE:
		return parseEVE(fields)
	case FormatCanary:
		return parseCanary(fields)
	case FormatAuto, "":
		if _, ok := fields["event_type"]; ok {
			return parseEVE(fields)
		}
		if _, ok := fields["logtype"]; ok {
			return parseCanary(fields)
		}
		return Record{}, werrors.New(werrors.ErrParse, "cannot detect format: neither event_type nor logtype present")
	default:
		return Record{}, werrors.Newf(werrors.ErrParse, "unknown format %q", format)
	}
}

// ---------------------------------------------------------------------------
// Suricata EVE
// ---------------------------------------------------------------------------

const eveTimeLayout = "2006-01-02T15:04:05.999999-0700"

func parseEVE(fields map[string]interface{}) (Record, error) {
	if et := str(fields["event_type"]); et != "alert" {
		return Record{}, errSkip
	}

	rec := Record{
		Timestamp: parseTime(str(fields["timestamp"])),
		SrcIP:     lookup(fields, fieldSrcIP),
		DestIP:    lookup(fields, fieldDestIP),
		DestPort:  num(lookupRaw(fields, fieldDestPort)),
		Protocol:  strings.ToLower(lookup(fields, fieldProtocol)),
		Payload:   str(fields["payload_printable"]),
		Kind:      types.KindIDS,
	}

	alert, ok := fields["alert"].(map[string]interface{})
	if !ok {
		return rec, werrors.New(werrors.ErrMissingField, "alert object missing")
	}
	rec.Signature = str(alert["signature"])
	rec.SignatureID = num(alert["signature_id"])
	rec.RawCategory = str(alert["category"])
	rec.Severity = num(alert["severity"])

	if meta, ok := alert["metadata"].(map[string]interface{}); ok {
		if v, ok := meta["target_criticality"].([]interface{}); ok && len(v) > 0 {
			rec.Criticality = str(v[0])
		}
	}
	if rec.Payload == "" {
		if httpObj, ok := fields["http"].(map[string]interface{}); ok {
			rec.Payload = str(httpObj["url"])
		}
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// OpenCanary
// ---------------------------------------------------------------------------

type canaryEvent struct {
	name     string
	category string
	severity int
}

// Subset of OpenCanary logtype codes worth alerting on.
var canaryLogTypes = map[int]canaryEvent{
	2000:  {"FTP login attempt", types.CategoryBruteForce, 2},
	3000:  {"HTTP GET", types.CategoryRecon, 3},
	3001:  {"HTTP login attempt", types.CategoryBruteForce, 2},
	4000:  {"SSH new connection", types.CategoryRecon, 3},
	4001:  {"SSH remote version sent", types.CategoryRecon, 3},
	4002:  {"SSH login attempt", types.CategoryBruteForce, 2},
	5000:  {"SMB file open", types.CategoryHoneypot, 2},
	5001:  {"Port SYN", types.CategoryPortScan, 3},
	5002:  {"Nmap OS scan", types.CategoryPortScan, 3},
	5003:  {"Nmap NULL scan", types.CategoryPortScan, 3},
	5004:  {"Nmap XMAS scan", types.CategoryPortScan, 3},
	5005:  {"Nmap FIN scan", types.CategoryPortScan, 3},
	6001:  {"Telnet login attempt", types.CategoryBruteForce, 2},
	7001:  {"HTTP proxy login attempt", types.CategoryBruteForce, 2},
	8001:  {"MySQL login attempt", types.CategoryBruteForce, 2},
	9001:  {"MSSQL login attempt", types.CategoryBruteForce, 2},
	9002:  {"MSSQL login attempt", types.CategoryBruteForce, 2},
	10001: {"TFTP request", types.CategoryHoneypot, 2},
	11001: {"NTP monlist", types.CategoryDoS, 2},
	12001: {"VNC login attempt", types.CategoryBruteForce, 2},
	13001: {"SNMP command", types.CategoryRecon, 3},
	14001: {"RDP login attempt", types.CategoryBruteForce, 2},
	15001: {"SIP request", types.CategoryHoneypot, 3},
	16001: {"Git clone request", types.CategoryHoneypot, 2},
	17001: {"Redis command", types.CategoryHoneypot, 2},
	18001: {"TCP banner connection", types.CategoryHoneypot, 3},
	18002: {"TCP banner keep-alive", types.CategoryHoneypot, 3},
	18003: {"TCP banner data", types.CategoryHoneypot, 2},
	99000: {"User defined", types.CategoryHoneypot, 2},
}

func parseCanary(fields map[string]interface{}) (Record, error) {
	logtype := num(fields["logtype"])
	if logtype == 0 {
		return Record{}, werrors.New(werrors.ErrMissingField, "logtype missing")
	}
	if logtype < 2000 {
		// 1xxx are service lifecycle messages.
		return Record{}, errSkip
	}

	ev, known := canaryLogTypes[logtype]
	if !known {
		ev = canaryEvent{name: "logtype " + strconv.Itoa(logtype), category: types.CategoryHoneypot, severity: 2}
	}

	ts := parseTime(str(fields["utc_time"]))
	if ts.IsZero() {
		ts = parseTime(str(fields["local_time"]))
	}

	rec := Record{
		Timestamp:   ts,
		SrcIP:       lookup(fields, fieldSrcIP),
		DestIP:      lookup(fields, fieldDestIP),
		DestPort:    num(lookupRaw(fields, fieldDestPort)),
		Protocol:    "tcp",
		Signature:   "OpenCanary " + ev.name,
		SignatureID: logtype,
		RawCategory: ev.category,
		Severity:    ev.severity,
		Kind:        types.KindHoneypot,
		Hint:        ev.category,
	}
	if logdata, ok := fields["logdata"].(map[string]interface{}); ok {
		rec.Payload = summarizeLogdata(logdata)
	}
	return rec, nil
}

func summarizeLogdata(logdata map[string]interface{}) string {
	var parts []string
	for _, k := range []string{"USERNAME", "PATH", "CMD", "FILENAME", "USERAGENT"} {
		if v := str(logdata[k]); v != "" {
			parts = append(parts, strings.ToLower(k)+"="+v)
		}
	}
	return strings.Join(parts, " ")
}

// ---------------------------------------------------------------------------
// Field helpers
// ---------------------------------------------------------------------------

func str(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func num(v interface{}) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		return 0
	}
}

var timeLayouts = []string{
	eveTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
