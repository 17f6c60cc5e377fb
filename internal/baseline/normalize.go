package baseline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/parser"
)

func set(fields ...string) map[string]bool {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[f] = true
	}
	return m
}

// dropFields lists the per-kind volatile fields omitted from normalized
// output: they change constantly without indicating a config change.
var dropFields = map[netstate.Kind]map[string]bool{
	netstate.KindInterfaces: set(
		"input_rate", "output_rate",
		"input_packets", "output_packets",
		"input_bytes", "output_bytes",
		"input_errors", "output_errors",
		"last_input", "last_output",
		"resets",
	),
	netstate.KindARP:         set("age"),
	netstate.KindCDP:         set("holdtime"),
	netstate.KindRouteStatic: set("uptime"),
	netstate.KindRouteOSPF:   set("uptime"),
	netstate.KindRouteBGP:    set("uptime"),
}

// keyFields names the primary identifier per kind. Values of every listed
// field present in a record are joined to form its diff key, so a CDP
// neighbor seen on two local ports stays two records.
var keyFields = map[netstate.Kind][]string{
	netstate.KindInterfaces:  {"interface"},
	netstate.KindARP:         {"ip_address"},
	netstate.KindCDP:         {"neighbor", "local_interface"},
	netstate.KindMAC:         {"mac_address", "vlan"},
	netstate.KindRouteStatic: {"network", "nexthop_ip"},
	netstate.KindRouteOSPF:   {"network", "nexthop_ip"},
	netstate.KindRouteBGP:    {"network", "nexthop_ip"},
}

// Normalize converts parsed records into their stable diffable form: keys
// lowercased, volatile fields dropped, values flattened to trimmed
// strings, empty fields omitted, records sorted by primary identifier.
// The same raw input always normalizes to the same output.
func Normalize(kind netstate.Kind, records []parser.Record) []map[string]string {
	out := make([]map[string]string, 0, len(records))
	drop := dropFields[kind]
	for _, rec := range records {
		m := make(map[string]string, len(rec))
		for k, v := range rec {
			lk := strings.ToLower(k)
			if drop[lk] {
				continue
			}
			s := flatten(v)
			if s == "" {
				continue
			}
			m[lk] = s
		}
		if len(m) == 0 {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return recordKey(kind, out[i]) < recordKey(kind, out[j])
	})
	return out
}

func flatten(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []string:
		parts := make([]string, 0, len(x))
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			if s := flatten(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// recordKey derives a record's primary identifier. Records missing every
// key field fall back to their full rendering so they still sort and diff
// deterministically.
func recordKey(kind netstate.Kind, rec map[string]string) string {
	var parts []string
	for _, f := range keyFields[kind] {
		if v := rec[f]; v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		raw, _ := json.Marshal(rec)
		return string(raw)
	}
	return strings.Join(parts, "|")
}

// KindOf resolves a command's table kind; unknown commands get the zero
// kind, which drops nothing and keys on the whole record.
func KindOf(command string) netstate.Kind {
	if e, ok := parser.LookupCommand(command); ok {
		return e.Kind
	}
	return ""
}

// Render produces the normalized text: one compact JSON object per line
// with keys in alphabetical order, trailing newline. Line granularity is
// what makes the unified drift rendering readable.
func Render(records []map[string]string) string {
	var sb strings.Builder
	for _, rec := range records {
		raw, _ := json.Marshal(rec)
		sb.Write(raw)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ParseNormalized decodes normalized text back into records.
func ParseNormalized(text string) ([]map[string]string, error) {
	var out []map[string]string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec map[string]string
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("malformed normalized line %q: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
