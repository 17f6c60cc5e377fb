package connector

import "strings"

// Dialect captures how a platform family expects to be driven over SSH.
// Exec-capable platforms get one exec channel per command; legacy CLIs only
// offer an interactive shell, where commands are written to a pty and the
// output is read back up to the next prompt.
type Dialect struct {
	Name          string
	Interactive   bool
	DisablePaging []string
}

var dialects = map[string]Dialect{
	"cisco_ios": {
		Name:          "cisco_ios",
		Interactive:   true,
		DisablePaging: []string{"terminal length 0", "terminal width 511"},
	},
	"cisco_xe": {
		Name:          "cisco_xe",
		Interactive:   true,
		DisablePaging: []string{"terminal length 0", "terminal width 511"},
	},
	"cisco_nxos": {
		Name:          "cisco_nxos",
		Interactive:   true,
		DisablePaging: []string{"terminal length 0"},
	},
	"arista_eos": {
		Name: "arista_eos",
	},
	"linux": {
		Name: "linux",
	},
}

var defaultDialect = Dialect{Name: "generic"}

// DialectFor maps a driver hint to its dialect. Unknown platforms fall back
// to plain exec channels.
func DialectFor(platform string) Dialect {
	if d, ok := dialects[strings.ToLower(strings.TrimSpace(platform))]; ok {
		return d
	}
	return defaultDialect
}
