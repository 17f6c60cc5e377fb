// Package parser turns raw CLI text into structured records. Templates are
// registered per (driver hint, command); their output is a flat record
// sequence whose key casing and value shapes vary by template, exactly as
// the devices' ecosystems produce them. The extraction layer in this
// package is the single policy for reading those records into typed rows.
package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Record is one parsed row. Values are strings or string slices; keys keep
// whatever casing the template emits.
type Record map[string]any

// ErrNoTemplate is returned when no template is registered for the
// (driver, command) pair; callers classify it as parse_failed.
var ErrNoTemplate = errors.New("no parse template registered")

type Mode int

const (
	// ModeRows applies Pattern over the whole output; every match becomes
	// one record from its named capture groups.
	ModeRows Mode = iota
	// ModeBlocks splits output into blocks at Split matches and applies
	// the field patterns within each block.
	ModeBlocks
)

type BlockField struct {
	Key     string
	Pattern *regexp.Regexp
	// List collects every match into a []string value instead of the first.
	List bool
}

type Template struct {
	Name    string
	Mode    Mode
	Pattern *regexp.Regexp
	Split   *regexp.Regexp
	Fields  []BlockField
}

// Parse extracts records from raw output. Zero records is a valid outcome;
// empty tables parse to nothing.
func (t *Template) Parse(output string) []Record {
	if t.Mode == ModeBlocks {
		return t.parseBlocks(output)
	}
	return t.parseRows(output)
}

func (t *Template) parseRows(output string) []Record {
	matches := t.Pattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	names := t.Pattern.SubexpNames()
	records := make([]Record, 0, len(matches))
	for _, m := range matches {
		rec := Record{}
		for i, name := range names {
			if i == 0 || name == "" {
				continue
			}
			rec[name] = m[i]
		}
		if len(rec) > 0 {
			records = append(records, rec)
		}
	}
	return records
}

func (t *Template) parseBlocks(output string) []Record {
	starts := t.Split.FindAllStringIndex(output, -1)
	if len(starts) == 0 {
		return nil
	}
	var records []Record
	for i, loc := range starts {
		end := len(output)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		block := output[loc[0]:end]

		rec := Record{}
		for _, f := range t.Fields {
			if f.List {
				var values []string
				for _, m := range f.Pattern.FindAllStringSubmatch(block, -1) {
					if len(m) > 1 && m[1] != "" {
						values = append(values, m[1])
					}
				}
				if len(values) > 0 {
					rec[f.Key] = values
				}
				continue
			}
			if m := f.Pattern.FindStringSubmatch(block); len(m) > 1 && m[1] != "" {
				rec[f.Key] = m[1]
			}
		}
		if len(rec) > 0 {
			records = append(records, rec)
		}
	}
	return records
}

// Registry maps (driver hint, command) to templates. Lookups do not fall
// back across drivers: a platform nobody wrote templates for must surface
// as parse_failed, not silently mis-parse under another dialect's patterns.
type Registry struct {
	log       *slog.Logger
	templates map[string]*Template
	aliases   map[string]string
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:       log,
		templates: make(map[string]*Template),
		aliases: map[string]string{
			"cisco_xe":  "cisco_ios",
			"cisco_ios": "cisco_ios",
		},
	}
	registerBuiltins(r)
	return r
}

func (r *Registry) Register(driver, command string, t *Template) {
	r.templates[templateKey(driver, command)] = t
}

// Alias routes a driver hint to another driver's template set.
func (r *Registry) Alias(driver, target string) {
	r.aliases[driver] = target
}

func (r *Registry) Lookup(driver, command string) (*Template, error) {
	d := strings.ToLower(strings.TrimSpace(driver))
	if target, ok := r.aliases[d]; ok {
		d = target
	}
	if t, ok := r.templates[templateKey(d, command)]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w for driver %q command %q", ErrNoTemplate, driver, command)
}

// Parse resolves the template and applies it, returning the records and the
// template name used.
func (r *Registry) Parse(driver, command, output string) ([]Record, string, error) {
	t, err := r.Lookup(driver, command)
	if err != nil {
		return nil, "", err
	}
	records := t.Parse(output)
	r.log.Debug("parsed command output",
		"driver", driver, "command", command, "template", t.Name, "records", len(records))
	return records, t.Name, nil
}

func templateKey(driver, command string) string {
	return driver + "\x00" + command
}

var cliErrorPattern = regexp.MustCompile(`(?m)^%\s?(Invalid|Incomplete|Ambiguous|Unrecognized)|^Invalid command`)

// LooksLikeCLIError reports whether output is a CLI rejection banner rather
// than command data.
func LooksLikeCLIError(output string) bool {
	return cliErrorPattern.MatchString(output)
}
