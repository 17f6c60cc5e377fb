package baseline

import (
	"fmt"
	"sort"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// FieldChange carries one field's before and after values. A field that
// appeared or vanished has the other side empty.
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// ChangedRecord is a record present in both versions whose fields differ.
type ChangedRecord struct {
	Key    string                 `json:"key"`
	Fields map[string]FieldChange `json:"fields"`
}

// Diff reports drift between two baseline versions of one (device,
// command), keyed by each record's primary identifier, plus the unified
// text rendering of the normalized payloads.
type Diff struct {
	DeviceID    string              `json:"device_id"`
	Command     string              `json:"command"`
	FromVersion int                 `json:"from_version"`
	ToVersion   int                 `json:"to_version"`
	Added       []map[string]string `json:"added"`
	Removed     []map[string]string `json:"removed"`
	Changed     []ChangedRecord     `json:"changed"`
	Unified     string              `json:"unified,omitempty"`
}

// Empty reports whether the two versions are identical.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compare diffs two baselines of the same (device, command) over their
// normalized outputs.
func Compare(from, to *Baseline) (*Diff, error) {
	if from.DeviceID != to.DeviceID || from.Command != to.Command {
		return nil, fmt.Errorf("cannot compare baselines of different subjects: %s/%s vs %s/%s",
			from.DeviceID, from.Command, to.DeviceID, to.Command)
	}
	a, err := ParseNormalized(from.Normalized)
	if err != nil {
		return nil, fmt.Errorf("baseline v%d: %w", from.Version, err)
	}
	b, err := ParseNormalized(to.Normalized)
	if err != nil {
		return nil, fmt.Errorf("baseline v%d: %w", to.Version, err)
	}

	kind := KindOf(from.Command)
	oldMap := make(map[string]map[string]string, len(a))
	for _, rec := range a {
		oldMap[recordKey(kind, rec)] = rec
	}
	newMap := make(map[string]map[string]string, len(b))
	for _, rec := range b {
		newMap[recordKey(kind, rec)] = rec
	}

	d := &Diff{
		DeviceID:    from.DeviceID,
		Command:     from.Command,
		FromVersion: from.Version,
		ToVersion:   to.Version,
		Added:       []map[string]string{},
		Removed:     []map[string]string{},
		Changed:     []ChangedRecord{},
	}
	for key, newRec := range newMap {
		oldRec, ok := oldMap[key]
		if !ok {
			d.Added = append(d.Added, newRec)
			continue
		}
		if changes := fieldChanges(oldRec, newRec); len(changes) > 0 {
			d.Changed = append(d.Changed, ChangedRecord{Key: key, Fields: changes})
		}
	}
	for key, oldRec := range oldMap {
		if _, ok := newMap[key]; !ok {
			d.Removed = append(d.Removed, oldRec)
		}
	}

	// Map iteration order is random; pin the output.
	sort.Slice(d.Added, func(i, j int) bool { return recordKey(kind, d.Added[i]) < recordKey(kind, d.Added[j]) })
	sort.Slice(d.Removed, func(i, j int) bool { return recordKey(kind, d.Removed[i]) < recordKey(kind, d.Removed[j]) })
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].Key < d.Changed[j].Key })

	if !d.Empty() {
		d.Unified = Unified(from, to)
	}
	return d, nil
}

func fieldChanges(oldRec, newRec map[string]string) map[string]FieldChange {
	var changes map[string]FieldChange
	record := func(k string, c FieldChange) {
		if changes == nil {
			changes = make(map[string]FieldChange)
		}
		changes[k] = c
	}
	for k, ov := range oldRec {
		nv, ok := newRec[k]
		if !ok {
			record(k, FieldChange{Old: ov})
			continue
		}
		if ov != nv {
			record(k, FieldChange{Old: ov, New: nv})
		}
	}
	for k, nv := range newRec {
		if _, ok := oldRec[k]; !ok {
			record(k, FieldChange{New: nv})
		}
	}
	return changes
}

// Unified renders the two normalized payloads as a unified text diff, one
// record per line.
func Unified(from, to *Baseline) string {
	code := from.DeviceID + "/" + from.Command
	oldLabel := fmt.Sprintf("%s v%d", code, from.Version)
	newLabel := fmt.Sprintf("%s v%d", code, to.Version)
	edits := myers.ComputeEdits(span.URIFromPath(oldLabel), from.Normalized, to.Normalized)
	return fmt.Sprint(gotextdiff.ToUnified(oldLabel, newLabel, from.Normalized, edits))
}
