package version

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
)

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// Change is a difference on one flattened key ("a.b[0].c").
type Change struct {
	Key  string     `json:"key"`
	Kind ChangeKind `json:"kind"`
	Old  string     `json:"old,omitempty"` // JSON encoded
	New  string     `json:"new,omitempty"` // JSON encoded
}

type Diff struct {
	FromID      string   `json:"from_id"`
	ToID        string   `json:"to_id"`
	FromVersion int      `json:"from_version"`
	ToVersion   int      `json:"to_version"`
	Changes     []Change `json:"changes"`
	Unified     string   `json:"unified"`
}

func (d Diff) IsEmpty() bool {
	return len(d.Changes) == 0
}

// CompareWith diffs v (the base) against other, key by key.
// A key holding null counts as absent.
func (v DataVersion) CompareWith(other DataVersion) (Diff, error) {
	base, err := v.Data()
	if err != nil {
		return Diff{}, errors.Wrapf(err, "reading version %d", v.Version)
	}
	target, err := other.Data()
	if err != nil {
		return Diff{}, errors.Wrapf(err, "reading version %d", other.Version)
	}

	diff := Diff{
		FromID:      v.ID,
		ToID:        other.ID,
		FromVersion: v.Version,
		ToVersion:   other.Version,
		Changes:     DiffData(base, target),
	}
	diff.Unified, err = unifiedDiff(
		fmt.Sprintf("version %d", v.Version), base,
		fmt.Sprintf("version %d", other.Version), target,
	)
	if err != nil {
		return Diff{}, err
	}
	return diff, nil
}

// DiffData classifies every differing flattened key of base and target.
func DiffData(base, target map[string]interface{}) []Change {
	from, to := flatten(base), flatten(target)

	keys := make([]string, 0, len(from)+len(to))
	for k := range from {
		keys = append(keys, k)
	}
	for k := range to {
		if _, ok := from[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	changes := make([]Change, 0)
	for _, k := range keys {
		oldVal, inOld := from[k]
		newVal, inNew := to[k]
		switch {
		case inOld && !inNew:
			changes = append(changes, Change{Key: k, Kind: ChangeRemoved, Old: oldVal})
		case !inOld && inNew:
			changes = append(changes, Change{Key: k, Kind: ChangeAdded, New: newVal})
		case oldVal != newVal:
			changes = append(changes, Change{Key: k, Kind: ChangeModified, Old: oldVal, New: newVal})
		}
	}
	return changes
}

// flatten maps every leaf of data to its JSON encoding. Null leaves are dropped.
func flatten(data map[string]interface{}) map[string]string {
	acc := make(map[string]string)
	flattenValue("", data, acc)
	return acc
}

func flattenValue(prefix string, value interface{}, acc map[string]string) {
	switch typed := value.(type) {
	case map[string]interface{}:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "{}"
			}
			return
		}
		for k, val := range typed {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenValue(key, val, acc)
		}
	case []interface{}:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "[]"
			}
			return
		}
		for i, item := range typed {
			flattenValue(fmt.Sprintf("%s[%d]", prefix, i), item, acc)
		}
	case nil:
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
			return
		}
		acc[prefix] = string(encoded)
	}
}

func canonicalLines(data map[string]interface{}) []string {
	flat := flatten(data)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+flat[k]+"\n")
	}
	return lines
}

func unifiedDiff(fromLabel string, from map[string]interface{}, toLabel string, to map[string]interface{}) (string, error) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        canonicalLines(from),
		B:        canonicalLines(to),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  2,
	})
	if err != nil {
		return "", errors.Wrap(err, "building unified diff")
	}
	return strings.TrimSuffix(text, "\n"), nil
}
