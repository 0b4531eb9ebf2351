package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Snapshot is the value of a subtree at a point in time.
//
// Value holds the decoded JSON tree: map[string]any for objects,
// json.Number, string or bool for leaves, nil when the path is absent.
type Snapshot struct {
	Path  string
	Value any
}

// Exists reports whether any data is stored at the snapshot's path.
func (s Snapshot) Exists() bool { return s.Value != nil }

// Key returns the last segment of the snapshot's path.
func (s Snapshot) Key() string { return lastSegment(s.Path) }

// Decode unmarshals the snapshot value into v using encoding/json rules.
func (s Snapshot) Decode(v any) error {
	data, err := json.Marshal(s.Value)
	if err != nil {
		return fmt.Errorf("signaling: encode %q: %w", s.Path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("signaling: decode %q: %w", s.Path, err)
	}
	return nil
}

// Children returns the direct children of an object snapshot ordered by key.
// Pushed keys sort in creation order, so for collections written with
// [Store.Push] this is insertion order. Leaves and absent snapshots have no
// children.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.Value.(map[string]any)
	if !ok {
		return nil
	}
	keys := slices.Sorted(maps.Keys(m))
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, Snapshot{Path: s.Path + "/" + k, Value: m[k]})
	}
	return out
}

// MarshalValue returns the canonical JSON encoding of the snapshot value.
// Object keys are sorted, so equal trees encode to equal bytes.
func (s Snapshot) MarshalValue() (json.RawMessage, error) {
	return json.Marshal(s.Value)
}

// Equal reports whether both snapshots carry the same value.
func (s Snapshot) Equal(o Snapshot) bool {
	a, errA := s.MarshalValue()
	b, errB := o.MarshalValue()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// SnapshotFromJSON builds a snapshot from a raw JSON document.
func SnapshotFromJSON(path string, raw json.RawMessage) (Snapshot, error) {
	if len(raw) == 0 {
		return Snapshot{Path: path}, nil
	}
	v, err := decodeJSON(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("signaling: snapshot %q: %w", path, err)
	}
	return Snapshot{Path: path, Value: prune(v)}, nil
}

// Flatten encodes value as the set of leaves it occupies below path. Arrays
// become objects keyed by index and empty objects vanish. Object keys are
// validated with [ValidateSegment].
func Flatten(path string, value any) (map[string]json.RawMessage, error) {
	leaves := make(map[string]json.RawMessage)
	if value == nil {
		return leaves, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("signaling: encode value for %q: %w", path, err)
	}
	v, err := decodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("signaling: normalise value for %q: %w", path, err)
	}
	if err := flatten(path, v, leaves); err != nil {
		return nil, err
	}
	return leaves, nil
}

func flatten(path string, v any, leaves map[string]json.RawMessage) error {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, child := range t {
			if err := ValidateSegment(k); err != nil {
				return fmt.Errorf("key under %q: %w", path, err)
			}
			if err := flatten(path+"/"+k, child, leaves); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, child := range t {
			if err := flatten(path+"/"+strconv.Itoa(i), child, leaves); err != nil {
				return err
			}
		}
		return nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("signaling: encode leaf %q: %w", path, err)
		}
		leaves[path] = raw
		return nil
	}
}

// Assemble rebuilds the subtree at path from the leaves stored at or below
// it. Leaves outside the subtree are ignored.
func Assemble(path string, leaves map[string]json.RawMessage) (Snapshot, error) {
	snap := Snapshot{Path: path}
	if raw, ok := leaves[path]; ok {
		v, err := decodeJSON(raw)
		if err != nil {
			return Snapshot{}, fmt.Errorf("signaling: decode leaf %q: %w", path, err)
		}
		snap.Value = v
		return snap, nil
	}

	prefix := path + "/"
	var root map[string]any
	for p, raw := range leaves {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		v, err := decodeJSON(raw)
		if err != nil {
			return Snapshot{}, fmt.Errorf("signaling: decode leaf %q: %w", p, err)
		}
		if root == nil {
			root = make(map[string]any)
		}
		insert(root, strings.Split(rest, "/"), v)
	}
	if root != nil {
		snap.Value = root
	}
	return snap, nil
}

func insert(node map[string]any, segs []string, v any) {
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = v
}

// prune drops empty objects and converts arrays to index-keyed objects so
// that snapshots built from raw JSON match assembled ones.
func prune(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if c := prune(child); c == nil {
				delete(t, k)
			} else {
				t[k] = c
			}
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		m := make(map[string]any, len(t))
		for i, child := range t {
			m[strconv.Itoa(i)] = child
		}
		return prune(m)
	default:
		return v
	}
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
