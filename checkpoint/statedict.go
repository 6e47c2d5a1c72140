// Package checkpoint loads pretrained weights: hash-verified downloads,
// torch state-dict reading, legacy key-layout migration, and
// position-embedding resizing.
package checkpoint

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// Tensor is a named weight slab decoded to float32.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// StateDict maps parameter names to tensors.
type StateDict struct {
	tensors map[string]*Tensor
}

func NewStateDict() *StateDict {
	return &StateDict{tensors: make(map[string]*Tensor)}
}

func (sd *StateDict) Get(name string) (*Tensor, bool) {
	t, ok := sd.tensors[name]
	return t, ok
}

func (sd *StateDict) Set(t *Tensor) {
	sd.tensors[t.Name] = t
}

func (sd *StateDict) Delete(name string) {
	delete(sd.tensors, name)
}

func (sd *StateDict) Len() int {
	return len(sd.tensors)
}

func (sd *StateDict) Names() []string {
	names := make([]string, 0, len(sd.tensors))
	for name := range sd.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadStateDict reads a torch checkpoint file. A wrapper object holding
// the parameters under a "state_dict" key is unwrapped, then legacy key
// layouts are migrated (see Migrate).
func LoadStateDict(path string) (*StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}

	entries, err := dictEntries(obj)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", path, err)
	}

	if wrapped, ok := entries["state_dict"]; ok {
		entries, err = dictEntries(wrapped)
		if err != nil {
			return nil, fmt.Errorf("unwrap state_dict in %s: %w", path, err)
		}
	}

	sd := NewStateDict()
	for name, value := range entries {
		pt, ok := value.(*pytorch.Tensor)
		if !ok {
			slog.Debug("skipping non-tensor checkpoint entry", "name", name, "type", fmt.Sprintf("%T", value))
			continue
		}

		t, err := decodeTensor(name, pt)
		if err != nil {
			return nil, err
		}
		sd.Set(t)
	}

	return Migrate(sd), nil
}

func dictEntries(obj any) (map[string]any, error) {
	entries := make(map[string]any)

	switch d := obj.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			name, ok := k.(string)
			if !ok {
				continue
			}
			v, _ := d.Get(k)
			entries[name] = v
		}
	case *types.OrderedDict:
		for k, e := range d.Map {
			name, ok := k.(string)
			if !ok {
				continue
			}
			entries[name] = e.Value
		}
	default:
		return nil, fmt.Errorf("unsupported checkpoint object %T", obj)
	}

	return entries, nil
}

func decodeTensor(name string, pt *pytorch.Tensor) (*Tensor, error) {
	t := &Tensor{Name: name, Shape: append([]int(nil), pt.Size...)}

	var f32s []float32
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	case *pytorch.DoubleStorage:
		f32s = make([]float32, len(s.Data))
		for i, v := range s.Data {
			f32s[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("tensor %s: unsupported storage type %T", name, pt.Source)
	}

	n := t.Elements()
	offset := int(pt.StorageOffset)
	if offset+n > len(f32s) {
		return nil, fmt.Errorf("tensor %s: storage holds %d elements, need %d at offset %d", name, len(f32s), n, offset)
	}

	t.Data = make([]float32, n)
	copy(t.Data, f32s[offset:offset+n])
	return t, nil
}
