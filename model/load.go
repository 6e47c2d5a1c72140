package model

import (
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/covq/covq/checkpoint"
	"github.com/covq/covq/ml"
)

// LoadResult reports the non-strict part of a weight load: parameters
// the model wanted but the checkpoint lacked, and checkpoint entries no
// model field claimed.
type LoadResult struct {
	Missing    []string
	Unexpected []string
}

var tensorType = reflect.TypeOf((*ml.Tensor)(nil)).Elem()

// Load copies checkpoint tensors into the tagged fields of m. Loading is
// non-strict: missing and unexpected keys are reported, not fatal. A
// position-embedding whose row count differs from the model's is
// linearly interpolated to fit; any other shape mismatch is an error.
func Load(ctx ml.Context, m Model, sd *checkpoint.StateDict) (LoadResult, error) {
	var res LoadResult

	v := reflect.ValueOf(m)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return res, fmt.Errorf("model: cannot load into %T", m)
	}

	used := make(map[string]bool)
	if err := loadFields(ctx, v.Elem(), sd, used, &res, nil); err != nil {
		return res, err
	}

	for _, name := range sd.Names() {
		if !used[name] {
			res.Unexpected = append(res.Unexpected, name)
		}
	}
	sort.Strings(res.Missing)

	if len(res.Missing) > 0 {
		slog.Warn("checkpoint is missing parameters", "count", len(res.Missing), "first", res.Missing[0])
	}
	if len(res.Unexpected) > 0 {
		slog.Warn("checkpoint has unexpected parameters", "count", len(res.Unexpected), "first", res.Unexpected[0])
	}

	return res, nil
}

func loadFields(ctx ml.Context, v reflect.Value, sd *checkpoint.StateDict, used map[string]bool, res *LoadResult, tags []Tag) error {
	t := v.Type()

	for i := range t.NumField() {
		tt := t.Field(i).Type
		vv := v.Field(i)
		if !vv.CanSet() {
			continue
		}

		tagsCopy := tags
		if tag := t.Field(i).Tag.Get("ckpt"); tag != "" {
			tagsCopy = append(slices.Clone(tags), ParseTag(tag))
		}

		switch {
		case tt == tensorType:
			if err := loadTensor(ctx, vv, sd, used, res, tagsCopy); err != nil {
				return err
			}
		case tt.Kind() == reflect.Pointer && tt.Elem().Kind() == reflect.Struct:
			if !vv.IsNil() {
				if err := loadFields(ctx, vv.Elem(), sd, used, res, tagsCopy); err != nil {
					return err
				}
			}
		case tt.Kind() == reflect.Struct:
			if err := loadFields(ctx, vv, sd, used, res, tagsCopy); err != nil {
				return err
			}
		case tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array:
			for j := range vv.Len() {
				vvv := vv.Index(j)
				indexed := append(slices.Clone(tagsCopy), Tag{Name: strconv.Itoa(j)})
				switch {
				case vvv.Kind() == reflect.Pointer && vvv.Type().Elem().Kind() == reflect.Struct:
					if !vvv.IsNil() {
						if err := loadFields(ctx, vvv.Elem(), sd, used, res, indexed); err != nil {
							return err
						}
					}
				case vvv.Kind() == reflect.Struct:
					if err := loadFields(ctx, vvv, sd, used, res, indexed); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}

func loadTensor(ctx ml.Context, field reflect.Value, sd *checkpoint.StateDict, used map[string]bool, res *LoadResult, tags []Tag) error {
	names := candidateNames(tags)
	if len(names) == 0 {
		return nil
	}

	var src *checkpoint.Tensor
	var name string
	for _, n := range names {
		if t, ok := sd.Get(n); ok {
			src, name = t, n
			break
		}
	}

	if src == nil {
		res.Missing = append(res.Missing, names[0])
		return nil
	}
	used[name] = true

	shape := src.Shape
	data := src.Data

	if !field.IsNil() {
		want := field.Interface().(ml.Tensor).Shape()
		if !slices.Equal(want, shape) {
			if isPositionEmbedding(name) && len(want) == 2 && len(shape) == 2 && want[1] == shape[1] {
				resized, err := checkpoint.ResizePositionEmbedding(src, want[0])
				if err != nil {
					return fmt.Errorf("model: resize %s: %w", name, err)
				}
				slog.Info("interpolated position embedding", "name", name, "from", shape[0], "to", want[0])
				shape, data = resized.Shape, resized.Data
			} else {
				return fmt.Errorf("model: %s has shape %v, model wants %v", name, shape, want)
			}
		}
	}

	t, err := ctx.FromFloatSlice(data, shape...)
	if err != nil {
		return fmt.Errorf("model: %s: %w", name, err)
	}

	field.Set(reflect.ValueOf(t))
	return nil
}

// isPositionEmbedding reports whether a checkpoint entry is a position
// table. Only those may be row-interpolated to the model's context
// length; every other parameter must match shapes exactly.
func isPositionEmbedding(name string) bool {
	return strings.HasSuffix(name, "positional_embedding")
}

// candidateNames expands a tag path into the dotted names to try, with
// alternates for earlier checkpoint layouts ordered after the primary
// spelling.
func candidateNames(tags []Tag) []string {
	if len(tags) == 0 {
		return nil
	}

	heads := append([]string{tags[0].Name}, tags[0].Alternate...)
	rest := candidateNames(tags[1:])
	if rest == nil {
		return heads
	}

	var names []string
	for _, head := range heads {
		for _, tail := range rest {
			names = append(names, head+"."+tail)
		}
	}
	return names
}
