package model

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/covq/covq/ml"
)

// NamedTensor pairs a parameter's dotted checkpoint name with its
// tensor.
type NamedTensor struct {
	Name   string
	Tensor ml.Tensor
}

// NamedTensors enumerates every tagged parameter of a model in sorted
// name order, for optimizer grouping and inspection.
func NamedTensors(m Model) []NamedTensor {
	v := reflect.ValueOf(m)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return nil
	}

	var params []NamedTensor
	collectTensors(v.Elem(), nil, &params)
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}

func collectTensors(v reflect.Value, path []string, params *[]NamedTensor) {
	t := v.Type()

	for i := range t.NumField() {
		tt := t.Field(i).Type
		vv := v.Field(i)
		if !vv.CanSet() {
			continue
		}

		fieldPath := path
		if tag := t.Field(i).Tag.Get("ckpt"); tag != "" {
			fieldPath = append(append([]string(nil), path...), ParseTag(tag).Name)
		}

		switch {
		case tt == tensorType:
			if len(fieldPath) > 0 && !vv.IsNil() {
				*params = append(*params, NamedTensor{
					Name:   strings.Join(fieldPath, "."),
					Tensor: vv.Interface().(ml.Tensor),
				})
			}
		case tt.Kind() == reflect.Pointer && tt.Elem().Kind() == reflect.Struct:
			if !vv.IsNil() {
				collectTensors(vv.Elem(), fieldPath, params)
			}
		case tt.Kind() == reflect.Struct:
			collectTensors(vv, fieldPath, params)
		case tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array:
			for j := range vv.Len() {
				vvv := vv.Index(j)
				indexed := append(append([]string(nil), fieldPath...), strconv.Itoa(j))
				switch {
				case vvv.Kind() == reflect.Pointer && vvv.Type().Elem().Kind() == reflect.Struct:
					if !vvv.IsNil() {
						collectTensors(vvv.Elem(), indexed, params)
					}
				case vvv.Kind() == reflect.Struct:
					collectTensors(vvv, indexed, params)
				}
			}
		}
	}
}
