// Package model provides the architecture registry and the reflective
// weight loader that populates a constructed network from a checkpoint
// state dict.
package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/covq/covq/ml"
)

// Model is a constructed network. Its exported fields carry ckpt struct
// tags naming the checkpoint parameters they map to; nested structs
// contribute dotted path segments.
type Model interface{}

var models = make(map[string]func(ctx ml.Context, config []byte) (Model, error))

// Register makes an architecture available to New. It is expected to be
// called during init.
func Register(name string, fn func(ctx ml.Context, config []byte) (Model, error)) {
	if _, ok := models[name]; ok {
		panic(fmt.Sprintf("model: architecture %q already registered", name))
	}

	models[name] = fn
}

// New constructs a registered architecture from its JSON config. The
// returned model carries freshly initialized weights; use Load to
// populate them from a checkpoint.
func New(ctx ml.Context, name string, config []byte) (Model, error) {
	fn, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("model: unsupported architecture %q", name)
	}

	return fn(ctx, config)
}

// List returns the registered architecture names.
func List() []string {
	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tag is one parsed ckpt struct tag: a path segment with optional
// alternate spellings for older checkpoints.
type Tag struct {
	Name      string
	Alternate []string
}

func ParseTag(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}
