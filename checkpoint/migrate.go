package checkpoint

import (
	"log/slog"
	"strings"
)

// A Migration rewrites a legacy checkpoint key layout into the current
// one. Apply must be a pure key mapping: values are carried over
// untouched. Migrations are detected and applied in order, so a later
// migration may rely on the layout produced by an earlier one.
type Migration struct {
	Name   string
	Detect func(*StateDict) bool
	Apply  func(*StateDict) *StateDict
}

// textTowerPrefixes are the top-level parameter families of the legacy
// flat text-tower layout.
var textTowerPrefixes = []string{
	"text_projection",
	"positional_embedding",
	"token_embedding",
	"transformer",
	"ln_final",
}

// replicaPrefix marks parameters saved from a multi-replica wrapper.
const replicaPrefix = "module."

var migrations = []Migration{
	{
		// Multi-replica training wrappers save every parameter under a
		// "module." prefix.
		Name: "strip-replica-prefix",
		Detect: func(sd *StateDict) bool {
			if sd.Len() == 0 {
				return false
			}
			for _, name := range sd.Names() {
				if !strings.HasPrefix(name, replicaPrefix) {
					return false
				}
			}
			return true
		},
		Apply: func(sd *StateDict) *StateDict {
			out := NewStateDict()
			for _, name := range sd.Names() {
				t, _ := sd.Get(name)
				out.Set(&Tensor{Name: strings.TrimPrefix(name, replicaPrefix), Shape: t.Shape, Data: t.Data})
			}
			return out
		},
	},
	{
		// Flat text-tower checkpoints predate namespacing the tower
		// under "text."; the projection matrix is the sentinel.
		Name: "text-tower-namespace",
		Detect: func(sd *StateDict) bool {
			_, ok := sd.Get("text_projection")
			return ok
		},
		Apply: func(sd *StateDict) *StateDict {
			out := NewStateDict()
			for _, name := range sd.Names() {
				t, _ := sd.Get(name)
				mapped := name
				for _, prefix := range textTowerPrefixes {
					if strings.HasPrefix(name, prefix) {
						mapped = "text." + name
						break
					}
				}
				out.Set(&Tensor{Name: mapped, Shape: t.Shape, Data: t.Data})
			}
			return out
		},
	},
}

// Migrate upgrades legacy checkpoint layouts to the current key naming.
// Checkpoints already in the current layout pass through unchanged.
func Migrate(sd *StateDict) *StateDict {
	for _, m := range migrations {
		if m.Detect(sd) {
			slog.Info("migrating checkpoint key layout", "migration", m.Name)
			sd = m.Apply(sd)
		}
	}
	return sd
}
