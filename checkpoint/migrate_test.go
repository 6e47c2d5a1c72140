package checkpoint

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func dictOf(names ...string) *StateDict {
	sd := NewStateDict()
	for _, name := range names {
		sd.Set(&Tensor{Name: name, Shape: []int{1}, Data: []float32{0}})
	}
	return sd
}

func TestMigrateStripsReplicaPrefix(t *testing.T) {
	sd := dictOf("module.encoder.conv_in.weight", "module.quantize.embedding.weight")

	got := Migrate(sd).Names()
	want := []string{"encoder.conv_in.weight", "quantize.embedding.weight"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected keys (-want +got):\n%s", diff)
	}
}

func TestMigrateKeepsMixedPrefixes(t *testing.T) {
	// a real "module." parameter family is only stripped when every key
	// has the prefix
	sd := dictOf("module.encoder.conv_in.weight", "decoder.conv_out.weight")

	got := Migrate(sd).Names()
	want := []string{"decoder.conv_out.weight", "module.encoder.conv_in.weight"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected keys (-want +got):\n%s", diff)
	}
}

func TestMigrateNamespacesLegacyTextTower(t *testing.T) {
	sd := dictOf(
		"text_projection",
		"positional_embedding",
		"token_embedding.weight",
		"transformer.resblocks.0.attn.in_proj_weight",
		"ln_final.weight",
		"visual.conv1.weight",
	)

	got := Migrate(sd).Names()
	want := []string{
		"text.ln_final.weight",
		"text.positional_embedding",
		"text.text_projection",
		"text.token_embedding.weight",
		"text.transformer.resblocks.0.attn.in_proj_weight",
		"visual.conv1.weight",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected keys (-want +got):\n%s", diff)
	}
}

func TestMigrateModernLayoutUntouched(t *testing.T) {
	sd := dictOf("text.text_projection", "text.ln_final.weight", "encoder.conv_in.weight")

	got := Migrate(sd).Names()
	want := []string{"encoder.conv_in.weight", "text.ln_final.weight", "text.text_projection"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected keys (-want +got):\n%s", diff)
	}
}

func TestMigrateChainsReplicaAndNamespace(t *testing.T) {
	sd := dictOf("module.text_projection", "module.ln_final.weight")

	got := Migrate(sd).Names()
	want := []string{"text.ln_final.weight", "text.text_projection"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected keys (-want +got):\n%s", diff)
	}
}
