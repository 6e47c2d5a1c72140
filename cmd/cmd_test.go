package cmd

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/covq/covq/checkpoint"
)

func TestNewCLI(t *testing.T) {
	root := NewCLI()
	if root.Use != "covq" {
		t.Errorf("use = %q", root.Use)
	}

	for _, name := range []string{"download", "inspect", "convert", "serve"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("missing %q subcommand: %v", name, err)
		}
	}
}

func TestDownloadRequiresURL(t *testing.T) {
	cmd := NewDownloadCmd()
	if err := cmd.Args(cmd, nil); err == nil {
		t.Error("expected an argument error without URLs")
	}
}

func TestConvertRejectsUnknownDType(t *testing.T) {
	cmd := NewConvertCmd()
	cmd.Flags().Set("dtype", "f64")
	if err := convertHandler(cmd, []string{"checkpoint.pt"}); err == nil {
		t.Error("expected an error for an unknown dtype")
	}
}

func TestLoadDictReadsNativeSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.cvq")

	sd := checkpoint.NewStateDict()
	sd.Set(&checkpoint.Tensor{Name: "quantize.embedding.weight", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}})
	if err := checkpoint.Save(path, sd, checkpoint.NativeF32); err != nil {
		t.Fatal(err)
	}

	got, err := loadDict(path)
	if err != nil {
		t.Fatal(err)
	}
	tensor, ok := got.Get("quantize.embedding.weight")
	if !ok {
		t.Fatal("missing tensor after native round trip")
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, tensor.Data); diff != "" {
		t.Errorf("data (-want +got):\n%s", diff)
	}
}
