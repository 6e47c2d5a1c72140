package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/covq/covq/checkpoint"
	"github.com/covq/covq/envconfig"
	"github.com/covq/covq/format"
	"github.com/covq/covq/logutil"
	"github.com/covq/covq/ml/backend/cpu"
	"github.com/covq/covq/model"
	"github.com/covq/covq/model/vqmm"
	"github.com/covq/covq/progress"
	"github.com/covq/covq/server"
	"github.com/covq/covq/version"
)

func NewCLI() *cobra.Command {
	level := slog.LevelInfo
	if envconfig.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(logutil.NewLogger(os.Stderr, level))

	rootCmd := &cobra.Command{
		Use:     "covq",
		Short:   "Multimodal vector-quantized autoencoder",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}

	rootCmd.AddCommand(
		NewDownloadCmd(),
		NewInspectCmd(),
		NewConvertCmd(),
		NewServeCmd(),
	)
	return rootCmd
}

func NewDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download URL...",
		Short: "Download pretrained checkpoints into the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE:  downloadHandler,
	}
	cmd.Flags().String("cache", "", "cache directory (default $COVQ_CACHE)")
	return cmd
}

func downloadHandler(cmd *cobra.Command, args []string) error {
	cacheDir, _ := cmd.Flags().GetString("cache")
	if cacheDir == "" {
		cacheDir = envconfig.CacheDir
	}

	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	var paths []string
	for _, rawURL := range args {
		var bar *progress.Bar
		path, err := checkpoint.DownloadPretrained(cmd.Context(), rawURL, cacheDir, func(completed, total int64) {
			if bar == nil {
				bar = progress.NewBar(filepath.Base(rawURL), total, completed)
				p.Add(bar)
			}
			bar.Set(completed)
		})
		if err != nil {
			return err
		}
		paths = append(paths, path)
	}

	p.Stop()
	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

func NewInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "List the tensors of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
	cmd.Flags().Bool("migrate", false, "apply key migrations before listing")
	return cmd
}

// loadDict reads either a torch checkpoint or a native snapshot,
// chosen by extension.
func loadDict(path string) (*checkpoint.StateDict, error) {
	if strings.HasSuffix(path, ".cvq") {
		return checkpoint.LoadNative(path)
	}
	return checkpoint.LoadStateDict(path)
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	sd, err := loadDict(args[0])
	if err != nil {
		return err
	}
	if migrate, _ := cmd.Flags().GetBool("migrate"); migrate {
		sd = checkpoint.Migrate(sd)
	}

	var data [][]string
	var elements, bytes int64
	for _, name := range sd.Names() {
		t, _ := sd.Get(name)
		n := int64(t.Elements())
		elements += n
		bytes += 4 * n
		data = append(data, []string{name, fmt.Sprint(t.Shape), format.HumanBytes(4 * n)})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "SHAPE", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Printf("\n%d tensors, %s parameters, %s\n", sd.Len(), format.HumanNumber(elements), format.HumanBytes(bytes))
	return nil
}

func NewConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert CHECKPOINT [OUTPUT]",
		Short: "Convert a torch checkpoint to the native snapshot format",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  convertHandler,
	}
	cmd.Flags().String("dtype", "f32", "storage precision: f32, f16 or bf16")
	return cmd
}

func convertHandler(cmd *cobra.Command, args []string) error {
	var dtype checkpoint.NativeDType
	switch name, _ := cmd.Flags().GetString("dtype"); name {
	case "f32":
		dtype = checkpoint.NativeF32
	case "f16":
		dtype = checkpoint.NativeF16
	case "bf16":
		dtype = checkpoint.NativeBF16
	default:
		return fmt.Errorf("unknown dtype %q", name)
	}

	out := strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".cvq"
	if len(args) > 1 {
		out = args[1]
	}

	sd, err := checkpoint.LoadStateDict(args[0])
	if err != nil {
		return err
	}
	sd = checkpoint.Migrate(sd)

	if err := checkpoint.Save(out, sd, dtype); err != nil {
		return err
	}
	slog.Info("converted checkpoint", "tensors", sd.Len(), "path", out)
	fmt.Println(out)
	return nil
}

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the encode/decode server",
		RunE:    serveHandler,
	}
	cmd.Flags().String("config", "", "model config JSON (defaults when empty)")
	cmd.Flags().String("checkpoint", "", "checkpoint to load")
	return cmd
}

func serveHandler(cmd *cobra.Command, args []string) error {
	var config []byte
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		config, err = os.ReadFile(path)
		if err != nil {
			return err
		}
	}

	ctx := cpu.New().NewContext()
	m, err := model.New(ctx, "vqmm", config)
	if err != nil {
		return err
	}
	vq := m.(*vqmm.Model)

	if path, _ := cmd.Flags().GetString("checkpoint"); path != "" {
		sd, err := loadDict(path)
		if err != nil {
			return err
		}
		res, err := model.Load(ctx, vq, checkpoint.Migrate(sd))
		if err != nil {
			return err
		}
		slog.Info("loaded checkpoint", "path", path, "missing", len(res.Missing), "unexpected", len(res.Unexpected))
	}

	ln, err := net.Listen("tcp", envconfig.Host)
	if err != nil {
		return err
	}
	return server.Serve(ln, &server.Server{Context: ctx, Model: vq})
}
