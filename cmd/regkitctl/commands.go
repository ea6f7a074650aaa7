package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"regkit/internal/phantom"
	"regkit/internal/watch"
	"regkit/pkg/regkit"
)

// phantomFlags shape a generated input volume.
type phantomFlags struct {
	size    []int
	spacing []float64
	radius  []float64
	shift   []float64
	edge    float64
}

func (f *phantomFlags) bind(cmd *cobra.Command, prefix string) {
	def := phantom.DefaultSpec()
	cmd.Flags().IntSliceVar(&f.size, prefix+"size", def.Size, "phantom grid size per axis")
	cmd.Flags().Float64SliceVar(&f.spacing, prefix+"spacing", def.Spacing, "phantom voxel spacing per axis")
	cmd.Flags().Float64SliceVar(&f.radius, prefix+"radius", def.Radius, "phantom half extent (one value or per axis)")
	cmd.Flags().Float64Var(&f.edge, prefix+"edge", def.Edge, "phantom soft edge width")
}

func (f *phantomFlags) spec() phantom.Spec {
	spec := phantom.DefaultSpec()
	spec.Size = f.size
	spec.Spacing = f.spacing
	spec.Radius = f.radius
	spec.Shift = f.shift
	spec.Edge = f.edge
	return spec
}

func imageSource(path, shape string, spec phantom.Spec) regkit.ImageSource {
	return regkit.ImageSource{Path: path, Phantom: shape, Spec: spec}
}

func (a *app) registerCmd() *cobra.Command {
	var (
		configPath    string
		sourcePath    string
		targetPath    string
		sourcePhantom string
		targetPhantom string
		sourceSeg     string
		targetSeg     string
		warped        bool
		displacement  bool
		jsonOut       bool
		shape         phantomFlags
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Run a registration document on two images",
		Long: `Run a registration document coarse to fine and write its artifacts.

Images are NRRD files or generated phantoms. --shift moves the source
phantom relative to the target. --source-seg warps a label image with
nearest-neighbour lookup onto the --target-seg grid, or onto the target
grid when --target-seg is not given.

Examples:
  regkitctl register --config reg.yaml --source moving.nrrd --target fixed.nrrd --warped
  regkitctl register --config reg.yaml --source moving.nrrd --target fixed.nrrd --source-seg labels.nrrd --displacement
  regkitctl register --config reg.yaml --source-phantom sphere --target-phantom sphere --shift 2,0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, cleanup, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sourceSpec := shape.spec()
			targetSpec := shape.spec()
			targetSpec.Shift = nil
			summary, runErr := client.Register(ctx, regkit.RegisterRequest{
				ConfigPath:        configPath,
				Source:            imageSource(sourcePath, sourcePhantom, sourceSpec),
				Target:            imageSource(targetPath, targetPhantom, targetSpec),
				SourceSeg:         regkit.ImageSource{Path: sourceSeg},
				TargetSeg:         regkit.ImageSource{Path: targetSeg},
				WriteWarped:       warped,
				WriteDisplacement: displacement,
			})
			if summary.RunID == "" {
				return runErr
			}
			if jsonOut {
				if err := writeJSON(a.stdout, summary); err != nil {
					return err
				}
				return runErr
			}
			fmt.Fprintf(a.stdout, "run_id=%s outcome=%s levels=%d artifacts=%s\n", summary.RunID, summary.Outcome, len(summary.Levels), summary.ArtifactsDir)
			printLevels(a.stdout, summary.Levels)
			if len(summary.Params) > 0 {
				fmt.Fprintf(a.stdout, "params=%s\n", formatFloats(summary.Params))
			}
			if summary.WarpedPath != "" {
				fmt.Fprintf(a.stdout, "warped=%s\n", summary.WarpedPath)
			}
			if summary.WarpedSegPath != "" {
				fmt.Fprintf(a.stdout, "warped_seg=%s\n", summary.WarpedSegPath)
			}
			if summary.DisplacementPath != "" {
				fmt.Fprintf(a.stdout, "displacement=%s\n", summary.DisplacementPath)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "registration document (yaml)")
	cmd.Flags().StringVar(&sourcePath, "source", "", "source (moving) image, NRRD")
	cmd.Flags().StringVar(&targetPath, "target", "", "target (fixed) image, NRRD")
	cmd.Flags().StringVar(&sourcePhantom, "source-phantom", "", "generate the source image from a phantom shape")
	cmd.Flags().StringVar(&targetPhantom, "target-phantom", "", "generate the target image from a phantom shape")
	cmd.Flags().Float64SliceVar(&shape.shift, "shift", nil, "source phantom offset from the grid center")
	cmd.Flags().BoolVar(&warped, "warped", false, "write the warped source image into the run artifacts")
	cmd.Flags().StringVar(&sourceSeg, "source-seg", "", "source label image to warp, NRRD")
	cmd.Flags().StringVar(&targetSeg, "target-seg", "", "label image whose grid receives the warped --source-seg, NRRD")
	cmd.Flags().BoolVar(&displacement, "displacement", false, "write the full-resolution displacement field into the run artifacts")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the run summary as JSON")
	shape.bind(cmd, "phantom-")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	var (
		sourcePath string
		targetPath string
		watchDoc   bool
	)
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a registration document without running it",
		Long: `Check a registration document against the registered kinds and report
every problem at once. With --source and --target the images are checked
against the pyramid too. --watch re-validates whenever the file changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, cleanup, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			req := regkit.ValidateRequest{
				ConfigPath: args[0],
				Source:     regkit.ImageSource{Path: sourcePath},
				Target:     regkit.ImageSource{Path: targetPath},
			}
			if !watchDoc {
				return a.validateOnce(ctx, client, req)
			}
			return a.validateWatch(ctx, client, req)
		},
	}
	cmd.Flags().StringVar(&sourcePath, "source", "", "source image to check against the pyramid")
	cmd.Flags().StringVar(&targetPath, "target", "", "target image to check against the pyramid")
	cmd.Flags().BoolVar(&watchDoc, "watch", false, "re-validate on every change until interrupted")
	return cmd
}

func (a *app) validateOnce(ctx context.Context, client *regkit.Client, req regkit.ValidateRequest) error {
	summary, err := client.Validate(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "ok transform=%s optimizer=%s levels=%d terms=%s\n",
		summary.Transform, summary.Optimizer, summary.Levels, strings.Join(summary.Terms, ","))
	return nil
}

func (a *app) validateWatch(ctx context.Context, client *regkit.Client, req regkit.ValidateRequest) error {
	w, err := watch.New(req.ConfigPath, watch.DefaultDebounce)
	if err != nil {
		return err
	}
	changes, err := w.Start()
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	report := func() {
		if err := a.validateOnce(ctx, client, req); err != nil {
			fmt.Fprintln(a.stdout, err)
		}
	}
	report()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			report()
		case err := <-w.Errors():
			fmt.Fprintf(a.stderr, "watch: %v\n", err)
		}
	}
}

func (a *app) runsCmd() *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			client, cleanup, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := client.Runs(cmd.Context(), regkit.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(a.stdout, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(a.stdout, "no runs found")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintf(a.stdout, "%s %s transform=%s outcome=%s levels=%d final_energy=%.6g\n",
					r.CreatedAtUTC, r.RunID, r.Transform, r.Outcome, r.Levels, r.FinalEnergy)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs list as JSON")
	return cmd
}

func (a *app) levelsCmd() *cobra.Command {
	var (
		runID   string
		latest  bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "levels",
		Short: "Show per-level results of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, cleanup, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			levels, err := client.Levels(cmd.Context(), regkit.LevelsRequest{RunID: runID, Latest: latest})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(a.stdout, levels)
			}
			printLevels(a.stdout, levels)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&latest, "latest", false, "use the most recent run")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit levels as JSON")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	var (
		runID  string
		latest bool
		level  int
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the energy history of a run as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, cleanup, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			rows, err := client.History(cmd.Context(), regkit.HistoryRequest{RunID: runID, Latest: latest, Level: level, Limit: limit})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "level,step,energy,delta,lr")
			for _, r := range rows {
				fmt.Fprintf(a.stdout, "%d,%d,%g,%g,%g\n", r.Level, r.Step, r.Energy, r.Delta, r.LR)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&latest, "latest", false, "use the most recent run")
	cmd.Flags().IntVar(&level, "level", -1, "only this pyramid level (0 is coarsest)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var (
		runID  string
		latest bool
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to an export directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, cleanup, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			exported, err := client.Export(cmd.Context(), regkit.ExportRequest{RunID: runID, Latest: latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&latest, "latest", false, "export the most recent run from run index")
	cmd.Flags().StringVar(&outDir, "out", "", "export output directory (default --exports-dir)")
	return cmd
}

func (a *app) kindsCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "kinds",
		Short: "List registered transformations, losses, optimizers and phantoms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, cleanup, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			kinds := client.Kinds()
			if jsonOut {
				return writeJSON(a.stdout, kinds)
			}
			fmt.Fprintf(a.stdout, "transforms: %s\n", strings.Join(kinds.Transforms, ", "))
			fmt.Fprintf(a.stdout, "losses: %s\n", strings.Join(kinds.Losses, ", "))
			fmt.Fprintf(a.stdout, "optimizers: %s\n", strings.Join(kinds.Optimizers, ", "))
			fmt.Fprintf(a.stdout, "phantoms: %s\n", strings.Join(kinds.Phantoms, ", "))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit kinds as JSON")
	return cmd
}

func (a *app) phantomCmd() *cobra.Command {
	var (
		outPath string
		shape   phantomFlags
	)
	cmd := &cobra.Command{
		Use:   "phantom <shape>",
		Short: "Write a synthetic volume as NRRD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cleanup, err := a.client(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			path, err := client.Phantom(cmd.Context(), regkit.PhantomRequest{Shape: args[0], Spec: shape.spec(), OutPath: outPath})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "output NRRD path")
	cmd.Flags().Float64SliceVar(&shape.shift, "shift", nil, "offset from the grid center")
	shape.bind(cmd, "")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func printLevels(w io.Writer, levels []regkit.LevelItem) {
	for _, l := range levels {
		line := fmt.Sprintf("level=%d scale=%d outcome=%s steps=%d final_energy=%.6g best_energy=%.6g",
			l.Level, l.Scale, l.Outcome, l.Steps, l.FinalEnergy, l.BestEnergy)
		if l.Reason != "" {
			line += " reason=" + string(l.Reason)
		}
		if l.Error != "" {
			line += " error=" + l.Error
		}
		fmt.Fprintln(w, line)
	}
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%.6g", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
