package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags
var Version = "dev"

// ServeOptions are the flags of the serve command
type ServeOptions struct {
	ConfigFile string
	Listen     string
	MQTTBroker string
	History    string
}

// AlignOptions are the flags of the align command
type AlignOptions struct {
	PairsFile       string
	ThresholdInit   float64
	ThresholdRefine float64
	MaxTrials       int
	NoScale         bool
	Seed            int64
	JSON            bool
}

// Application is what the CLI drives; App implements it and tests mock it
type Application interface {
	Serve(opts ServeOptions) error
	Align(opts AlignOptions, out io.Writer) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// run builds the command tree and executes it against args
func run(args []string, out io.Writer, app Application) error {
	root := newRootCmd(app)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.Execute()
}

func newRootCmd(app Application) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "posefuse",
		Short: "posefuse aligns a live AR session with a reconstruction",
		Long: `posefuse fuses camera poses streamed from a motion-tracking session with
sparse results from a visual localization service. It keeps a running
similarity transform between the session and the reconstruction and
re-expresses a film frame's reference camera pose in session coordinates.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newAlignCmd(app))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newServeCmd(app Application) *cobra.Command {
	var opts ServeOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload endpoint and the alignment pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "posefuse version: %s\n", Version)
			return app.Serve(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "config.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides server.listen)")
	cmd.Flags().StringVar(&opts.MQTTBroker, "mqtt-broker", "", "MQTT broker URL (overrides mqtt.broker)")
	cmd.Flags().StringVar(&opts.History, "history", "", "Alignment history database path (overrides history.path)")

	return cmd
}

func newAlignCmd(app Application) *cobra.Command {
	var opts AlignOptions

	cmd := &cobra.Command{
		Use:   "align <pairs.json>",
		Short: "Fit a session-to-reconstruction transform offline",
		Long: `Reads a JSON file {"session": [[x,y,z], ...], "reconstruction": [[x,y,z], ...]}
of index-aligned positions, runs the robust similarity estimator and prints
the fit statistics, the validation verdict and the 4x4 transform matrix.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.PairsFile = args[0]
			return app.Align(opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Float64Var(&opts.ThresholdInit, "threshold-init", 0.5, "RANSAC inlier threshold (0 derives it from the data)")
	cmd.Flags().Float64Var(&opts.ThresholdRefine, "threshold-refine", 0.25, "Refinement threshold (0 derives it from the data)")
	cmd.Flags().IntVar(&opts.MaxTrials, "max-trials", 1000, "RANSAC trial budget")
	cmd.Flags().BoolVar(&opts.NoScale, "no-scale", false, "Fix scale to 1 (rigid fit)")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "Random seed (0 seeds from the clock)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print the result as JSON")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "posefuse version: %s\n", Version)
		},
	}
}
