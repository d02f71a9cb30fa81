// Trace tree assembly CLI
// Reads Zipkin v2 or OTLP JSON span payloads, reconstructs trace trees, and
// renders them as indented trees or timeline tables
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/andrewh/spantree/pkg/ingest"
	"github.com/andrewh/spantree/pkg/trace"
	"github.com/andrewh/spantree/pkg/trace/timeline"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          "spantree",
		Short:        "Reconstruct and render trace trees from span payloads",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log data-quality details (orphans, synthetic roots, dropped spans)")

	viper.SetEnvPrefix("spantree")
	viper.AutomaticEnv()
	viper.SetDefault("db", "spantree.db")

	root.AddCommand(treeCmd(&verbose))
	root.AddCommand(timelineCmd(&verbose))
	root.AddCommand(archiveCmd(&verbose))
	root.AddCommand(versionCmd())

	return root
}

// newLogger builds the logger handed to tree builders. Data-quality
// messages are logged at debug level, so they only surface with --verbose.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Encoding = "console"
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// loadSpans reads the payload from the named file, or stdin for "-".
func loadSpans(cmd *cobra.Command, path string, format string) ([]trace.Span, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close() //nolint:errcheck // read-only file
		r = f
	}
	return ingest.ParseSpans(r, ingest.Format(format))
}

// assemble merges duplicate records and builds the tree for one trace.
func assemble(logger *zap.Logger, group ingest.TraceSpans) *trace.SpanNode {
	merged := trace.MergeAll(group.Spans)
	b := trace.NewBuilder(logger, group.TraceID)
	for i := range merged {
		b.AddNode(&merged[i])
	}
	return b.Build()
}

// selectTraces groups spans and optionally narrows to a single trace id.
func selectTraces(spans []trace.Span, only string) ([]ingest.TraceSpans, error) {
	groups := ingest.GroupByTrace(spans)
	if only == "" {
		return groups, nil
	}
	normalized, err := trace.NormalizeTraceID(only)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		id, err := trace.NormalizeTraceID(g.TraceID)
		if err == nil && id == normalized {
			return []ingest.TraceSpans{g}, nil
		}
	}
	return nil, fmt.Errorf("trace %s not found in input", normalized)
}

func treeCmd(verbose *bool) *cobra.Command {
	var format string
	var only string

	cmd := &cobra.Command{
		Use:   "tree <spans.json | ->",
		Short: "Print reconstructed trace trees",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(*verbose)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // stderr sync failure is harmless

			spans, err := loadSpans(cmd, args[0], format)
			if err != nil {
				return err
			}
			groups, err := selectTraces(spans, only)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, g := range groups {
				root := assemble(logger, g)
				fmt.Fprintf(out, "trace %s\n", g.TraceID)
				printTree(out, root)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "auto", "input format: auto, zipkin, otlp")
	cmd.Flags().StringVar(&only, "trace", "", "render only this trace id")
	return cmd
}

// printTree writes one glyph-prefixed line per span.
func printTree(w io.Writer, root *trace.SpanNode) {
	rows := timeline.Flatten(root)
	prefixes := timeline.Prefixes(rows, timeline.BuildLayout(rows))
	for i, r := range rows {
		fmt.Fprintf(w, "%s%s\n", prefixes[i], spanLabel(r.Node.Span()))
	}
}

func spanLabel(s *trace.Span) string {
	name := s.Name
	if name == "" {
		name = "unknown"
	}
	if svc := serviceName(s); svc != "" {
		return fmt.Sprintf("%s (%s, id %s)", name, svc, s.ID)
	}
	return fmt.Sprintf("%s (id %s)", name, s.ID)
}

func serviceName(s *trace.Span) string {
	if s.LocalEndpoint == nil {
		return ""
	}
	return s.LocalEndpoint.ServiceName
}

func timelineCmd(verbose *bool) *cobra.Command {
	var format string
	var only string

	cmd := &cobra.Command{
		Use:   "timeline <spans.json | ->",
		Short: "Print trace timelines as tables with tree connectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(*verbose)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // stderr sync failure is harmless

			spans, err := loadSpans(cmd, args[0], format)
			if err != nil {
				return err
			}
			groups, err := selectTraces(spans, only)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, g := range groups {
				root := assemble(logger, g)
				renderTimeline(out, g.TraceID, root)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "auto", "input format: auto, zipkin, otlp")
	cmd.Flags().StringVar(&only, "trace", "", "render only this trace id")
	return cmd
}

// renderTimeline prints one table per trace: span rows in tree order with
// connector glyphs, start offsets relative to the trace, and durations.
func renderTimeline(w io.Writer, traceID string, root *trace.SpanNode) {
	rows := timeline.Flatten(root)
	prefixes := timeline.Prefixes(rows, timeline.BuildLayout(rows))

	start := int64(0)
	for _, r := range rows {
		if ts := r.Node.Span().Timestamp; ts != 0 && (start == 0 || ts < start) {
			start = ts
		}
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("trace %s", traceID)
	t.AppendHeader(table.Row{"#", "span", "service", "start", "duration"})
	for i, r := range rows {
		s := r.Node.Span()
		t.AppendRow(table.Row{
			r.Index,
			prefixes[i] + displayName(s),
			serviceName(s),
			offsetLabel(s.Timestamp, start),
			durationLabel(s.Duration),
		})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}

func displayName(s *trace.Span) string {
	if s.Name == "" {
		return "unknown"
	}
	return s.Name
}

func offsetLabel(ts, start int64) string {
	if ts == 0 {
		return ""
	}
	return (time.Duration(ts-start) * time.Microsecond).String()
}

func durationLabel(d int64) string {
	if d == 0 {
		return ""
	}
	return (time.Duration(d) * time.Microsecond).String()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spantree %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	}
}
