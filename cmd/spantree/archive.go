// Archive subcommands: store span payloads locally and read them back
package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrewh/spantree/pkg/archive"
	"github.com/andrewh/spantree/pkg/ingest"
)

func archiveCmd(verbose *bool) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Store and inspect spans in the local archive",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "",
		"archive database path (defaults to $SPANTREE_DB or spantree.db)")

	openArchive := func() (*archive.Archive, error) {
		path := dbPath
		if path == "" {
			path = viper.GetString("db")
		}
		return archive.Open(path)
	}

	put := &cobra.Command{
		Use:   "put <spans.json | ->",
		Short: "Archive a span payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spans, err := loadSpans(cmd, args[0], "auto")
			if err != nil {
				return err
			}
			a, err := openArchive()
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // read-back not affected by close errors

			written, err := a.Put(spans)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d of %d records\n", written, len(spans))
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <trace-id>",
		Short: "Print an archived trace as a tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(*verbose)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // stderr sync failure is harmless

			a, err := openArchive()
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // read-only use

			spans, err := a.Get(args[0])
			if err != nil {
				return err
			}
			if len(spans) == 0 {
				return fmt.Errorf("trace %s not found in archive", args[0])
			}

			out := cmd.OutOrStdout()
			for _, g := range ingest.GroupByTrace(spans) {
				root := assemble(logger, g)
				fmt.Fprintf(out, "trace %s\n", g.TraceID)
				printTree(out, root)
			}
			return nil
		},
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List archived traces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openArchive()
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // read-only use

			infos, err := a.Traces()
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"trace id", "records"})
			for _, info := range infos {
				t.AppendRow(table.Row{info.TraceID, info.Records})
			}
			t.SetStyle(table.StyleLight)
			t.Render()
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <trace-id>",
		Short: "Remove an archived trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openArchive()
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // close after delete commits

			return a.Delete(args[0])
		},
	}

	cmd.AddCommand(put, get, ls, rm)
	return cmd
}
