// Package main provides the rxreport command, which reads pharmacy event
// lines from a file or stdin and prints the per-patient report.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/drfirst/rxledger/internal/observability/logging"
	"github.com/drfirst/rxledger/internal/processor"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdin)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	var (
		logLevel string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "rxreport [file]",
		Short: "Print fills and income per patient from pharmacy events",
		Long: `Reads "<patient> <drug> <event>" lines, where event is created, filled
or returned, and prints one line per patient with a created prescription.
Input is read from stdin when no file is given. A malformed line stops
processing and nothing is printed.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel, "development")
			if err != nil {
				return err
			}
			defer logger.Sync()

			in := stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			p := processor.New(logger)
			if err := p.ProcessLines(in); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(p.Summaries())
			}
			return p.WriteReport(cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "error", "log level (debug logs every discarded event)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print summaries as JSON")
	return cmd
}
