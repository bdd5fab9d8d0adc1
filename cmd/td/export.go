package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskdock/taskdock/internal/export"
)

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the local store as JSONL",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				fatal(fmt.Errorf("failed to create output file: %w", err))
			}
			defer f.Close()
			out = f
		}

		res, err := export.WriteJSONL(context.Background(), a.store, out)
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stderr, "Exported %d entities\n", res.Written)
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import entities from a JSONL file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatal(err)
		}
		defer a.close()

		f, err := os.Open(args[0])
		if err != nil {
			fatal(fmt.Errorf("failed to open input file: %w", err))
		}
		defer f.Close()

		res, err := export.ReadJSONL(context.Background(), a.store, f)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Imported %d entities", res.Written)
		if res.Skipped > 0 {
			fmt.Printf(" (%d skipped)", res.Skipped)
		}
		fmt.Println()
		for _, msg := range res.Errors {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", msg)
		}
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
}
