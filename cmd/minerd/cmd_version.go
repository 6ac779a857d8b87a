package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"minerd/internal/pipeline"
)

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(stdout, "minerd %s (commit %s, built %s, %s)\n", version, commit, date, runtime.Version())
			fmt.Fprintf(stdout, "llama.cpp support: %v\n", pipeline.LlamaAvailable)
		},
	}
}
