package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.Version=... -X main.BuildTime=...".
var (
	Version   = "v0.0.0-dev"
	BuildTime = "unknown"
)

func versionInfo() string {
	return fmt.Sprintf("gateway %s, build time %s, %s", Version, BuildTime, runtime.Version())
}

func newVersionCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(stdout, versionInfo())
			return err
		},
	}
}
