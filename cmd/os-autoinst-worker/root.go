package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the os-autoinst-worker command tree: the root command
// itself runs the worker, and a `version` subcommand prints the version,
// matching the teacher's one-binary-many-subcommand shape minus the
// subcommands this worker doesn't need.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "os-autoinst-worker",
		Short: "Capture-and-assert worker for a system under test",
		Long:  "Drives one SUT: screen capture, video encoding, needle matching, and serial-log tailing, commanded over framed pipes.",
		RunE:  runWorker,
	}

	root.Flags().Bool("novideo", false, "disable the video encoder (overrides NOVIDEO)")
	root.Flags().String("screenshot-dir", "", "override SCREENSHOT_DIR")
	root.Flags().String("needle-dir", "", "override NEEDLE_DIR")
	root.Flags().String("serial-file", "", "override SERIAL_FILE")

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the worker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write([]byte("os-autoinst-worker (dev)\n"))
			return err
		},
	}
}
