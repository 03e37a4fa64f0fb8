package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

// buildInfo fills unset ldflags values from the VCS stamp the go command
// embeds in module builds.
func buildInfo() (rev, date string, dirty bool) {
	rev, date = commit, buildDate
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return rev, date, false
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if rev == "" {
				rev = s.Value
			}
		case "vcs.time":
			if date == "" {
				date = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	return rev, date, dirty
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rev, date, dirty := buildInfo()
			if rev == "" {
				rev = "unknown"
			} else if dirty {
				rev += "-dirty"
			}
			if date == "" {
				date = "unknown"
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "arc-dmls %s\n", version)
			fmt.Fprintf(tw, "  commit:\t%s\n", rev)
			fmt.Fprintf(tw, "  built:\t%s\n", date)
			fmt.Fprintf(tw, "  go:\t%s/%s %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
			return tw.Flush()
		},
	}
}
