package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type versionPayload struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

func currentVersion() versionPayload {
	return versionPayload{
		Version:   strings.TrimSpace(version),
		Commit:    strings.TrimSpace(commit),
		BuildDate: strings.TrimSpace(buildDate),
	}
}

func newVersionCommand() *cobra.Command {
	var long, asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := currentVersion()
			switch {
			case asJSON:
				return writeJSONLine(cmd.OutOrStdout(), v)
			case long:
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (commit=%s, build_date=%s)\n", v.Version, v.Commit, v.BuildDate)
				return err
			default:
				_, err := fmt.Fprintln(cmd.OutOrStdout(), v.Version)
				return err
			}
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "include commit and build date")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
