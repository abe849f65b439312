package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// printVisitor renders metadata entries one per line.
type printVisitor struct {
	w io.Writer
}

func (p printVisitor) Declare(key, value string) {
	fmt.Fprintf(p.w, "  %s: %s\n", key, value)
}

func newFactoriesCmd(flags *rootFlags) *cobra.Command {
	var sha string

	cmd := &cobra.Command{
		Use:   "factories",
		Short: "List a server's cached factories, or inspect one by hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}

			if sha != "" {
				fac, err := c.LookupFactory(cmd.Context(), sha)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s\n", fac.Name())
				fmt.Fprintf(out, "  sha: %s\n", fac.SHAKey())
				fmt.Fprintf(out, "  channels: %d in, %d out\n", fac.NumInputs(), fac.NumOutputs())
				if libs, err := fac.Libraries(); err == nil && len(libs) > 0 {
					fmt.Fprintf(out, "  libraries: %s\n", strings.Join(libs, ", "))
				}
				return fac.ApplyMetadata(printVisitor{w: out})
			}

			infos, err := c.ListFactories(cmd.Context())
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no factories cached")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSHA")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\n", info.Name, info.SHAKey)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&sha, "sha", "", "Inspect the factory with this content hash")
	return cmd
}
