package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/netdsp/netdsp/pkg/discovery"
)

func newScanCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List compilation servers answering on the multicast group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			found, err := discovery.Scan(flags.group, flags.wait)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no servers found")
				return nil
			}

			names := make([]string, 0, len(found))
			for name := range found {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tIP\tPORT")
			for _, name := range names {
				ann := found[name]
				fmt.Fprintf(tw, "%s\t%s\t%d\n", name, ann.IP, ann.Port)
			}
			return tw.Flush()
		},
	}
}
