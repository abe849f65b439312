package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd(flags *rootFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "delete [sha]",
		Short: "Delete one cached factory by hash, or the whole cache with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}

			if all {
				if len(args) > 0 {
					return fmt.Errorf("--all takes no hash argument")
				}
				if err := c.DeleteAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "factory cache purged")
				return nil
			}

			if len(args) == 0 {
				return fmt.Errorf("give a factory hash, or --all")
			}
			fac, err := c.LookupFactory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := c.DeleteFactory(cmd.Context(), fac); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Purge every cached factory (outstanding handles dangle)")
	return cmd
}
