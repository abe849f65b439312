package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newCompileCmd(flags *rootFlags) *cobra.Command {
	var (
		name        string
		args        []string
		optLevel    int
		libraryPath []string
	)

	cmd := &cobra.Command{
		Use:   "compile <program-file>",
		Short: "Compile a program into a server's factory cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			host, port, err := resolveServer(flags)
			if err != nil {
				return err
			}
			c := clientWithLibraries(host, port, flags, libraryPath)

			appName := name
			if appName == "" {
				appName = strings.TrimSuffix(filepath.Base(posArgs[0]), filepath.Ext(posArgs[0]))
			}

			fac, err := c.CompileFactoryFromFile(cmd.Context(), appName, posArgs[0], args, optLevel)
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
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Application name (default: program file basename)")
	cmd.Flags().StringArrayVarP(&args, "arg", "a", nil, "Compiler flag, repeatable; \"machine <triple>\" cross-compiles locally")
	cmd.Flags().IntVarP(&optLevel, "optimize", "O", 0, "Optimization level 0-3")
	cmd.Flags().StringArrayVar(&libraryPath, "library", nil, "Directory searched for includes, repeatable")
	return cmd
}
