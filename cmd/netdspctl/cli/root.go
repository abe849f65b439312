// Package cli implements the netdspctl command tree.
package cli

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/netdsp/netdsp/internal/logutil"
	"github.com/netdsp/netdsp/pkg/client"
	"github.com/netdsp/netdsp/pkg/discovery"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	server   string
	group    string
	wait     time.Duration
	timeout  time.Duration
	logLevel string
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "netdspctl",
		Short:         "Control remote DSP compilation servers",
		Long:          "netdspctl discovers compilation servers, manages their factory caches, and streams audio files through remotely running programs.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			_, err := logutil.ConfigureDefaultLogger(flags.logLevel, "", slog.HandlerOptions{})
			return err
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.server, "server", "", "Server address as ip:port (default: first server found by scanning)")
	pf.StringVar(&flags.group, "group", discovery.DefaultGroup, "Multicast discovery group")
	pf.DurationVar(&flags.wait, "wait", time.Second, "How long a scan listens for answers")
	pf.DurationVar(&flags.timeout, "timeout", 30*time.Second, "HTTP exchange timeout")
	pf.StringVar(&flags.logLevel, "loglevel", "warn", "Log level: none, error, warn, info, debug")

	rootCmd.AddCommand(
		newScanCmd(flags),
		newFactoriesCmd(flags),
		newCompileCmd(flags),
		newDeleteCmd(flags),
		newRunCmd(flags),
	)

	return rootCmd
}

// resolveServer turns the --server flag, or a scan when it is unset,
// into an address to talk to.
func resolveServer(flags *rootFlags) (string, int, error) {
	if flags.server != "" {
		host, portString, err := net.SplitHostPort(flags.server)
		if err != nil {
			return "", 0, fmt.Errorf("bad --server %q: %w", flags.server, err)
		}
		port, err := strconv.Atoi(portString)
		if err != nil {
			return "", 0, fmt.Errorf("bad --server port %q: %w", portString, err)
		}
		return host, port, nil
	}

	found, err := discovery.Scan(flags.group, flags.wait)
	if err != nil {
		return "", 0, err
	}
	if len(found) == 0 {
		return "", 0, fmt.Errorf("no server answered on %s; give one with --server", flags.group)
	}
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	ann := found[names[0]]
	slog.Debug("using discovered server", "name", names[0], "ip", ann.IP, "port", ann.Port)
	return ann.IP, ann.Port, nil
}

func newClient(flags *rootFlags) (*client.Client, error) {
	host, port, err := resolveServer(flags)
	if err != nil {
		return nil, err
	}
	return client.New(host, port, client.Config{Timeout: flags.timeout}), nil
}

func clientWithLibraries(host string, port int, flags *rootFlags, libraryPath []string) *client.Client {
	return client.New(host, port, client.Config{
		Timeout:     flags.timeout,
		LibraryPath: libraryPath,
	})
}
