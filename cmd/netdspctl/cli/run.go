package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netdsp/netdsp/pkg/audiofile"
	"github.com/netdsp/netdsp/pkg/client"
	"github.com/netdsp/netdsp/pkg/frame"
	"github.com/netdsp/netdsp/pkg/protocol"
	"github.com/netdsp/netdsp/pkg/session"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		inFile      string
		outFile     string
		cycleSize   int
		compression int
		latency     int
		mtu         int
		libraryPath []string
		compileArgs []string
		optLevel    int
	)

	cmd := &cobra.Command{
		Use:   "run <program-file>",
		Short: "Stream a wav file through a remotely running program",
		Long:  "run compiles the program on a server, creates an instance, feeds it the input wav cycle by cycle and writes the processed audio to the output wav.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			host, port, err := resolveServer(flags)
			if err != nil {
				return err
			}
			c := clientWithLibraries(host, port, flags, libraryPath)

			pump, err := audiofile.OpenPump(inFile, cycleSize)
			if err != nil {
				return err
			}
			defer pump.Close()

			appName := strings.TrimSuffix(filepath.Base(posArgs[0]), filepath.Ext(posArgs[0]))
			fac, err := c.CompileFactoryFromFile(cmd.Context(), appName, posArgs[0], compileArgs, optLevel)
			if err != nil {
				return err
			}
			slog.Info("compiled",
				"name", fac.Name(),
				"sha", fac.SHAKey(),
				"inputs", fac.NumInputs(),
				"outputs", fac.NumOutputs(),
			)
			if pump.Channels() < fac.NumInputs() {
				slog.Warn("input file has fewer channels than the program takes; missing channels are silent",
					"fileChannels", pump.Channels(),
					"programInputs", fac.NumInputs(),
				)
			}

			sink, err := audiofile.CreateSink(outFile, pump.SampleRate(), fac.NumOutputs())
			if err != nil {
				return err
			}

			inst, err := c.CreateInstance(cmd.Context(), fac, client.InstanceConfig{
				SampleRate:  pump.SampleRate(),
				CycleSize:   cycleSize,
				Compression: compression,
				Latency:     latency,
				MTU:         mtu,
				OnError: func(err error, count int64) session.Action {
					slog.Warn("stream error", "err", err, "count", count, "code", protocol.ErrorCode(err))
					return session.Continue
				},
			})
			if err != nil {
				sink.Close()
				return err
			}

			in := frame.NewBlock(fac.NumInputs(), cycleSize)
			out := frame.NewBlock(fac.NumOutputs(), cycleSize)

			cycles := 0
			for {
				n, err := pump.Next(in)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					inst.Close()
					sink.Close()
					return err
				}
				if err := inst.Compute(cycleSize, in, out); err != nil {
					inst.Close()
					sink.Close()
					return err
				}
				if err := sink.Write(out, n); err != nil {
					inst.Close()
					sink.Close()
					return err
				}
				cycles++
				if inst.Stopped() {
					break
				}
			}

			// Flush the latency pipeline: the last cycles of remote
			// output are still in flight when the input ends.
			flush := latency
			if flush <= 0 {
				flush = session.DefaultLatency
			}
			in.Silence()
			for i := 0; i < flush && !inst.Stopped(); i++ {
				if err := inst.Compute(cycleSize, in, out); err != nil {
					break
				}
				if err := sink.Write(out, cycleSize); err != nil {
					break
				}
			}

			closeErr := inst.Close()
			if err := sink.Close(); err != nil {
				return err
			}
			if closeErr != nil {
				return closeErr
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d cycles streamed, %d errors, output in %s\n",
				cycles, inst.ErrorCount(), outFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&inFile, "in", "", "Input wav file")
	cmd.Flags().StringVar(&outFile, "out", "processed.wav", "Output wav file")
	cmd.Flags().IntVar(&cycleSize, "cycle", 512, "Frames per cycle")
	cmd.Flags().IntVar(&compression, "compression", 0, "-1 raw float, -2 raw int, >0 opus kbit/s")
	cmd.Flags().IntVar(&latency, "latency", 0, "Cycles buffered before playback (0 = default)")
	cmd.Flags().IntVar(&mtu, "mtu", 0, "Datagram size bound in bytes (0 = default)")
	cmd.Flags().StringArrayVar(&libraryPath, "library", nil, "Directory searched for includes, repeatable")
	cmd.Flags().StringArrayVarP(&compileArgs, "arg", "a", nil, "Compiler flag, repeatable")
	cmd.Flags().IntVarP(&optLevel, "optimize", "O", 0, "Optimization level 0-3")
	cmd.MarkFlagRequired("in")
	return cmd
}
