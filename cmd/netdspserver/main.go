package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/viper"

	"github.com/netdsp/netdsp/cmd/netdspserver/config"
	"github.com/netdsp/netdsp/internal/compiler"
	"github.com/netdsp/netdsp/internal/logutil"
	"github.com/netdsp/netdsp/internal/server"
	"github.com/netdsp/netdsp/pkg/cache"
	"github.com/netdsp/netdsp/pkg/discovery"
	"github.com/netdsp/netdsp/pkg/protocol"
)

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer, err := logutil.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring default logger", "err", err)
		panic(err)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	var comp compiler.Compiler
	engine := compiler.Engine(compiler.PassthroughEngine{})
	if path := viper.GetString("compiler"); path != "" {
		comp = compiler.NewExec(path, slog.Default())
	} else {
		slog.Warn("no compiler configured, serving the passthrough toolchain")
		comp = compiler.PassthroughCompiler{}
	}

	srv, err := server.New(server.Config{
		Name:         viper.GetString("name"),
		Cache:        cache.New(),
		Compiler:     comp,
		Engine:       engine,
		Resolver:     protocol.PathResolver(viper.GetStringSlice("librarypath")),
		NativeTarget: viper.GetString("nativetarget"),
		PortMin:      viper.GetInt("sessionportmin"),
		PortMax:      viper.GetInt("sessionportmax"),
		Logger:       slog.Default(),
	})
	if err != nil {
		slog.Error("error while building server", "err", err)
		panic(err)
	}
	defer srv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --------------------------------------------------------------------------------
	// Discovery: answer multicast probes for as long as the server runs.

	listenAddress := viper.GetString("listenaddress")
	_, portString, err := net.SplitHostPort(listenAddress)
	if err != nil {
		slog.Error("error while parsing listen address", "listenaddress", listenAddress, "err", err)
		panic(err)
	}
	httpPort, err := strconv.Atoi(portString)
	if err != nil {
		slog.Error("error while parsing listen port", "listenaddress", listenAddress, "err", err)
		panic(err)
	}

	responder, err := discovery.NewResponder(
		viper.GetString("multicastaddress"),
		viper.GetString("name"),
		httpPort,
		slog.Default(),
	)
	if err != nil {
		slog.Error("error while building discovery responder", "err", err)
		panic(err)
	}
	go func() {
		if err := responder.Run(ctx); err != nil {
			slog.Error("discovery responder stopped", "err", err)
		}
	}()

	// --------------------------------------------------------------------------------

	httpServer := &http.Server{Addr: listenAddress, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	slog.Info("starting compilation server",
		"name", viper.GetString("name"),
		"listenAddress", listenAddress,
		"multicastAddress", viper.GetString("multicastaddress"),
	)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("error during listen and serve", "err", err)
	}
}
