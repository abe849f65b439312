package client_test

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/netdsp/netdsp/internal/compiler"
	"github.com/netdsp/netdsp/internal/server"
	"github.com/netdsp/netdsp/pkg/cache"
	"github.com/netdsp/netdsp/pkg/client"
	"github.com/netdsp/netdsp/pkg/frame"
	"github.com/netdsp/netdsp/pkg/protocol"
)

type identityCompiler struct{}

func (identityCompiler) Compile(_ context.Context, expanded string, _ []string, _ int) (*compiler.Result, error) {
	return &compiler.Result{Code: []byte(expanded), Inputs: 1, Outputs: 1}, nil
}

// Full path: compile on a real server, create an instance, stream
// audio through the passthrough engine and get it back.
func TestInstanceStreamsThroughRealServer(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, err := server.New(server.Config{
		Name:         "e2e",
		Cache:        cache.New(),
		Compiler:     identityCompiler{},
		Engine:       compiler.PassthroughEngine{},
		Resolver:     func(name string) (string, error) { return "", fmt.Errorf("no libraries") },
		NativeTarget: "test-native",
		PortMin:      19200,
		PortMax:      19300,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		ts.Close()
		srv.Close()
	}()

	host, portStr, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	httpPort, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := client.New(host, httpPort, client.Config{})
	ctx := context.Background()

	fac, err := c.CompileFactory(ctx, "echo", "process = _;\n", nil, 2)
	require.NoError(t, err)
	require.Equal(t, 1, fac.NumInputs())
	require.Equal(t, 1, fac.NumOutputs())

	inst, err := c.CreateInstance(ctx, fac, client.InstanceConfig{
		SampleRate: 48000,
		CycleSize:  128,
	})
	require.NoError(t, err)

	const mark = float32(0.5)
	in := frame.NewBlock(1, 128)
	out := frame.NewBlock(1, 128)
	for i := range in[0] {
		in[0][i] = mark
	}

	// The first cycles of output are priming silence; the mark comes
	// through once the latency pipeline has flushed.
	marked := false
	for i := 0; i < 50 && !marked; i++ {
		require.NoError(t, inst.Compute(128, in, out))
		marked = out[0][0] == mark
	}
	assert.True(t, marked, "remote output never carried the input")
	assert.Zero(t, inst.ErrorCount())

	require.NoError(t, inst.Close())
}

func TestCreateInstanceForUnknownFactoryFailsAtCreation(t *testing.T) {
	srv, err := server.New(server.Config{
		Name:         "e2e",
		Cache:        cache.New(),
		Compiler:     identityCompiler{},
		Engine:       compiler.PassthroughEngine{},
		Resolver:     func(name string) (string, error) { return "", fmt.Errorf("no libraries") },
		NativeTarget: "test-native",
		PortMin:      19301,
		PortMax:      19310,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		ts.Close()
		srv.Close()
	}()
	host, portStr, _ := net.SplitHostPort(ts.Listener.Addr().String())
	httpPort, _ := strconv.Atoi(portStr)
	c := client.New(host, httpPort, client.Config{})

	fac, err := c.CompileFactory(context.Background(), "echo", "process = _;\n", nil, 0)
	require.NoError(t, err)
	require.NoError(t, c.DeleteFactory(context.Background(), fac))

	_, err = c.CreateInstance(context.Background(), fac, client.InstanceConfig{
		SampleRate: 48000,
		CycleSize:  128,
	})
	assert.ErrorIs(t, err, protocol.ErrFactoryNotFound)
}
