package protocol_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdsp/netdsp/pkg/protocol"
)

func mapResolver(libs map[string]string) protocol.Resolver {
	return func(name string) (string, error) {
		text, ok := libs[name]
		if !ok {
			return "", fmt.Errorf("library %q not found", name)
		}
		return text, nil
	}
}

func TestExpandResolvesNestedImports(t *testing.T) {
	resolve := mapResolver(map[string]string{
		"math.lib":   "abs = fabs;\n",
		"filter.lib": "import(\"math.lib\");\nlp = fir;\n",
	})
	expanded, libs, err := protocol.Expand("import(\"filter.lib\");\nprocess = lp;\n", resolve)
	require.NoError(t, err)
	assert.Equal(t, "abs = fabs;\nlp = fir;\nprocess = lp;\n", expanded)
	assert.Equal(t, []string{"filter.lib", "math.lib"}, libs)
}

func TestExpandIncludesEachLibraryOnce(t *testing.T) {
	resolve := mapResolver(map[string]string{
		"a.lib": "import(\"c.lib\");\naa = 1;\n",
		"b.lib": "import(\"c.lib\");\nbb = 2;\n",
		"c.lib": "cc = 3;\n",
	})
	expanded, libs, err := protocol.Expand("import(\"a.lib\");\nimport(\"b.lib\");\n", resolve)
	require.NoError(t, err)
	assert.Equal(t, "cc = 3;\naa = 1;\nbb = 2;\n", expanded)
	assert.Equal(t, []string{"a.lib", "c.lib", "b.lib"}, libs)
}

func TestExpandSurvivesImportCycles(t *testing.T) {
	resolve := mapResolver(map[string]string{
		"x.lib": "import(\"y.lib\");\nxx = 1;\n",
		"y.lib": "import(\"x.lib\");\nyy = 2;\n",
	})
	expanded, _, err := protocol.Expand("import(\"x.lib\");\n", resolve)
	require.NoError(t, err)
	assert.Contains(t, expanded, "xx = 1;")
	assert.Contains(t, expanded, "yy = 2;")
}

func TestExpandFailsOnMissingLibrary(t *testing.T) {
	_, _, err := protocol.Expand("import(\"nope.lib\");\n", mapResolver(nil))
	assert.Error(t, err)
}

// Identical effective programs must collide to the same key regardless
// of file layout.
func TestSHAKeyIgnoresFileLayout(t *testing.T) {
	resolve := mapResolver(map[string]string{
		"gain.lib": "g = *(0.5);\n",
	})
	inline := "g = *(0.5);\nprocess = g;\n"
	viaImport := "import(\"gain.lib\");\nprocess = g;\n"

	e1, _, err := protocol.Expand(inline, resolve)
	require.NoError(t, err)
	e2, _, err := protocol.Expand(viaImport, resolve)
	require.NoError(t, err)

	assert.Equal(t, protocol.SHAKey(e1), protocol.SHAKey(e2))
	assert.Len(t, protocol.SHAKey(e1), 64)
}

func TestClampOptLevel(t *testing.T) {
	assert.Equal(t, 0, protocol.ClampOptLevel(-7))
	assert.Equal(t, 2, protocol.ClampOptLevel(2))
	assert.Equal(t, 3, protocol.ClampOptLevel(99))
}

func TestErrorCodeMapping(t *testing.T) {
	assert.Equal(t, protocol.CodeFactoryNotFound, protocol.ErrorCode(fmt.Errorf("x: %w", protocol.ErrFactoryNotFound)))
	assert.Equal(t, protocol.CodeNetStreamRead, protocol.ErrorCode(protocol.ErrNetStreamRead))
	assert.Equal(t, protocol.CodeConnection, protocol.ErrorCode(protocol.ErrConnection))
	assert.Equal(t, protocol.CodeUnknown, protocol.ErrorCode(fmt.Errorf("unrelated")))
}

func TestDescriptorApplyMetadataOrder(t *testing.T) {
	d := &protocol.Descriptor{Metadata: []protocol.MetaEntry{
		{Key: "name", Value: "echo"},
		{Key: "author", Value: "ada"},
		{Key: "author", Value: "grace"},
	}}
	var got []string
	d.ApplyMetadata(declareFunc(func(k, v string) { got = append(got, k+"="+v) }))
	assert.Equal(t, []string{"name=echo", "author=ada", "author=grace"}, got)
}

type declareFunc func(k, v string)

func (f declareFunc) Declare(k, v string) { f(k, v) }
