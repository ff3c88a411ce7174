package config

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	t.Setenv("FIFOMON_FIFO_NAMES", "")
	t.Setenv("FIFOMON_METRICS_LISTEN", "")
	return parseArgs(append([]string{"fifomon"}, args...), io.Discard)
}

func TestParseArgs_Mount(t *testing.T) {
	cfg, err := parse(t, "mount", "/mnt/fifo", "/tmp/a", "/tmp/b")

	require.NoError(t, err)
	assert.Equal(t, CommandMount, cfg.Command)
	assert.Equal(t, "/mnt/fifo", cfg.Mountpoint)
	assert.Equal(t, []string{"/tmp/a", "/tmp/b"}, cfg.Paths)
	assert.Equal(t, DefaultRootName, cfg.RootName)
	assert.Zero(t, cfg.Capacity)
	assert.Zero(t, cfg.UID)
	assert.Zero(t, cfg.GID)
	assert.Empty(t, cfg.MetricsListen)
	assert.False(t, cfg.FuseDebug)
	assert.False(t, cfg.AllowOther)
}

func TestParseArgs_MountRequiresMountpoint(t *testing.T) {
	_, err := parse(t, "mount")
	require.Error(t, err)
}

func TestParseArgs_List(t *testing.T) {
	cfg, err := parse(t, "list", "/tmp/a")

	require.NoError(t, err)
	assert.Equal(t, CommandList, cfg.Command)
	assert.Empty(t, cfg.Mountpoint)
	assert.Equal(t, []string{"/tmp/a"}, cfg.Paths)
}

func TestParseArgs_NoPathsIsAllowed(t *testing.T) {
	cfg, err := parse(t, "list")
	require.NoError(t, err)
	assert.Empty(t, cfg.Paths)
}

func TestParseArgs_FifoNamesComeFirst(t *testing.T) {
	cfg, err := parse(t, "--fifo-names", "/run/x, /run/y,,", "list", "/tmp/z")
	require.NoError(t, err)
	assert.Equal(t, []string{"/run/x", "/run/y", "/tmp/z"}, cfg.Paths)
}

func TestParseArgs_FifoNamesFromEnvironment(t *testing.T) {
	t.Setenv("FIFOMON_FIFO_NAMES", "/run/env1,/run/env2")
	cfg, err := parseArgs([]string{"fifomon", "list"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"/run/env1", "/run/env2"}, cfg.Paths)
}

func TestParseArgs_AllFlags(t *testing.T) {
	cfg, err := parse(t,
		"--root", "pipes",
		"--capacity", "4096",
		"--uid", "1000",
		"--gid", "100",
		"--metrics-listen", "127.0.0.1:9464",
		"--fuse-debug",
		"--allow-other",
		"mount", "/mnt/p",
	)

	require.NoError(t, err)
	assert.Equal(t, "pipes", cfg.RootName)
	assert.Equal(t, uint64(4096), cfg.Capacity)
	assert.Equal(t, uint32(1000), cfg.UID)
	assert.Equal(t, uint32(100), cfg.GID)
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsListen)
	assert.True(t, cfg.FuseDebug)
	assert.True(t, cfg.AllowOther)
	assert.Empty(t, cfg.Paths)
}

func TestParseArgs_InvalidRoot(t *testing.T) {
	for _, root := range []string{"a/b", ".", ".."} {
		t.Run(root, func(t *testing.T) {
			_, err := parse(t, "--root", root, "list")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "--root")
		})
	}
}

func TestParseArgs_InvalidCapacity(t *testing.T) {
	_, err := parse(t, "--capacity", "-1", "list")
	require.Error(t, err)
}

func TestParseArgs_UnknownCommand(t *testing.T) {
	_, err := parse(t, "serve")
	require.Error(t, err)
}

func TestParseArgs_NoArguments(t *testing.T) {
	_, err := ParseArgs(nil)
	require.Error(t, err)
}

func TestParseFifoNames(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{",,", nil},
		{"/tmp/a", []string{"/tmp/a"}},
		{"/tmp/a,/tmp/b", []string{"/tmp/a", "/tmp/b"}},
		{" /tmp/a , /tmp/b ", []string{"/tmp/a", "/tmp/b"}},
		{"/tmp/a,,/tmp/b,", []string{"/tmp/a", "/tmp/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFifoNames(tt.in))
		})
	}
}

func TestParseOTELConfig(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "")

	cfg, err := ParseOTELConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled())
	assert.Empty(t, cfg.GetEndpoint())

	t.Setenv("OTEL_SERVICE_NAME", "fifo-watch")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	cfg, err = ParseOTELConfig()
	require.NoError(t, err)
	assert.Equal(t, "fifo-watch", cfg.ServiceName)
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "collector:4318", cfg.GetEndpoint())

	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "traces:4318")
	cfg, err = ParseOTELConfig()
	require.NoError(t, err)
	assert.Equal(t, "traces:4318", cfg.GetEndpoint())
}

func TestOTELConfig_EndpointSelection(t *testing.T) {
	tests := []struct {
		name     string
		cfg      OTELConfig
		endpoint string
	}{
		{"nothing set", OTELConfig{}, ""},
		{"blank only", OTELConfig{ExporterEndpoint: "  ", TracesEndpoint: "\t"}, ""},
		{"generic only", OTELConfig{ExporterEndpoint: "http://otel:4318"}, "http://otel:4318"},
		{"traces only", OTELConfig{TracesEndpoint: "http://traces:4318/v1/traces"}, "http://traces:4318/v1/traces"},
		{"traces wins", OTELConfig{ExporterEndpoint: "http://otel:4318", TracesEndpoint: "http://traces:4318"}, "http://traces:4318"},
		{"blank traces falls through", OTELConfig{ExporterEndpoint: " http://otel:4318 ", TracesEndpoint: " "}, "http://otel:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.endpoint, tt.cfg.GetEndpoint())
			assert.Equal(t, tt.endpoint != "", tt.cfg.Enabled())
		})
	}
}

func TestParseOTELConfig_DefaultServiceName(t *testing.T) {
	// env treats an empty variable as unset and applies the default.
	t.Setenv("OTEL_SERVICE_NAME", "")
	cfg, err := ParseOTELConfig()
	require.NoError(t, err)
	assert.Equal(t, "fifomon", cfg.ServiceName)
}

func TestParseResourceAttributes(t *testing.T) {
	cfg := &OTELConfig{ResourceAttributes: "host.name=box, env = prod,broken,=nokey"}
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("host.name", "box"),
		attribute.String("env", "prod"),
	}, cfg.ParseResourceAttributes())

	assert.Nil(t, (&OTELConfig{}).ParseResourceAttributes())
}

func TestParseLogConfig(t *testing.T) {
	t.Setenv("FIFOMON_LOG_LEVEL", "debug")
	t.Setenv("FIFOMON_LOG_DEVELOPMENT", "true")
	t.Setenv("FIFOMON_LOG_OUTPUT", "stdout,/tmp/fifomon.log")

	cfg, err := ParseLogConfig()
	require.NoError(t, err)
	lc := cfg.Logging()
	assert.Equal(t, "debug", lc.Level)
	assert.True(t, lc.Development)
	assert.Equal(t, []string{"stdout", "/tmp/fifomon.log"}, lc.OutputPaths)
}

func TestParseLogConfig_Defaults(t *testing.T) {
	t.Setenv("FIFOMON_LOG_LEVEL", "")
	t.Setenv("FIFOMON_LOG_DEVELOPMENT", "")
	t.Setenv("FIFOMON_LOG_OUTPUT", "")

	cfg, err := ParseLogConfig()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Level)
	assert.False(t, cfg.Development)
	assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
}

func TestParseLogConfig_Invalid(t *testing.T) {
	t.Setenv("FIFOMON_LOG_DEVELOPMENT", "maybe")
	_, err := ParseLogConfig()
	require.Error(t, err)
}
