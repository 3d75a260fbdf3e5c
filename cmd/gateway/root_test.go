package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const descriptor = `subgraphs:
  - name: books
    kind: graphql
    url: https://books.example.com/graphql
    schema: |
      type Book {
        id: ID!
        title: String!
      }
      type Query {
        books: [Book!]!
      }
`

func execRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	rc := NewRootCommand(&bytes.Buffer{}, stdout, stderr)
	rc.SetArgs(args)
	err := rc.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	out, _, err := execRoot(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "Available Commands:")
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "compose")
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execRoot(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestComposeCommand(t *testing.T) {
	t.Run("prints the merged schema", func(t *testing.T) {
		path := writeFile(t, "descriptor.yaml", descriptor)
		out, _, err := execRoot(t, "compose", "--descriptor", path)
		require.NoError(t, err)
		assert.Contains(t, out, "type Book")
		assert.Contains(t, out, "books: [Book!]!")
	})

	t.Run("writes the merged schema to a file", func(t *testing.T) {
		path := writeFile(t, "descriptor.yaml", descriptor)
		target := filepath.Join(t.TempDir(), "merged.graphql")
		out, _, err := execRoot(t, "compose", "--descriptor", path, "--out", target)
		require.NoError(t, err)
		assert.Empty(t, out)
		sdl, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Contains(t, string(sdl), "type Query")
	})

	t.Run("prints violations", func(t *testing.T) {
		path := writeFile(t, "descriptor.yaml", descriptor+`joins:
  - type: Book
    field: author
    subgraph: authors
    resolver: authorById
    key: authorId
`)
		_, stderr, err := execRoot(t, "compose", "--descriptor", path)
		require.ErrorIs(t, err, errCompositionFailed)
		assert.Contains(t, stderr, "authors")
	})
}

func TestSetAllConfig(t *testing.T) {
	newFlags := func() (*serveConfig, *pflag.FlagSet) {
		config := &serveConfig{}
		flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
		flags.StringP("config", "c", "", "")
		config.bind(flags)
		return config, flags
	}

	t.Run("defaults", func(t *testing.T) {
		config, flags := newFlags()
		require.NoError(t, flags.Parse(nil))
		require.NoError(t, setAllConfig(viper.New(), flags))
		assert.Equal(t, ":4000", config.ListenAddr)
		assert.Equal(t, 3, config.Dispatch.MaxAttempts)
		assert.Equal(t, 5*time.Second, config.Dispatch.Timeouts.Function)
		assert.Equal(t, "info", config.Log.Level)
		assert.Empty(t, config.PropagateHeaders)
	})

	t.Run("file, environment and flags in priority order", func(t *testing.T) {
		path := writeFile(t, "gateway.yaml", `listen_addr: ":9000"
graphql_path: /api/graphql
propagate_headers:
  - X-Tenant
  - X-Request-Source
log:
  level: debug
dispatch:
  max_attempts: 5
  timeouts:
    rest: 750ms
`)
		t.Setenv("GATEWAY_DISPATCH_MAX_ATTEMPTS", "4")
		t.Setenv("GATEWAY_GRAPHQL_PATH", "/env/graphql")

		config, flags := newFlags()
		require.NoError(t, flags.Parse([]string{"--config", path, "--graphql_path", "/flag/graphql"}))
		require.NoError(t, setAllConfig(viper.New(), flags))

		assert.Equal(t, ":9000", config.ListenAddr)
		assert.Equal(t, "/flag/graphql", config.GraphQLPath)
		assert.Equal(t, 4, config.Dispatch.MaxAttempts)
		assert.Equal(t, 750*time.Millisecond, config.Dispatch.Timeouts.REST)
		assert.Equal(t, "debug", config.Log.Level)
		assert.Equal(t, []string{"X-Tenant", "X-Request-Source"}, config.PropagateHeaders)

		dispatchConfig := config.dispatch()
		assert.Equal(t, 4, dispatchConfig.Retry.MaxAttempts)
	})

	t.Run("unknown keys in the file", func(t *testing.T) {
		path := writeFile(t, "gateway.yaml", "listen_adr: \":9000\"\n")
		_, flags := newFlags()
		require.NoError(t, flags.Parse([]string{"--config", path}))
		assert.ErrorContains(t, setAllConfig(viper.New(), flags), "invalid option in configuration file: listen_adr")
	})
}

func TestNewLogger(t *testing.T) {
	zapLogger, logger, err := newLogger(logConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, zapLogger.Core().Enabled(-1))

	_, _, err = newLogger(logConfig{Level: "verbose"})
	assert.Error(t, err)
}
