// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	squidhelper "github.com/breezewish/go-squidhelper"
	"github.com/breezewish/go-squidhelper/internal/logging"
	"github.com/breezewish/go-squidhelper/internal/rewrite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// resetConfig forgets the config file and lookups a previous run of the
// package-level rootCmd left behind.
func resetConfig(t *testing.T) {
	cfgFile = ""
	probeOpts.lookups = nil
	viper.Reset()
	t.Cleanup(func() {
		cfgFile = ""
		probeOpts.lookups = nil
		viper.Reset()
	})
}

const rulesYAML = `
echo-channel: true
rules:
  - pattern: '^http://old\.example\.com/(.*)$'
    replace: 'http://new.example.com/$1'
  - pattern: '^http://ads\.'
    replace: 'http://blank.example.com/'
    redirect: true
`

func execute(t *testing.T, stdin string, args ...string) string {
	resetConfig(t)
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestRewriteCommand(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "rewrite.yaml")
	require.NoError(t, os.WriteFile(config, []byte(rulesYAML), 0o644))
	metrics := filepath.Join(dir, "helper.prom")

	out := execute(t,
		"0 http://old.example.com/x 10.0.0.1/- - GET\n"+
			"1 http://ads.example.net/a.gif 10.0.0.1/- - GET\n"+
			"2 http://other.example.com/ 10.0.0.1/- - GET\n"+
			"3 http://old.example.com/x 10.0.0.1/- - GET\n",
		"rewrite", "--config", config, "--watch=false", "--log-level", "error",
		"--metrics-textfile", metrics)

	term := squidhelper.DefaultTerminator
	assert.Equal(t,
		"0 OK rewrite-url=http://new.example.com/x"+term+
			"1 OK status=302 url=http://blank.example.com/"+term+
			"2 ERR"+term+
			"3 OK rewrite-url=http://new.example.com/x"+term,
		out)

	b, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(b), `squidhelper_requests_total{channel="yes"} 4`)
}

func TestProbeCommand(t *testing.T) {
	out := execute(t, "",
		"probe", "--channels=false", "--lookup", "a", "--lookup", "b  c",
		"--", "sh", "-c", `while read line; do echo "OK $line"; done`)
	assert.Equal(t, "OK a\nOK b  c\n", out)
}

func TestProbeCommandChannelsFromStdin(t *testing.T) {
	out := execute(t, "x\ny z\n",
		"probe", "--channels",
		"--", "sh", "-c", `while read ch rest; do echo "$ch OK $rest"; done`)
	assert.Equal(t, "OK x\nOK y z\n", out)
}

func TestMissingConfigFile(t *testing.T) {
	resetConfig(t)
	var out bytes.Buffer
	rootCmd.SetArgs([]string{"rewrite", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--watch=false"})
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "error reading config")
}

func writeRules(t *testing.T, path, replace string) {
	yaml := "rules:\n  - pattern: '" + `^http://old\.example\.com/(.*)$` + "'\n    replace: '" + replace + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	require.NoError(t, viper.ReadInConfig())
}

func TestReloadRules(t *testing.T) {
	resetConfig(t)
	path := filepath.Join(t.TempDir(), "rewrite.yaml")
	viper.SetConfigFile(path)
	var logs bytes.Buffer
	l := logging.New(logging.Config{Level: zapcore.InfoLevel, Stderr: &logs})

	writeRules(t, path, "http://v1.example.com/$1")
	rules, err := loadRules()
	require.NoError(t, err)
	rw := rewrite.NewResponder(rules)
	cache, err := squidhelper.NewCachingResponder(rw, 16)
	require.NoError(t, err)

	req := squidhelper.Parse("0 http://old.example.com/x 10.0.0.1/- - GET", ' ')
	assert.Equal(t, "OK rewrite-url=http://v1.example.com/x", cache.Respond(req))
	assert.Equal(t, 1, cache.Len())

	writeRules(t, path, "http://v2.example.com/$1")
	require.NoError(t, reloadRules(l, rw, cache, path))
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, "OK rewrite-url=http://v2.example.com/x", cache.Respond(req))

	// A broken rule set is rejected and the previous rules keep serving.
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - pattern: '('\n"), 0o644))
	require.NoError(t, viper.ReadInConfig())
	assert.Error(t, reloadRules(l, rw, cache, path))
	assert.Equal(t, "OK rewrite-url=http://v2.example.com/x", rw.Respond(req))
	assert.Equal(t, 1, cache.Len())

	require.NoError(t, l.Close())
	assert.Contains(t, logs.String(), "Reloaded rewrite rules")
	assert.Contains(t, logs.String(), "keeping the old ones")
}

func TestDropConsoleSyncErrors(t *testing.T) {
	einval := &os.PathError{Op: "sync", Path: "/dev/stderr", Err: syscall.EINVAL}
	enotty := &os.PathError{Op: "sync", Path: "/proc/self/fd/2", Err: syscall.ENOTTY}
	assert.NoError(t, dropConsoleSyncErrors(nil))
	assert.NoError(t, dropConsoleSyncErrors(einval))
	assert.NoError(t, dropConsoleSyncErrors(multierr.Append(einval, enotty)))

	closeErr := errors.New("close helper.log: disk full")
	err := dropConsoleSyncErrors(multierr.Append(einval, closeErr))
	assert.ErrorIs(t, err, closeErr)
	assert.NotErrorIs(t, err, syscall.EINVAL)
}
