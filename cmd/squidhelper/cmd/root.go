// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	squidhelper "github.com/breezewish/go-squidhelper"
	"github.com/breezewish/go-squidhelper/internal/logging"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "squidhelper",
	Short: "Squid helper programs speaking the stdin/stdout helper protocol",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	fs.String("log-level", "info", "log level: debug, info, warn or error")
	fs.String("log-file", "", "also log to this file, rotated by size")
	fs.Int("log-max-size", 10, "log file size in megabytes before rotation")
	fs.Int("log-max-backups", 5, "rotated log files to keep")
	fs.Bool("log-compress", false, "gzip rotated log files")
	fs.Int("buffer-size", squidhelper.DEFAULT_BUFFER_SIZE, "read buffer size in bytes")
	fs.Int("max-line-size", squidhelper.DEFAULT_MAX_LINE_SIZE, "longest accepted request line in bytes")
	fs.String("input-encoding", "", "text encoding of request lines (empty: pass through)")
	fs.String("output-encoding", "", "text encoding of response lines (empty: pass through)")
	fs.Bool("echo-channel", true, "prefix responses with the request's channel ID")
	fs.Bool("recover-panics", false, "answer BH instead of crashing when the responder panics")
	fs.String("metrics-textfile", "", "write Prometheus metrics to this file, %p is replaced by the PID")
	fs.Duration("metrics-interval", 15*time.Second, "how often to rewrite the metrics file")
}

// bindFlags makes every flag of fs, inherited persistent flags included, a
// viper key of the same name.
func bindFlags(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || err != nil {
			return
		}
		err = viper.BindPFlag(f.Name, f)
	})
	return err
}

// initConfig binds the running command's flags and reads in the config
// file and ENV variables if set.
func initConfig(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd.Flags()); err != nil {
		return err
	}
	viper.SetEnvPrefix("squidhelper")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config: %w", err)
		}
	}
	return nil
}

func newLogger() (*logging.Logger, error) {
	level, err := logging.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:      level,
		Path:       viper.GetString("log-file"),
		MaxSize:    viper.GetInt("log-max-size"),
		MaxBackups: viper.GetInt("log-max-backups"),
		Compress:   viper.GetBool("log-compress"),
	}), nil
}

func helperConfig(cmd *cobra.Command) (squidhelper.Config, error) {
	config := squidhelper.DefaultConfig()
	config.Stdin = cmd.InOrStdin()
	config.Stdout = cmd.OutOrStdout()
	config.BufferSize = viper.GetInt("buffer-size")
	config.MaxLineSize = viper.GetInt("max-line-size")
	config.EchoChannel = viper.GetBool("echo-channel")
	config.RecoverPanics = viper.GetBool("recover-panics")

	var err error
	if config.InputEncoding, err = squidhelper.LookupEncoding(viper.GetString("input-encoding")); err != nil {
		return config, err
	}
	if config.OutputEncoding, err = squidhelper.LookupEncoding(viper.GetString("output-encoding")); err != nil {
		return config, err
	}
	return config, nil
}

// serve runs r as a helper on the command's stdin/stdout until Squid closes
// the pipe.
func serve(cmd *cobra.Command, l *logging.Logger, r squidhelper.Responder) error {
	config, err := helperConfig(cmd)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	config.Metrics = squidhelper.NewMetrics(reg)
	stop := exportMetrics(l, reg)
	defer stop()

	h, err := squidhelper.NewWithConfig(r, l.Logr(), config)
	if err != nil {
		return err
	}
	l.Info("Helper ready", zap.Int("pid", os.Getpid()), zap.Bool("echoChannel", config.EchoChannel))
	if err := h.Serve(); err != nil {
		l.Error("Helper stopped", zap.Error(err))
		return err
	}
	l.Info("Squid closed the helper pipe")
	return nil
}

// exportMetrics periodically writes reg to the configured textfile, for
// node_exporter's textfile collector. The returned func stops the export
// and writes a final snapshot.
func exportMetrics(l *logging.Logger, reg *prometheus.Registry) func() {
	path := viper.GetString("metrics-textfile")
	if path == "" {
		return func() {}
	}
	path = strings.ReplaceAll(path, "%p", strconv.Itoa(os.Getpid()))
	write := func() {
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			l.Warn("Cannot write metrics", zap.String("path", path), zap.Error(err))
		}
	}

	interval := viper.GetDuration("metrics-interval")
	if interval <= 0 {
		interval = 15 * time.Second
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				write()
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
		write()
	}
}

func closeLogger(l *logging.Logger) {
	if err := dropConsoleSyncErrors(l.Close()); err != nil {
		fmt.Fprintln(os.Stderr, "error closing log:", err)
	}
}

// dropConsoleSyncErrors removes the errors fsync returns for a terminal or
// pipe stderr (EINVAL, ENOTTY) from err; they are harmless.
func dropConsoleSyncErrors(err error) error {
	var kept error
	for _, e := range multierr.Errors(err) {
		if errors.Is(e, syscall.EINVAL) || errors.Is(e, syscall.ENOTTY) {
			continue
		}
		kept = multierr.Append(kept, e)
	}
	return kept
}
