// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	squidhelper "github.com/breezewish/go-squidhelper"
	"github.com/breezewish/go-squidhelper/internal/logging"
	"github.com/breezewish/go-squidhelper/internal/rewrite"
)

// rewriteCmd represents the rewrite command
var rewriteCmd = &cobra.Command{
	Use:   "rewrite",
	Short: "Serve regex URL rewrite rules as a url_rewrite_program",
	Long: `Serve regex URL rewrite rules as a Squid url_rewrite_program.

Rules are read from the "rules" list of the config file, each with a
"pattern" regular expression, a "replace" template ($1 expands to the
first group) and optionally "redirect: true" and a 3xx "status". The first
matching rule wins; unmatched URLs are answered with ERR. The rules are
reloaded when the config file changes.`,
	Args: cobra.NoArgs,
	RunE: runRewrite,
}

func init() {
	rewriteCmd.Flags().Int("cache-size", 4096, "remembered answers (0 disables the cache)")
	rewriteCmd.Flags().Bool("watch", true, "reload rules when the config file changes")
	rootCmd.AddCommand(rewriteCmd)
}

func loadRules() (rewrite.Rules, error) {
	var rules []rewrite.Rule
	if err := viper.UnmarshalKey("rules", &rules); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	return rewrite.Compile(rules)
}

// reloadRules swaps in the rules of the freshly read config and forgets
// answers given under the old ones. Invalid rules are logged and the old
// rules stay in place.
func reloadRules(l *logging.Logger, rw *rewrite.Responder, cache *squidhelper.CachingResponder, file string) error {
	rules, err := loadRules()
	if err != nil {
		l.Error("Cannot reload rewrite rules, keeping the old ones", zap.String("file", file), zap.Error(err))
		return err
	}
	rw.Store(rules)
	if cache != nil {
		cache.Purge()
	}
	l.Info("Reloaded rewrite rules", zap.String("file", file), zap.Int("rules", len(rules)))
	return nil
}

func runRewrite(cmd *cobra.Command, args []string) error {
	l, err := newLogger()
	if err != nil {
		return err
	}
	defer closeLogger(l)

	rules, err := loadRules()
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		l.Warn("No rewrite rules configured, every URL is left alone")
	}
	rw := rewrite.NewResponder(rules)

	var responder squidhelper.Responder = rw
	var cache *squidhelper.CachingResponder
	if size := viper.GetInt("cache-size"); size > 0 {
		if cache, err = squidhelper.NewCachingResponder(rw, size); err != nil {
			return err
		}
		responder = cache
	}

	if viper.GetBool("watch") && viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			_ = reloadRules(l, rw, cache, e.Name)
		})
		viper.WatchConfig()
	}

	return serve(cmd, l, responder)
}
