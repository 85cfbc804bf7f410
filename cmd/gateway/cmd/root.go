// Package cmd implements the CLI commands for the gateway.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edgevideo/gateway/internal/gwconfig"
	"github.com/edgevideo/gateway/internal/observability"
	"github.com/edgevideo/gateway/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "gateway",
	Short:   "Edge video transformation gateway",
	Version: version.Short(),
	Long: `gateway is a range-aware caching HTTP proxy that sits in front of a
video transformation service. It matches incoming requests against
configured origins, resolves and validates transformation options from the
request path and query string, serves cached transformed media, and falls
back to the upstream transformation service (with retry and direct-fetch
recovery) on a cache miss.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gateway.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text, json)")

	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// setDefaults configures default values for every gwconfig.Document field
// viper can't infer from the zero value alone (slices, nested maps, and
// anything whose absence should mean something other than "disabled").
func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.method", string(gwconfig.CacheMethodKV))
	v.SetDefault("cache.defaultMaxAge", 86400)
	v.SetDefault("cache.ttl.ok", 86400)
	v.SetDefault("cache.ttl.redirects", 3600)
	v.SetDefault("cache.ttl.clientError", 60)
	v.SetDefault("cache.ttl.serverError", 10)
	v.SetDefault("cache.enableKVCache", true)
	v.SetDefault("cache.maxSizeBytes", "256MB")
	v.SetDefault("cache.enableVersioning", true)
	v.SetDefault("cache.ttlRefresh.minElapsedPercent", 0.8)
	v.SetDefault("cache.ttlRefresh.minRemainingSeconds", 300)

	v.SetDefault("video.cdnCgi.basePath", "/cdn-cgi/media")
	v.SetDefault("video.responsive.tolerance", 0.1)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.verbose", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.addSource", false)
	v.SetDefault("logging.timeFormat", time.RFC3339)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	setDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/gateway")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".gateway")
	}

	viper.SetEnvPrefix("GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadDocument unmarshals the active viper state into a gwconfig.Document.
// ByteSize and Duration implement encoding.TextUnmarshaler, so the default
// mapstructure decoder needs TextUnmarshallerHookFunc composed in or every
// "256MB"/"24h" style value in the document comes back as a conversion
// error instead of a parsed value.
func loadDocument() (gwconfig.Document, error) {
	var doc gwconfig.Document
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := viper.Unmarshal(&doc, viper.DecodeHook(decodeHook)); err != nil {
		return gwconfig.Document{}, fmt.Errorf("unmarshaling configuration: %w", err)
	}
	return doc, nil
}

// initLogging configures the slog logger based on configuration.
func initLogging() error {
	logging := gwconfig.LoggingConfig{
		Level:      viper.GetString("logging.level"),
		Format:     viper.GetString("logging.format"),
		AddSource:  viper.GetBool("logging.addSource"),
		TimeFormat: viper.GetString("logging.timeFormat"),
	}
	slog.SetDefault(observability.NewLogger(logging))
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
