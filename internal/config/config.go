// Package config loads Runtime tunables via spf13/viper, the way the
// teacher loads its own application configuration: environment overrides
// layered on top of an optional config file, with documented defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/goosewobbler/zubridge-sub002/internal/core"
)

// Options mirrors the wire-visible option set from spec.md §6.
type Options struct {
	ActionCompletionTimeoutMs int  `mapstructure:"actionCompletionTimeoutMs"`
	MaxQueueSize              int  `mapstructure:"maxQueueSize"`
	MaxConcurrentTasks        int  `mapstructure:"maxConcurrentTasks"`
	EnableBatching            bool `mapstructure:"enableBatching"`

	ResourceManagement struct {
		EnablePeriodicCleanup  bool `mapstructure:"enablePeriodicCleanup"`
		CleanupIntervalMs      int  `mapstructure:"cleanupIntervalMs"`
		PendingUpdateMaxAgeMs  int  `mapstructure:"pendingUpdateMaxAgeMs"`
		MaxSubscriptionClients int  `mapstructure:"maxSubscriptionManagers"`
	} `mapstructure:"resourceManagement"`
}

// Load reads configuration from environment variables prefixed ZUBRIDGE_,
// the config file at configPath (if non-empty), and the defaults below, in
// that order of decreasing precedence for viper's own merge (env wins).
func Load(configPath string) (Options, error) {
	v := viper.New()
	v.SetEnvPrefix("zubridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("actionCompletionTimeoutMs", 30000)
	v.SetDefault("maxQueueSize", 1000)
	v.SetDefault("maxConcurrentTasks", 16)
	v.SetDefault("enableBatching", true)
	v.SetDefault("resourceManagement.enablePeriodicCleanup", true)
	v.SetDefault("resourceManagement.cleanupIntervalMs", 30000)
	v.SetDefault("resourceManagement.pendingUpdateMaxAgeMs", 300000)
	v.SetDefault("resourceManagement.maxSubscriptionManagers", 4096)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return opts, nil
}

// ToCoreConfig translates the loaded options into core.Config.
func (o Options) ToCoreConfig() core.Config {
	return core.Config{
		ActionCompletionTimeout: time.Duration(o.ActionCompletionTimeoutMs) * time.Millisecond,
		MaxQueueSize:            o.MaxQueueSize,
		MaxConcurrentTasks:      int64(o.MaxConcurrentTasks),
		EnableBatching:          o.EnableBatching,
		EnablePeriodicCleanup:   o.ResourceManagement.EnablePeriodicCleanup,
		CleanupInterval:         time.Duration(o.ResourceManagement.CleanupIntervalMs) * time.Millisecond,
		PendingUpdateMaxAge:     time.Duration(o.ResourceManagement.PendingUpdateMaxAgeMs) * time.Millisecond,
		MaxSubscriptionClients:  o.ResourceManagement.MaxSubscriptionClients,
	}
}
