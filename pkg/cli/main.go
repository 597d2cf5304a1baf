// Package cli builds the ledgerpulse command tree: the worker process, the
// admin server and the operator commands that act on jobs and failures.
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ledgerpulse/ledgerpulse/pkg/config"
	"github.com/ledgerpulse/ledgerpulse/pkg/jobs"
	"github.com/ledgerpulse/ledgerpulse/pkg/observability/logger"
)

const (
	policiesAnnotationPrefix = "policies."
	defaultPolicyContext     = "run"
	defaultEnvPrefix         = "LEDGERPULSE"
	defaultServiceName       = "ledgerpulse"
)

// CommandPolicy tells deployment tooling how a command is meant to be run.
type CommandPolicy string

const (
	PolicyAlways    CommandPolicy = "always"
	PolicyRun       CommandPolicy = "run"
	PolicyOnDemand  CommandPolicy = "on_demand"
	PolicyScheduled CommandPolicy = "scheduled"
	PolicyManual    CommandPolicy = "manual"
)

// Options customizes the command tree for an embedding service.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// RegisterJobs adds service handlers next to the built-in ones.
	RegisterJobs func(registry *jobs.Registry, cfg *config.Config, log logger.Logger) error

	// ValidateConfig runs after the built-in validation.
	ValidateConfig func(cfg *config.Config) error

	CustomCommands []*cobra.Command
}

func (o *Options) normalize() {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = defaultServiceName
	}
	if strings.TrimSpace(o.Description) == "" {
		o.Description = "Background job execution with failure tracking and an admin API"
	}
	o.EnvPrefix = resolveEnvPrefix(o.EnvPrefix)
}

// rootState carries persistent flag values to the subcommands.
type rootState struct {
	opts           Options
	configPath     string
	secretFilePath string
	serviceName    string
}

// NewRootCommand creates the ledgerpulse CLI.
func NewRootCommand(opts Options) *cobra.Command {
	opts.normalize()
	state := &rootState{opts: opts}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	SetCommandPolicies(rootCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&state.configPath, "config-file", "c", opts.ConfigPath, "config file path")
	flags.StringVar(&state.secretFilePath, "secret-file", "", "path to secrets file (sets "+opts.EnvPrefix+"_SECRETS_FILE)")
	flags.StringVar(&state.serviceName, "service-name", "", "service name override")
	registerConfigFlags(flags)

	workerCmd := newWorkerCommand(state)
	rootCmd.AddCommand(
		newVersionCommand(state),
		workerCmd,
		newServeCommand(state),
		newEnqueueCommand(state),
		newRunCommand(state),
		newJobsCommand(state),
		newFailuresCommand(state),
		newSchedulerCommand(state),
		newConfigCommand(state),
		newTokenCommand(state),
	)
	rootCmd.RunE = workerCmd.RunE

	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		if subCmd != nil && subCmd.Name() == "completion" {
			SetCommandPolicies(subCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
			break
		}
	}
	return rootCmd
}

// registerConfigFlags declares the persistent flags listed in
// config.FlagBindings. Only flags the user sets override the loaded config.
func registerConfigFlags(flags *pflag.FlagSet) {
	defaults := config.DefaultConfig()
	flags.String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Log.Format, "log format (json, text)")
	flags.String("broker", defaults.Jobs.Broker, "job broker (redis, asynq, memory)")
	flags.String("queue", defaults.Jobs.Queue, "job queue name")
	flags.Int("concurrency", defaults.Jobs.Concurrency, "queued worker concurrency")
	flags.Bool("resilient", defaults.Jobs.ResilientMode, "fall back to direct execution when the broker is unreachable")
	flags.Bool("force-direct", defaults.Jobs.ForceDirect, "run every job inline without a broker")
	flags.String("admin-address", defaults.Admin.Address, "admin server listen address")
}

// loadConfig reads configuration and returns the secrets overlay used for redaction.
func (s *rootState) loadConfig(flags *pflag.FlagSet) (*config.Config, *config.Config, error) {
	if err := applySecretFileFlag(s.opts.EnvPrefix, s.secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(s.configPath, s.opts.EnvPrefix).
		WithFlags(flags).
		LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, s.opts.Name, s.serviceName)
	if s.opts.ValidateConfig != nil {
		if err := s.opts.ValidateConfig(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}
	return cfg, secrets, nil
}

// loadConfigAndLogger is loadConfig plus the process logger.
func (s *rootState) loadConfigAndLogger(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
	cfg, _, err := s.loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}
	log, err := NewLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	log = log.With("service", cfg.Service.Name, "environment", cfg.Service.Environment)
	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

// bootstrap loads configuration and wires the application graph.
func (s *rootState) bootstrap(ctx context.Context, flags *pflag.FlagSet, mutate func(*config.Config)) (*App, error) {
	cfg, log, err := s.loadConfigAndLogger(flags)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewApp(ctx, cfg, log, AppOptions{RegisterJobs: s.opts.RegisterJobs})
}

// NewLogger builds the zap logger described by cfg.
func NewLogger(cfg config.LogConfig) (logger.Logger, error) {
	level, err := logger.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	output, err := logger.ParseLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: output})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

// SetCommandPolicies stores policies on command annotations using the "policies." prefix.
func SetCommandPolicies(cmd *cobra.Command, policies map[string]CommandPolicy) {
	if cmd == nil {
		return
	}
	if cmd.Annotations == nil {
		cmd.Annotations = make(map[string]string)
	}
	for _, key := range policyAnnotationKeys(cmd.Annotations) {
		delete(cmd.Annotations, key)
	}
	for context, policy := range policies {
		trimmedContext := strings.TrimSpace(context)
		if trimmedContext == "" {
			continue
		}
		cmd.Annotations[policiesAnnotationPrefix+trimmedContext] = string(policy)
	}
}

// GetCommandPolicies returns command policies from annotations.
func GetCommandPolicies(cmd *cobra.Command) map[string]string {
	out := map[string]string{}
	if cmd == nil {
		return out
	}
	for key, value := range cmd.Annotations {
		context, ok := strings.CutPrefix(key, policiesAnnotationPrefix)
		if !ok || strings.TrimSpace(context) == "" {
			continue
		}
		out[context] = value
	}
	return out
}

func ensureDefaultPolicy(cmd *cobra.Command) {
	if cmd == nil {
		return
	}
	if len(GetCommandPolicies(cmd)) == 0 {
		SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	}
}

func policyAnnotationKeys(annotations map[string]string) []string {
	keys := make([]string, 0, len(annotations))
	for key := range annotations {
		if strings.HasPrefix(key, policiesAnnotationPrefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

// Execute runs the command and exits with a non-zero code on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if log == nil || cfg == nil {
		return
	}
	if !strings.EqualFold(cfg.Log.Level, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", cfg.String())
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return defaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func resolveServiceNameValue(currentConfigName, defaultName, override string) string {
	if override := strings.TrimSpace(override); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultName); fallback != "" {
		return fallback
	}
	return defaultServiceName
}
