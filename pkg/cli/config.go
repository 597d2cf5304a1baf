package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ledgerpulse/ledgerpulse/pkg/auth"
	"github.com/ledgerpulse/ledgerpulse/pkg/config"
	"github.com/ledgerpulse/ledgerpulse/pkg/configschema"
	"github.com/ledgerpulse/ledgerpulse/pkg/version"
)

func newVersionCommand(s *rootState) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Current(s.opts.Name)
			if asJSON {
				return printJSON(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
	return cmd
}

func newConfigCommand(s *rootState) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	SetCommandPolicies(configCmd, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := s.loadConfig(cmd.Flags()); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	}

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, secrets, err := s.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), formatConfig(cfg, secrets, showSecrets))
			return err
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show values loaded from the secrets file")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			schema, err := configschema.BuildSchemaWithDefaults(config.DefaultConfig())
			if err != nil {
				return err
			}
			data, err := configschema.MarshalIndent(schema)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	for _, sub := range []*cobra.Command{validateCmd, showCmd, schemaCmd} {
		SetCommandPolicies(sub, map[string]CommandPolicy{defaultPolicyContext: PolicyAlways})
		configCmd.AddCommand(sub)
	}
	return configCmd
}

// formatConfig renders cfg. Fields tagged redact stay masked; values from
// the secrets file are masked unless showSecrets is set.
func formatConfig(cfg, secrets *config.Config, showSecrets bool) string {
	if showSecrets {
		return cfg.String()
	}
	return cfg.Redacted(secrets)
}

func newTokenCommand(s *rootState) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API token signed with admin.jwt_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(subject) == "" {
				return errors.New("--subject is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			cfg, _, err := s.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			token, err := auth.SignHS256(cfg.Admin.JWTSecret, subject, roles, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the operator")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleAdmin}, "granted roles (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	SetCommandPolicies(cmd, map[string]CommandPolicy{defaultPolicyContext: PolicyManual})
	return cmd
}
