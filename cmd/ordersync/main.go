package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/MarcoPoloResearchLab/ordersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ordersync/internal/config"
	"github.com/MarcoPoloResearchLab/ordersync/internal/source"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ordersync",
		Short:         "Bidirectional order synchronization between the storefront and the order database",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newReconcileCommand(),
		newReverseSyncCommand(),
		newAdminTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ordersync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server, reverse sync scheduler and binlog watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), appConfig)
		},
	}
}

func newReconcileCommand() *cobra.Command {
	var (
		start     int64
		end       int64
		maxOrders int
		origin    string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay Source orders missing from the Target over an id range",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedOrigin, err := source.ParseOrigin(origin)
			if err != nil {
				return err
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			app, err := newApplication(appConfig)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.reconciler == nil {
				return errors.New("reconciliation requires source.local_dsn or source.production_dsn")
			}

			summary, err := app.reconciler.SyncRange(cmd.Context(), start, end, maxOrders, parsedOrigin)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().Int64Var(&start, "start", 0, "First Source order id (inclusive)")
	cmd.Flags().Int64Var(&end, "end", 0, "Last Source order id (inclusive)")
	cmd.Flags().IntVar(&maxOrders, "max", 0, "Maximum orders to replay (defaults to reconcile.max_orders)")
	cmd.Flags().StringVar(&origin, "origin", string(source.OriginLocal), "Source database to read (local or production)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newReverseSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reverse-sync",
		Short: "Run one reverse sync cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			app, err := newApplication(appConfig)
			if err != nil {
				return err
			}
			defer app.Close()
			if app.reverse == nil {
				return errors.New("reverse sync requires source.push_url")
			}

			summary, err := app.reverse.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newAdminTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue an operator token for the /sync API",
		RunE: func(cmd *cobra.Command, args []string) error {
			configViper := viper.GetViper()
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(configViper.GetString("admin.signing_secret")),
				Issuer:        configViper.GetString("admin.issuer"),
				Audience:      configViper.GetString("admin.audience"),
				TokenTTL:      configViper.GetDuration("admin.token_ttl"),
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAdminToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"access_token": token,
				"token_type":   "Bearer",
				"expires_in":   expiresIn,
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Operator identity recorded in the token")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printJSON(w io.Writer, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(encoded))
	return err
}
