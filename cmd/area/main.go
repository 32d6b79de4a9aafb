package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dgellow/area/internal"
	"github.com/dgellow/area/internal/area"
	"github.com/dgellow/area/internal/config"
	"github.com/dgellow/area/internal/crypto"
	"github.com/dgellow/area/internal/engine"
	"github.com/dgellow/area/internal/provider"
	"github.com/dgellow/area/internal/refresh"
	"github.com/dgellow/area/internal/server"
	"github.com/dgellow/area/internal/storage"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var BuildVersion = "dev"

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		internal.LogError("%v", err)
		os.Exit(1)
	}
}

// NewRootCmd constructs the root CLI command
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "area",
		Short:         "Action/reaction automation engine",
		Version:       BuildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to config file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newPollCmd(&configPath),
		newStatusCmd(&configPath),
		newImportCursorsCmd(&configPath),
		newConfigInitCmd(),
		newValidateCmd(),
		newGenSecretsCmd(),
	)
	return rootCmd
}

// runtime is an engine wired over the configured storage
type runtime struct {
	cfg    *config.Config
	store  storage.Storage
	engine *engine.Engine
}

func openRuntime(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	refresher := refresh.New(store, refresh.ConfigsFromProviders(cfg.Providers))
	if skew := cfg.Engine.RefreshSkew.Std(); skew > 0 {
		refresher.Skew = skew
	}

	eng := engine.New(store, provider.Default(cfg.Providers, nil), refresher, engine.OptionsFromConfig(cfg.Engine))
	return &runtime{cfg: cfg, store: store, engine: eng}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		internal.LogWarn("Closing storage: %v", err)
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the collaborator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := openRuntime(ctx, *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv := server.New(rt.engine, rt.cfg.API, BuildVersion)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return rt.engine.Run(gctx) })
			g.Go(func() error { return srv.Run(gctx) })

			internal.LogInfoWithFields("main", "area started", map[string]any{
				"version": BuildVersion,
				"storage": rt.cfg.Storage.Kind,
				"addr":    rt.cfg.API.Addr,
			})
			return g.Wait()
		},
	}
}

func newPollCmd(configPath *string) *cobra.Command {
	var user, service, trigger string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one detection cycle of a pairing and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.engine.PollNow(cmd.Context(), user, area.ServiceID(service), area.TriggerID(trigger))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&service, "service", "", "trigger service id")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("trigger")
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	var user, service string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the connection status of a user's service",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			status, err := rt.engine.ConnectionStatus(cmd.Context(), user, area.ServiceID(service))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&service, "service", "", "service id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func newImportCursorsCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import-cursors",
		Short: "Import cursors from a legacy processed-events JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			store, err := storage.Open(cmd.Context(), cfg.Storage)
			if err != nil {
				return fmt.Errorf("opening storage: %w", err)
			}
			defer store.Close()

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			n, err := storage.ImportLegacyCursors(cmd.Context(), store, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d cursors\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "legacy JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-init PATH",
		Short: "Write a default config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(config.Default(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			if err := os.WriteFile(args[0], append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default config at: %s\n", args[0])
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate PATH",
		Short: "Validate a config file without resolving environment references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := config.ValidateFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, w := range result.Warnings {
				fmt.Fprintf(out, "warning: %s: %s\n", w.Path, w.Message)
			}
			for _, e := range result.Errors {
				fmt.Fprintf(out, "error: %s: %s\n", e.Path, e.Message)
			}
			if !result.IsValid() {
				return fmt.Errorf("%s: %d validation errors", args[0], len(result.Errors))
			}
			fmt.Fprintf(out, "%s is valid\n", args[0])
			return nil
		},
	}
}

func newGenSecretsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-secrets",
		Short: "Print a fresh storage encryption key and API token as environment assignments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			token, err := crypto.GenerateToken()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "AREA_ENCRYPTION_KEY=%s\nAREA_API_TOKEN=%s\n", key, token)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
