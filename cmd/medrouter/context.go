package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"medrouter/internal/infra/config"
	"medrouter/internal/infra/logger"
	"medrouter/internal/security"
)

const cliActor = "cli"

func newContextCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Export, import or delete stored conversation context",
		Long: `Operate on the conversation context kept in Redis. Export files are
read from and written to context.export_dir. Every operation is audited
when audit.enabled is set.`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "export <user_id> <file>",
			Short: "Write a user's stored context to a JSON file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPrivacy(cmd, *configPath, func(ctx context.Context, p *security.ContextPrivacy) error {
					path, err := p.Export(ctx, cliActor, args[0], args[1])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "exported context for %s to %s\n", args[0], path)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Load a context export into the store",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPrivacy(cmd, *configPath, func(ctx context.Context, p *security.ContextPrivacy) error {
					userID, n, err := p.Import(ctx, cliActor, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries for %s\n", n, userID)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <user_id>",
			Short: "Erase a user's stored context",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPrivacy(cmd, *configPath, func(ctx context.Context, p *security.ContextPrivacy) error {
					if err := p.Delete(ctx, cliActor, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted context for %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

// withPrivacy loads config and runs fn against the configured store. Only
// Redis keeps context beyond the life of a process, so other stores are
// rejected.
func withPrivacy(cmd *cobra.Command, configPath string, fn func(context.Context, *security.ContextPrivacy) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Context.Store != "redis" {
		return fmt.Errorf("context commands need context.store: redis, got %q", cfg.Context.Store)
	}

	log := slog.New(logger.NewHandler(io.Discard, cfg.Logger))
	if cfg.Logger.Level == "debug" {
		log = slog.New(logger.NewHandler(cmd.ErrOrStderr(), cfg.Logger))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	comp := &components{}
	defer comp.Close()
	if err := comp.buildStore(ctx, cfg.Context, log); err != nil {
		return err
	}
	if err := comp.buildAudit(cfg.Audit, log); err != nil {
		return err
	}
	sb, err := security.NewSandbox(cfg.Context.ExportDir)
	if err != nil {
		return fmt.Errorf("export dir: %w", err)
	}
	return fn(ctx, security.NewContextPrivacy(comp.store, sb, comp.audit, cfg.Context.TTL))
}
