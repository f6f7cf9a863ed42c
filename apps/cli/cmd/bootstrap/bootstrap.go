package bootstrap

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/apps/cli/runtime"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
)

// Command groups bootstrap helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap database resources",
	}
	cmd.AddCommand(schemaCommand())
	return cmd
}

func schemaCommand() *cobra.Command {
	var schema string

	c := &cobra.Command{
		Use:   "schema",
		Short: "Apply the embedded DDL (registry, history, reporting, telemetry tables)",
		Long: "Creates the schema when missing and applies the embedded idempotent DDL. " +
			"Running it again on an up-to-date database changes nothing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := runtime.Open(ctx, "cli")
			if err != nil {
				return err
			}
			defer rt.Close()

			if schema == "" {
				schema = rt.Config.DatabaseSchema
			}
			if err := persistence.BootstrapSchema(ctx, rt.Pool, schema); err != nil {
				return fmt.Errorf("bootstrap schema %q: %w", schema, err)
			}
			rt.Logger.Info("schema bootstrapped", zap.String("schema", schema))
			fmt.Fprintf(cmd.OutOrStdout(), "Schema %s is up to date.\n", schema)
			return nil
		},
	}

	c.Flags().StringVar(&schema, "schema", "", "target schema (defaults to DATABASE_SCHEMA)")
	return c
}
