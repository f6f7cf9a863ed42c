package authz

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Opetushallitus/varda-reporting/apps/cli/runtime"
	platformauthz "github.com/Opetushallitus/varda-reporting/platform/go/authz"
)

// Command groups permission cache helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authz",
		Short: "Permission cache helpers",
	}
	cmd.AddCommand(invalidateCommand())
	return cmd
}

func invalidateCommand() *cobra.Command {
	var principal string
	var all bool

	c := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop cached permission sets of a principal in every running process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal == "" && !all {
				return fmt.Errorf("either --principal or --all is required")
			}
			if all {
				principal = "*"
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			rt, err := runtime.Open(ctx, "cli")
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := platformauthz.Notify(ctx, rt.DB.Querier(), principal); err != nil {
				return fmt.Errorf("notify %s: %w", platformauthz.Channel, err)
			}
			rt.Logger.Info("permission change announced", zap.String("principal_id", principal))
			return nil
		},
	}

	c.Flags().StringVar(&principal, "principal", "", "principal id whose permissions changed")
	c.Flags().BoolVar(&all, "all", false, "drop the cached sets of every principal")
	return c
}
