package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Opetushallitus/varda-reporting/apps/cli/runtime"
	rtrepo "github.com/Opetushallitus/varda-reporting/domains/telemetry/be/repo"
	rtservice "github.com/Opetushallitus/varda-reporting/domains/telemetry/be/service"
	"github.com/Opetushallitus/varda-reporting/platform/go/setups"
)

// Command groups request telemetry maintenance.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Request telemetry maintenance",
	}
	cmd.AddCommand(rollupCommand())
	return cmd
}

func rollupCommand() *cobra.Command {
	var date string
	var days int

	c := &cobra.Command{
		Use:   "rollup",
		Short: "Rebuild the daily request summaries from the request log",
		Long: "Deletes and recomputes the summaries of each day from request_log. " +
			"Safe to run repeatedly; defaults to yesterday (UTC).",
		RunE: func(cmd *cobra.Command, args []string) error {
			last := time.Now().UTC().AddDate(0, 0, -1)
			if date != "" {
				parsed, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return fmt.Errorf("--date: %w", err)
				}
				last = parsed
			}
			if days < 1 {
				return fmt.Errorf("--days must be at least 1")
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

			svc := rtservice.New(rtservice.Config{
				Store:  rtrepo.NewPostgresStore(rt.DB),
				Authz:  setups.Authorizer(rt.Config, rt.DB, nil, nil, rt.Logger),
				Logger: rt.Logger,
			})
			for i := days - 1; i >= 0; i-- {
				day := last.AddDate(0, 0, -i)
				n, err := svc.Rollup(ctx, day)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d summaries\n", day.Format(time.DateOnly), n)
			}
			return nil
		},
	}

	c.Flags().StringVar(&date, "date", "", "last day to rebuild, YYYY-MM-DD")
	c.Flags().IntVar(&days, "days", 1, "number of days ending at --date")
	return c
}
