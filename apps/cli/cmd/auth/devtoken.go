package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	platformauth "github.com/Opetushallitus/varda-reporting/platform/go/auth"
	"github.com/Opetushallitus/varda-reporting/platform/go/auth/devtoken"
)

// Command groups token helpers for local environments.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication helpers",
	}
	cmd.AddCommand(devTokenCommand())
	return cmd
}

func devTokenCommand() *cobra.Command {
	var params devtoken.Params
	var roles []string
	var hmacSecret string

	cmd := &cobra.Command{
		Use:   "devtoken",
		Short: "Generate a bearer token for AUTH_PROVIDER=dev (unsigned) or hmac (--hmac-secret)",
		Example: "  varda-reporting auth devtoken --principal kunta-paakayttaja \\\n" +
			"    --role VARDA-PAAKAYTTAJA@1.2.246.562.10.34683023489",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseRoles(roles)
			if err != nil {
				return err
			}
			params.Roles = parsed

			now := time.Now().UTC()
			var token string
			if hmacSecret != "" {
				token, err = devtoken.BuildHMAC(params, []byte(hmacSecret), now)
			} else {
				token, err = devtoken.BuildUnsigned(params, now)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&params.PrincipalID, "principal", "", "sub claim")
	cmd.Flags().StringVar(&params.Email, "email", "", "email claim")
	cmd.Flags().StringVar(&params.Name, "name", "", "display name")
	cmd.Flags().BoolVar(&params.ServiceAccount, "service-account", false, "mark the principal as an integration service account")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "ROLE@organization_oid, repeatable")
	cmd.Flags().StringVar(&params.Issuer, "issuer", "", "override iss")
	cmd.Flags().DurationVar(&params.ExpiresIn, "expires-in", time.Hour, "token lifetime (e.g. 30m, 2h)")
	cmd.Flags().StringVar(&hmacSecret, "hmac-secret", "", "sign with HS256 instead of emitting an unsigned token")

	_ = cmd.MarkFlagRequired("principal")

	return cmd
}

func parseRoles(raw []string) ([]platformauth.RoleClaim, error) {
	out := make([]platformauth.RoleClaim, 0, len(raw))
	for _, r := range raw {
		role, oid, ok := strings.Cut(r, "@")
		if !ok || strings.TrimSpace(role) == "" || strings.TrimSpace(oid) == "" {
			return nil, errors.New("role must look like ROLE@organization_oid, got " + r)
		}
		out = append(out, platformauth.RoleClaim{Role: strings.TrimSpace(role), OrganizationOID: strings.TrimSpace(oid)})
	}
	return out, nil
}
