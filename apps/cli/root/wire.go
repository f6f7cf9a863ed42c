package root

import (
	"github.com/Opetushallitus/varda-reporting/apps/cli/cmd/auth"
	"github.com/Opetushallitus/varda-reporting/apps/cli/cmd/authz"
	"github.com/Opetushallitus/varda-reporting/apps/cli/cmd/bootstrap"
	"github.com/Opetushallitus/varda-reporting/apps/cli/cmd/telemetry"
	"github.com/Opetushallitus/varda-reporting/apps/cli/cmd/worker"
)

func init() {
	Root().AddCommand(auth.Command())
	Root().AddCommand(authz.Command())
	Root().AddCommand(bootstrap.Command())
	Root().AddCommand(telemetry.Command())
	Root().AddCommand(worker.Command())
}
