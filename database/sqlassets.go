package sqlassets

import _ "embed"

//go:embed schema/registry/entities.sql
var RegistryEntitiesSQL string

//go:embed schema/registry/history.sql
var RegistryHistorySQL string

//go:embed schema/reporting/reporting.sql
var ReportingSQL string

//go:embed schema/reporting/telemetry.sql
var TelemetrySQL string
