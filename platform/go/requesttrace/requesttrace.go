// Package requesttrace carries who made a request, on behalf of which provider and from which
// source system, from the HTTP edge to services, audit entries and telemetry.
package requesttrace

import (
	"context"
	"errors"

	"go.uber.org/zap"

	platformauth "github.com/Opetushallitus/varda-reporting/platform/go/auth"
)

type ctxKey struct{}

type ActorKind string

const (
	ActorKindUser      ActorKind = "user"
	ActorKindAnonymous ActorKind = "anonymous"
	// ActorKindSystem marks background work such as report jobs.
	ActorKindSystem ActorKind = "system"
)

// AuditInfo is handed explicitly to services. PrincipalID is empty for anonymous callers.
type AuditInfo struct {
	ActorKind      ActorKind
	PrincipalID    string
	ServiceAccount bool
	// ProviderOID is the vakajarjestaja or organisaatio the request is scoped to, when given.
	ProviderOID  string
	SourceSystem string
	Language     string
	RequestID    string
}

func IntoContext(ctx context.Context, info AuditInfo) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

func FromContext(ctx context.Context) (AuditInfo, bool) {
	if ctx == nil {
		return AuditInfo{}, false
	}
	info, ok := ctx.Value(ctxKey{}).(AuditInfo)
	return info, ok
}

// FromContextOrAnonymous never fails; a context without trace is an anonymous caller.
func FromContextOrAnonymous(ctx context.Context) AuditInfo {
	if info, ok := FromContext(ctx); ok {
		return info
	}
	return Anonymous("")
}

// FromCredentials describes an authenticated user or integration account.
func FromCredentials(creds *platformauth.Credentials, requestID string) (AuditInfo, error) {
	switch {
	case creds == nil:
		return AuditInfo{}, errors.New("no credentials")
	case creds.ID == "":
		return AuditInfo{}, errors.New("credentials without principal id")
	}
	return AuditInfo{
		ActorKind:      ActorKindUser,
		PrincipalID:    creds.ID,
		ServiceAccount: creds.ServiceAccount,
		RequestID:      requestID,
	}, nil
}

func Anonymous(requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindAnonymous, RequestID: requestID}
}

// System identifies a background component; principalID names the component, not a person.
func System(principalID, requestID string) AuditInfo {
	return AuditInfo{ActorKind: ActorKindSystem, PrincipalID: principalID, RequestID: requestID}
}

// Authenticated is true only for users with a principal id.
func (a AuditInfo) Authenticated() bool {
	return a.ActorKind == ActorKindUser && a.PrincipalID != ""
}

// LogFields lists the non-empty attributes for a request-scoped logger.
func (a AuditInfo) LogFields() []zap.Field {
	fields := []zap.Field{zap.String("actor_kind", string(a.ActorKind))}
	if a.PrincipalID != "" {
		fields = append(fields, zap.String("principal_id", a.PrincipalID))
	}
	if a.ServiceAccount {
		fields = append(fields, zap.Bool("service_account", true))
	}
	if a.ProviderOID != "" {
		fields = append(fields, zap.String("provider_oid", a.ProviderOID))
	}
	if a.SourceSystem != "" {
		fields = append(fields, zap.String("source_system", a.SourceSystem))
	}
	return fields
}
