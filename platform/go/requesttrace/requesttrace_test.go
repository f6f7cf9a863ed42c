package requesttrace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	platformauth "github.com/Opetushallitus/varda-reporting/platform/go/auth"
)

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()

	info := AuditInfo{ActorKind: ActorKindUser, PrincipalID: "kunta-paakayttaja", ProviderOID: "1.2.246.562.10.1", Language: "SV"}
	got, ok := FromContext(IntoContext(context.Background(), info))
	require.True(t, ok)
	require.Equal(t, info, got)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
	require.Equal(t, ActorKindAnonymous, FromContextOrAnonymous(context.Background()).ActorKind)
}

func TestFromCredentials(t *testing.T) {
	t.Parallel()

	info, err := FromCredentials(&platformauth.Credentials{ID: "integraatio", ServiceAccount: true}, "req-9")
	require.NoError(t, err)
	require.True(t, info.Authenticated())
	require.True(t, info.ServiceAccount)
	require.Equal(t, "req-9", info.RequestID)

	for _, creds := range []*platformauth.Credentials{nil, {}} {
		_, err := FromCredentials(creds, "req-9")
		require.Error(t, err)
	}
}

func TestAuthenticatedOnlyForUsers(t *testing.T) {
	t.Parallel()

	require.False(t, Anonymous("r").Authenticated())
	require.False(t, System("report-worker", "job-7").Authenticated())
	require.False(t, AuditInfo{ActorKind: ActorKindUser}.Authenticated())
}

func TestLogFieldsSkipEmpty(t *testing.T) {
	t.Parallel()

	require.Len(t, Anonymous("r").LogFields(), 1)

	fields := AuditInfo{
		ActorKind:      ActorKindUser,
		PrincipalID:    "p",
		ServiceAccount: true,
		ProviderOID:    "1.2.246.562.10.1",
		SourceSystem:   "SS1",
	}.LogFields()
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	require.Equal(t, []string{"actor_kind", "principal_id", "service_account", "provider_oid", "source_system"}, keys)
}
