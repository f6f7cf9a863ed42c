package devtoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Opetushallitus/varda-reporting/platform/go/auth"
)

// Params describes the principal a local token is minted for. No environment variables are read
// so the builder stays deterministic for tooling.
type Params struct {
	PrincipalID    string           // sub claim (required)
	Email          string           // optional
	Name           string           // optional
	ServiceAccount bool             // service_account claim, used by the outage report
	Roles          []auth.RoleClaim // roles claim
	Issuer         string           // defaults to "varda-reporting-dev"
	ExpiresIn      time.Duration    // default 1h when zero
}

func (p Params) claims(now time.Time) (map[string]interface{}, error) {
	if strings.TrimSpace(p.PrincipalID) == "" {
		return nil, errors.New("principal id is required")
	}
	for _, r := range p.Roles {
		if strings.TrimSpace(r.Role) == "" || strings.TrimSpace(r.OrganizationOID) == "" {
			return nil, fmt.Errorf("role %q on %q is incomplete", r.Role, r.OrganizationOID)
		}
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	expiresIn := p.ExpiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	issuer := p.Issuer
	if strings.TrimSpace(issuer) == "" {
		issuer = "varda-reporting-dev"
	}

	roles := make([]map[string]interface{}, 0, len(p.Roles))
	for _, r := range p.Roles {
		roles = append(roles, map[string]interface{}{"role": r.Role, "organization_oid": r.OrganizationOID})
	}

	payload := map[string]interface{}{
		"iss":             issuer,
		"sub":             p.PrincipalID,
		"iat":             now.Unix(),
		"exp":             now.Add(expiresIn).Unix(),
		"service_account": p.ServiceAccount,
		"roles":           roles,
	}
	if p.Email != "" {
		payload["email"] = p.Email
	}
	if p.Name != "" {
		payload["name"] = p.Name
	}
	return payload, nil
}

// BuildUnsigned returns a JWT with alg "none" and no signature, accepted by the API only when
// AUTH_PROVIDER=dev.
func BuildUnsigned(p Params, now time.Time) (string, error) {
	payload, err := p.claims(now)
	if err != nil {
		return "", err
	}

	headerSegment, err := encodeSegment(map[string]interface{}{"alg": "none", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	payloadSegment, err := encodeSegment(payload)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s.%s", headerSegment, payloadSegment), nil
}

// BuildHMAC returns an HS256 token for AUTH_PROVIDER=hmac environments.
func BuildHMAC(p Params, secret []byte, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is required")
	}
	payload, err := p.claims(now)
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims(payload)).SignedString(secret)
}

func encodeSegment(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
