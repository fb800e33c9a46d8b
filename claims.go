package authcore

import (
	"encoding/base64"
	"encoding/json"
	"net/mail"
	"regexp"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/weargate/authcore/domain"
)

// identifierPattern is the restricted shape role, group and client-role
// claim values must match. Anything else is silently dropped during
// sanitization so injection-style values (e.g. "admin;drop") never reach a
// UserContext or a policy decision.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_./:-]{0,127}$`)

// maxExtraClaims bounds the bag of unrecognized custom claims carried on
// the UserContext.
const maxExtraClaims = 16

// idpClaims is the fixed claim schema decoded from IdP-issued access
// tokens. Keycloak-style realm_access/resource_access containers are
// decoded field by field; anything outside this schema lands in the
// unrecognized-claims bag.
type idpClaims struct {
	jwt.RegisteredClaims

	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`

	RealmAccess struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`

	ResourceAccess map[string]struct {
		Roles []string `json:"roles"`
	} `json:"resource_access"`

	Groups []string `json:"groups"`
}

// knownClaimKeys are excluded from the unrecognized-claims bag.
var knownClaimKeys = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
	"email": {}, "name": {}, "preferred_username": {},
	"realm_access": {}, "resource_access": {}, "groups": {},
}

// sanitizeIdentifiers keeps only values matching identifierPattern.
func sanitizeIdentifiers(values []string) []string {
	var out []string
	for _, v := range values {
		if identifierPattern.MatchString(v) {
			out = append(out, v)
		}
	}
	return out
}

// toUserContext converts validated claims into an immutable UserContext.
// Role, group and client-role values are sanitized; a malformed email claim
// is dropped rather than failing the whole token.
func (c *idpClaims) toUserContext(raw string) *domain.UserContext {
	uc := &domain.UserContext{
		ID:       c.Subject,
		Name:     c.Name,
		Username: c.PreferredUsername,
		Roles:    sanitizeIdentifiers(c.RealmAccess.Roles),
		Groups:   sanitizeIdentifiers(c.Groups),
	}

	if c.Email != "" {
		if _, err := mail.ParseAddress(c.Email); err == nil {
			uc.Email = c.Email
		}
	}

	if len(c.ResourceAccess) > 0 {
		uc.ClientRoles = make(map[string][]string, len(c.ResourceAccess))
		for clientID, access := range c.ResourceAccess {
			if !identifierPattern.MatchString(clientID) {
				continue
			}
			if roles := sanitizeIdentifiers(access.Roles); len(roles) > 0 {
				uc.ClientRoles[clientID] = roles
			}
		}
	}

	uc.Extra = extractExtraClaims(raw)

	return uc
}

// extractExtraClaims re-decodes the payload segment into a generic map and
// keeps a bounded, deterministic selection of the claims outside the fixed
// schema. Values here are informational only.
func extractExtraClaims(raw string) map[string]any {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}

	var all map[string]any
	if err := json.Unmarshal(payload, &all); err != nil {
		return nil
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		if _, known := knownClaimKeys[k]; !known {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}

	sort.Strings(keys)
	if len(keys) > maxExtraClaims {
		keys = keys[:maxExtraClaims]
	}

	extra := make(map[string]any, len(keys))
	for _, k := range keys {
		extra[k] = all[k]
	}
	return extra
}
