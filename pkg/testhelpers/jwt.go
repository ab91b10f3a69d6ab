// Package testhelpers provides utilities for testing ekaya-connect components.
package testhelpers

import (
	"encoding/base64"
	"fmt"
)

// GenerateTestJWT creates an unsigned token (alg: none) for tests that run
// with verification disabled.
func GenerateTestJWT(sub, email string, admin bool) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	payload := fmt.Sprintf(`{"sub":%q`, sub)
	if email != "" {
		payload += fmt.Sprintf(`,"email":%q`, email)
	}
	if admin {
		payload += `,"admin":true`
	}
	payload += "}"

	return fmt.Sprintf("%s.%s.", header, base64.RawURLEncoding.EncodeToString([]byte(payload)))
}

// GenerateTestJWTWithBearer returns the token with the "Bearer " prefix.
func GenerateTestJWTWithBearer(sub, email string, admin bool) string {
	return "Bearer " + GenerateTestJWT(sub, email, admin)
}
