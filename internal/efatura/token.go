package efatura

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwb-tools/efatura-export/internal/domain"
)

// LoadToken reads the pre-obtained access token from a token.json file.
// The token is treated as opaque beyond an expiry check; there is no
// refresh path in the exporter.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}

	var obj struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("parsing token file: %w", err)
	}
	if obj.AccessToken == "" {
		return "", fmt.Errorf("%w: token file missing access_token", domain.ErrInvalidInput)
	}
	return obj.AccessToken, nil
}

// TokenExpiry decodes the JWT exp claim without verifying the
// signature. Returns false when the token is not a JWT or carries no
// exp claim.
func TokenExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return time.Time{}, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}

// CheckToken fails fast when the supplied token is already expired,
// before any bulk work starts. Tokens without a readable exp claim are
// let through; the userinfo validation call decides for them.
func CheckToken(token string, now time.Time) error {
	exp, ok := TokenExpiry(token)
	if !ok {
		return nil
	}
	if now.After(exp) {
		return fmt.Errorf("%w: token expired at %s", domain.ErrAuthExpired, exp.Format(time.RFC3339))
	}
	return nil
}
