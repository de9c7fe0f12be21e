package config

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cast"
)

// Claims is the subset of an API key's payload that matters for connecting.
type Claims struct {
	Algorithm string
	Issuer    string
	Role      string
	Ref       string
	IssuedAt  int64
	ExpiresAt int64
}

// ParseToken checks that token is a three part signed token whose header
// carries alg and typ and whose payload declares iss and role. The signature
// is not verified.
func ParseToken(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	parsed, parts, err := jwt.NewParser().ParseUnverified(token, mc)
	if err != nil {
		return Claims{}, fmt.Errorf("token: %w", err)
	}
	if len(parts) != 3 || parts[2] == "" {
		return Claims{}, errors.New("token signature is empty")
	}

	alg := cast.ToString(parsed.Header["alg"])
	if alg == "" || cast.ToString(parsed.Header["typ"]) == "" {
		return Claims{}, errors.New("token header is missing alg or typ")
	}

	claims := Claims{
		Algorithm: alg,
		Issuer:    cast.ToString(mc["iss"]),
		Role:      cast.ToString(mc["role"]),
		Ref:       cast.ToString(mc["ref"]),
		IssuedAt:  cast.ToInt64(mc["iat"]),
		ExpiresAt: cast.ToInt64(mc["exp"]),
	}
	if claims.Issuer == "" {
		return Claims{}, errors.New("token payload is missing iss")
	}
	if claims.Role == "" {
		return Claims{}, errors.New("token payload is missing role")
	}
	return claims, nil
}
