package tokenizer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

const AudienceSession = "session:access"

// JWTTokenizer implements the Tokenizer interface using ES256 JWT
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
	issuer  string
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey, issuer string) *JWTTokenizer {
	return &JWTTokenizer{signKey: signKey, issuer: issuer}
}

var _ ports.Tokenizer = (*JWTTokenizer)(nil)

// SessionToToken converts a Session to a signed JWT
func (j *JWTTokenizer) SessionToToken(session *core.Session) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   session.Address,
			ID:        session.ID,
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(session.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceSession},
		},
		SubjectID: session.SubjectID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return signedToken, nil
}

// TokenToSession parses a session JWT and returns the session it describes
func (j *JWTTokenizer) TokenToSession(tokenStr string) (*core.Session, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceSession), jwt.WithIssuer(j.issuer), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.ErrTokenExpired
		}
		return nil, fmt.Errorf("failed to parse token: %w", core.ErrInvalidToken)
	}

	if !token.Valid {
		return nil, core.ErrInvalidToken
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || claims.ID == "" || claims.Subject == "" {
		return nil, core.ErrInvalidToken
	}

	session := &core.Session{
		ID:        claims.ID,
		SubjectID: claims.SubjectID,
		Address:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
		Token:     tokenStr,
	}
	if claims.IssuedAt != nil {
		session.IssuedAt = claims.IssuedAt.Time
	}

	return session, nil
}
