package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"calsync/internal/models"
)

const defaultStateTTL = 10 * time.Minute

// stateClaims is the payload of the signed OAuth state parameter.
type stateClaims struct {
	Provider models.Provider `json:"prv"`
	jwt.RegisteredClaims
}

// StateCodec signs and verifies the OAuth state parameter so a callback can
// be routed to the (user, provider) pair that started the flow.
type StateCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewStateCodec creates a codec signing with secret. A zero ttl means ten
// minutes.
func NewStateCodec(secret string, ttl time.Duration) (*StateCodec, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: OAUTH_STATE_SECRET is not set", models.ErrConfig)
	}
	if ttl == 0 {
		ttl = defaultStateTTL
	}
	return &StateCodec{secret: []byte(secret), ttl: ttl}, nil
}

// Encode returns a signed state for pair.
func (c *StateCodec) Encode(pair models.Pair) (string, error) {
	now := time.Now()
	claims := stateClaims{
		Provider: pair.Provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   pair.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			ID:        uuid.NewString(),
		},
	}

	state, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return state, nil
}

// Decode verifies state and returns the pair it was issued for.
func (c *StateCodec) Decode(state string) (models.Pair, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(state, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		var verr *jwt.ValidationError
		if errors.As(err, &verr) && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return models.Pair{}, fmt.Errorf("%w: state expired", models.ErrAuthExchange)
		}
		return models.Pair{}, fmt.Errorf("%w: invalid state: %v", models.ErrAuthExchange, err)
	}

	if claims.Subject == "" || claims.Provider == "" {
		return models.Pair{}, fmt.Errorf("%w: state is missing user or provider", models.ErrAuthExchange)
	}
	return models.Pair{UserID: claims.Subject, Provider: claims.Provider}, nil
}
