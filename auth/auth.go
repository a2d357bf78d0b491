package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/textileio/candle-auction/auction"
)

// AuthorizedEntity contains identity information from a verified bidder token.
type AuthorizedEntity struct {
	Identity auction.BidderID
}

// Authorizer resolves a bearer token to a bidder identity.
type Authorizer interface {
	// IsAuthorized indicates if the token identifies a bidder allowed
	// to bid and settle. If 'false' is returned, it also returns a
	// string with an explanation of why that's the case.
	IsAuthorized(ctx context.Context, token string) (AuthorizedEntity, bool, string, error)
}

// BidderClaims defines a verifiable claim to a bidder identity.
type BidderClaims struct {
	jwt.StandardClaims
}

type secretAuthorizer struct {
	secret []byte
}

// NewAuthorizer returns an Authorizer validating tokens signed with secret.
func NewAuthorizer(secret string) (Authorizer, error) {
	if secret == "" {
		return nil, errors.New("secret is empty")
	}
	return &secretAuthorizer{secret: []byte(secret)}, nil
}

func (a *secretAuthorizer) IsAuthorized(
	_ context.Context,
	token string,
) (AuthorizedEntity, bool, string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return AuthorizedEntity{}, false, "token contains invalid number of segments", nil
	}
	parsed, err := jwt.ParseWithClaims(token, &BidderClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return AuthorizedEntity{}, false, fmt.Sprintf("parsing token: %s", err), nil
	}
	if !parsed.Valid {
		return AuthorizedEntity{}, false, "token invalid", nil
	}
	claims, ok := parsed.Claims.(*BidderClaims)
	if !ok {
		return AuthorizedEntity{}, false, "invalid claims", nil
	}
	if claims.Subject == "" {
		return AuthorizedEntity{}, false, "token has no subject", nil
	}
	return AuthorizedEntity{Identity: auction.BidderID(claims.Subject)}, true, "", nil
}
