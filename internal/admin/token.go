package admin

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nitro-bot/internal/repo"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "nitro-bot-admin"

var signingMethod = jwt.SigningMethodHS256

// ErrSecretMissing is returned when no signing secret is configured.
var ErrSecretMissing = errors.New("admin jwt secret is required")

// Claims is the payload of an admin token.
type Claims struct {
	UserID int64     `json:"uid"`
	Role   repo.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenConfig configures admin token minting.
type TokenConfig struct {
	Secret  string
	TTL     time.Duration
	BaseURL string
}

// Tokens mints and verifies admin bearer tokens.
type Tokens struct {
	cfg TokenConfig
	now func() time.Time
}

// NewTokens validates cfg and returns a token service.
func NewTokens(cfg TokenConfig) (*Tokens, error) {
	if cfg.Secret == "" {
		return nil, ErrSecretMissing
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Tokens{cfg: cfg, now: time.Now}, nil
}

// Mint issues a signed token for an administrator.
func (t *Tokens) Mint(userID int64, role repo.Role) (string, error) {
	if !role.CanAdminister() {
		return "", fmt.Errorf("role %q cannot administer", role)
	}
	now := t.now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.cfg.TTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString([]byte(t.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// Parse verifies raw and returns its claims.
func (t *Tokens) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		raw,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != signingMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return []byte(t.cfg.Secret), nil
		},
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	if !claims.Role.CanAdminister() {
		return nil, fmt.Errorf("role %q cannot administer", claims.Role)
	}
	return claims, nil
}

// AdminLink returns a panel URL carrying a fresh token.
func (t *Tokens) AdminLink(userID int64, role repo.Role) (string, error) {
	token, err := t.Mint(userID, role)
	if err != nil {
		return "", err
	}
	return t.cfg.BaseURL + "/admin/dashboard?token=" + url.QueryEscape(token), nil
}
