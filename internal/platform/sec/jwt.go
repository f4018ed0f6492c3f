// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package sec provides cryptographic primitives and token management.
//
// # Architecture
//
// This package isolates security-sensitive code (Hashing, JWT Signing, Role
// ordering) from the domain logic. Domain services consume it through small
// interfaces so tests can substitute in-memory keys.
package sec

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audiences keep access tokens and invitation tokens from being swapped for one another.
const (
	AudienceAccess     = "portal-access"
	AudienceInvitation = "portal-invitation"
)

var (
	// ErrTokenExpired is returned when a token's exp claim is in the past.
	ErrTokenExpired = errors.New("sec: token expired")

	// ErrInvalidToken covers every other verification failure.
	ErrInvalidToken = errors.New("sec: invalid token")
)

// AuthClaims represents the payload embedded inside a JWT Access Token.
//
// The session id ties the token to a revocable server-side session, and the
// elevated flag records whether that session passed the second factor.
type AuthClaims struct {
	jwt.RegisteredClaims

	// Custom application claims are abbreviated to keep the JWT payload small.
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	Role      string `json:"rol"`
	Elevated  bool   `json:"mfa,omitempty"`
}

// InvitationClaims is the payload of an admin-issued registration invitation.
type InvitationClaims struct {
	jwt.RegisteredClaims

	Email        string   `json:"eml"`
	Role         string   `json:"rol"`
	HomeRegionID string   `json:"reg"`
	Regions      []string `json:"rgs,omitempty"`
	CompanyID    string   `json:"cmp,omitempty"`
	InvitedBy    string   `json:"inv"`
}

// TokenService handles generation and verification of JWT tokens using RS256.
type TokenService struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	now        func() time.Time
}

// NewTokenService creates a new TokenService.
// It reads RSA keys from the provided filesystem paths.
func NewTokenService(privateKeyPath, publicKeyPath, issuer string) (*TokenService, error) {
	privateKeyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to read private key from %s: %w", privateKeyPath, err)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyData)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to parse private key: %w", err)
	}

	publicKeyData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to read public key from %s: %w", publicKeyPath, err)
	}

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyData)
	if err != nil {
		return nil, fmt.Errorf("sec: failed to parse public key: %w", err)
	}

	return &TokenService{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		now:        time.Now,
	}, nil
}

// NewTokenServiceFromKey builds a TokenService from an in-memory key pair.
func NewTokenServiceFromKey(privateKey *rsa.PrivateKey, issuer string) *TokenService {
	return &TokenService{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		issuer:     issuer,
		now:        time.Now,
	}
}

// WithClock overrides the clock used for iat/exp. Intended for tests.
func (service *TokenService) WithClock(now func() time.Time) *TokenService {
	service.now = now
	return service
}

// AccessTokenInput lists the identity carried by an access token.
type AccessTokenInput struct {
	UserID    string
	SessionID string
	Role      string
	Elevated  bool
}

// GenerateAccessToken creates a new JWT access token bound to a session.
func (service *TokenService) GenerateAccessToken(input AccessTokenInput, timeToLive time.Duration) (string, error) {
	currentTime := service.now()
	claims := AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.UserID,
			Issuer:    service.issuer,
			Audience:  jwt.ClaimStrings{AudienceAccess},
			IssuedAt:  jwt.NewNumericDate(currentTime),
			ExpiresAt: jwt.NewNumericDate(currentTime.Add(timeToLive)),
		},
		UserID:    input.UserID,
		SessionID: input.SessionID,
		Role:      input.Role,
		Elevated:  input.Elevated,
	}

	return service.sign(claims)
}

// VerifyToken checks the signature and validity of an access token.
//
// Expiry is reported as [ErrTokenExpired]; every other failure as [ErrInvalidToken].
func (service *TokenService) VerifyToken(tokenString string) (*AuthClaims, error) {
	claims := &AuthClaims{}
	if err := service.parse(tokenString, claims, AudienceAccess); err != nil {
		return nil, err
	}

	if claims.UserID == "" || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}

	return claims, nil
}

// GenerateInvitationToken signs a registration invitation.
func (service *TokenService) GenerateInvitationToken(claims InvitationClaims, timeToLive time.Duration) (string, error) {
	currentTime := service.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.Email,
		Issuer:    service.issuer,
		Audience:  jwt.ClaimStrings{AudienceInvitation},
		IssuedAt:  jwt.NewNumericDate(currentTime),
		ExpiresAt: jwt.NewNumericDate(currentTime.Add(timeToLive)),
	}

	return service.sign(claims)
}

// VerifyInvitationToken validates an invitation and returns its payload.
func (service *TokenService) VerifyInvitationToken(tokenString string) (*InvitationClaims, error) {
	claims := &InvitationClaims{}
	if err := service.parse(tokenString, claims, AudienceInvitation); err != nil {
		return nil, err
	}

	if claims.Email == "" {
		return nil, fmt.Errorf("%w: missing invitation email", ErrInvalidToken)
	}

	return claims, nil
}

// sign serializes and signs any claim set with the private key.
func (service *TokenService) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(service.privateKey)
	if err != nil {
		return "", fmt.Errorf("sec: failed to sign token: %w", err)
	}
	return signedToken, nil
}

// parse verifies signature, issuer, audience and expiry, then classifies the failure.
func (service *TokenService) parse(tokenString string, claims jwt.Claims, audience string) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(service.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(service.now),
	)

	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return service.publicKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return ErrInvalidToken
	}

	return nil
}
