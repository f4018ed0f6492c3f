// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package request provides utilities for extracting data from HTTP requests.

It abstracts away the underlying router's parameter extraction, bearer
credential parsing and common body decoding patterns, ensuring consistent
error handling and type safety.
*/
package requestutil

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/portalcore/internal/platform/apperr"
	"github.com/taibuivan/portalcore/internal/platform/ctxutil"
	"github.com/taibuivan/portalcore/internal/platform/sec"
	"github.com/taibuivan/portalcore/internal/platform/validate"
)

// maxBodyBytes caps JSON request bodies. Auth payloads are tiny.
const maxBodyBytes = 64 << 10

/*
DecodeJSON reads the request body and decodes it into the target structure.

Parameters:
  - request: *http.Request
  - target: interface{} (Pointer to the destination struct)

Returns:
  - error: validate.ErrInvalidJSON if decoding fails, otherwise nil
*/
func DecodeJSON(request *http.Request, target interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, request.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		return validate.ErrInvalidJSON
	}
	return nil
}

/*
Param retrieves a named URL parameter from the request.
*/
func Param(request *http.Request, name string) string {
	return chi.URLParam(request, name)
}

/*
BearerToken extracts the credential from an "Authorization: Bearer <token>" header.

Returns:
  - string: The raw token, empty when the header is absent
  - error: apperr.InvalidToken if the header is present but malformed
*/
func BearerToken(request *http.Request) (string, error) {
	header := request.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", apperr.InvalidToken("Invalid authorization format")
	}

	return strings.TrimSpace(token), nil
}

/*
Claims extracts the authenticated user claims from the request context.

Returns nil if the request is not authenticated.
*/
func Claims(request *http.Request) *sec.AuthClaims {
	return ctxutil.GetAuthUser(request.Context())
}

/*
RequiredClaims ensures the request is authenticated and returns the user claims.

Returns:
  - *sec.AuthClaims: The authenticated user claims
  - error: apperr.Unauthorized if the request is not authenticated
*/
func RequiredClaims(request *http.Request) (*sec.AuthClaims, error) {

	// Get user claims
	claims := ctxutil.GetAuthUser(request.Context())

	// If the user is not authenticated, return an error
	if claims == nil {
		return nil, apperr.Unauthorized("Authentication required")
	}

	return claims, nil
}

/*
Client returns the IP and user agent recorded for this request.

The logging middleware stores them; requests that bypassed it fall back to
the raw connection values.
*/
func Client(request *http.Request) ctxutil.ClientInfo {
	info := ctxutil.GetClientInfo(request.Context())
	if info.IP == "" {
		info.IP = request.RemoteAddr
	}
	if info.UserAgent == "" {
		info.UserAgent = request.UserAgent()
	}
	return info
}
