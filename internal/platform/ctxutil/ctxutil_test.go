// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ctxutil_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/portalcore/internal/platform/ctxutil"
	"github.com/taibuivan/portalcore/internal/platform/sec"
)

/*
TestContext_RequestID verifies that Request IDs can be injected and retrieved.
*/
func TestContext_RequestID(t *testing.T) {
	ctx := context.Background()
	requestID := "test-request-id"

	// 1. Initially should be empty
	assert.Empty(t, ctxutil.GetRequestID(ctx))

	// 2. Inject and retrieve
	ctx = ctxutil.WithRequestID(ctx, requestID)
	assert.Equal(t, requestID, ctxutil.GetRequestID(ctx))
}

/*
TestContext_Logger verifies that a custom logger can be stored in context.
*/
func TestContext_Logger(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	assert.Equal(t, slog.Default(), ctxutil.GetLogger(ctx))

	ctx = ctxutil.WithLogger(ctx, logger)
	assert.Equal(t, logger, ctxutil.GetLogger(ctx))
}

/*
TestContext_AuthUser verifies that access claims and the derived actor id round-trip.
*/
func TestContext_AuthUser(t *testing.T) {
	ctx := context.Background()

	assert.Nil(t, ctxutil.GetAuthUser(ctx))
	assert.Nil(t, ctxutil.ActorID(ctx))

	ctx = ctxutil.WithAuthUser(ctx, &sec.AuthClaims{UserID: "user-123", SessionID: "s-1", Role: "owner"})
	retrieved := ctxutil.GetAuthUser(ctx)

	require.NotNil(t, retrieved)
	assert.Equal(t, "user-123", retrieved.UserID)
	assert.Equal(t, "owner", retrieved.Role)

	actor := ctxutil.ActorID(ctx)
	require.NotNil(t, actor)
	assert.Equal(t, "user-123", *actor)
}

/*
TestContext_ClientInfo verifies the network origin helper.
*/
func TestContext_ClientInfo(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctxutil.ClientInfo{}, ctxutil.GetClientInfo(ctx))

	ctx = ctxutil.WithClientInfo(ctx, ctxutil.ClientInfo{IP: "10.0.0.1", UserAgent: "curl/8"})
	assert.Equal(t, "10.0.0.1", ctxutil.GetClientInfo(ctx).IP)
	assert.Equal(t, "curl/8", ctxutil.GetClientInfo(ctx).UserAgent)
}
