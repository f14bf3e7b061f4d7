// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	userNameKey contextKey = "user_name"
	houseIDKey  contextKey = "house_id"
)

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

func SetUserName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, userNameKey, name)
}

func GetUserName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(userNameKey).(string)
	return name, ok
}

// SetHouseID sets the household the request is scoped to
func SetHouseID(ctx context.Context, houseID string) context.Context {
	return context.WithValue(ctx, houseIDKey, houseID)
}

// GetHouseID retrieves the household from the context
func GetHouseID(ctx context.Context) (string, bool) {
	houseID, ok := ctx.Value(houseIDKey).(string)
	return houseID, ok && houseID != ""
}

// SetAuthContext stores user, display name and household in one go.
func SetAuthContext(ctx context.Context, userID, name, houseID string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetUserName(ctx, name)
	ctx = SetHouseID(ctx, houseID)
	return ctx
}
