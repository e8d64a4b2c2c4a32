// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken wraps the next handler, rejecting any request that
// doesn't supply the given token in an "Authorization: Bearer"
// header. If token is empty, every request is rejected.
func RequireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			Error(w, "management API authentication is not configured", http.StatusForbidden)
			return
		}
		given, ok := bearerToken(r)
		if !ok {
			Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
			Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	ah := r.Header.Get("Authorization")
	if !strings.HasPrefix(ah, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(ah[len("Bearer "):])
	return tok, tok != ""
}
