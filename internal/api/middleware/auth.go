// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/api/ctxkeys"
	"github.com/nukleus/jobagent/internal/reconcile"
)

const (
	HeaderAPIKey       = "X-API-Key"
	HeaderInvokeUser   = "X-Invoke-User"
	HeaderInvokeClient = "X-Invoke-Client"
)

// RequireToken accepts requests carrying token as a bearer token or in
// X-API-Key. An empty token disables the check. The caller may name the user
// and client a manual run acts for; that identity lands in the context.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				presented := r.Header.Get(HeaderAPIKey)
				if presented == "" {
					if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
						presented = strings.TrimPrefix(auth, "Bearer ")
					}
				}
				if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
					log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("api: rejected unauthenticated request")
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}

			invoker := reconcile.Identity{
				UserID:   strings.TrimSpace(r.Header.Get(HeaderInvokeUser)),
				ClientID: strings.TrimSpace(r.Header.Get(HeaderInvokeClient)),
			}
			if invoker.UserID == "" {
				invoker.UserID = "api"
			}
			ctx := context.WithValue(r.Context(), ctxkeys.Invoker, invoker)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
