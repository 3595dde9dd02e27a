package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/storefind/storefind/internal/storage"
)

type contextKey string

const storeKey contextKey = "store"

// APIKeyAuth resolves the X-API-Key header to a registered store and places
// it on the request context. Requests without a valid key are rejected.
func APIKeyAuth(catalog *storage.Catalog) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing X-API-Key header")
				return
			}

			store, err := catalog.GetStoreByAPIKey(key)
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid API key")
				return
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to authenticate: %v", err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), storeKey, store)))
		})
	}
}

// storeFrom returns the authenticated store from the request context.
func storeFrom(r *http.Request) storage.Store {
	store, _ := r.Context().Value(storeKey).(storage.Store)
	return store
}
