package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"taskpipe/internal/statestore"
)

// Idempotency makes state-changing requests replay-safe: a request that
// carries an Idempotency-Key header is executed at most once, repeats get
// 409. Keys live in the shared state store so every instance sees them.
func Idempotency(store statestore.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := fmt.Sprintf("idempotency:%s", key)
			ctx := r.Context()

			_, err := store.Get(ctx, idemKey)
			if err == nil {
				w.Header().Set("X-Idempotency-Hit", "true")
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error": "request already processed"}`))
				return
			}
			if !errors.Is(err, statestore.ErrNotFound) {
				// Store trouble must not block the operation itself.
				next.ServeHTTP(w, r)
				return
			}

			// Short lock first so a crash mid-request cannot wedge the key.
			acquired, err := store.SetNX(ctx, idemKey, []byte("processing"), 10*time.Second)
			if err != nil || !acquired {
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error": "concurrent request"}`))
				return
			}

			next.ServeHTTP(w, r)

			store.Set(ctx, idemKey, []byte("completed"), 24*time.Hour)
		})
	}
}
