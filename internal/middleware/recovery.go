// Package middleware holds the HTTP middleware applied ahead of DICOMweb
// dispatch: panic recovery, request logging, rate and concurrency limiting.
package middleware

import (
	"net/http"

	"github.com/dicomkit/dicomweb-server/internal/weberror"
	"github.com/rs/zerolog/log"
)

// Recovery middleware recovers from panics
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Msg("Panic recovered")

				weberror.Write(w, weberror.New(weberror.KindInternal, "internal server error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
