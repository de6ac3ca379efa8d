package gateway

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSMiddleware allows cross-origin requests from the given origins.
// A "*" entry allows every origin.
func CORSMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           86400,
	})
	return c.Handler(next)
}
