package httpserver

import (
	"log"
	"net/http"

	"github.com/rustworthy/batching-proxy/internal/http/handlers"
	"github.com/rustworthy/batching-proxy/internal/http/middleware"
	"github.com/rustworthy/batching-proxy/internal/telemetry"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", deps.API.Embed)
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.Handle("/metrics", telemetry.Handler())

	handler := http.Handler(mux)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
