package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/NoahCxrest/media-gateway/internal/server/gateway"
)

// NewHandler constructs the gateway's HTTP routes.
func NewHandler(opts gateway.Options) (http.Handler, error) {
	h, err := gateway.New(opts)
	if err != nil {
		return nil, err
	}

	router := httprouter.New()
	router.GET("/healthz", h.Health)
	router.GET("/providers", h.Providers)
	router.GET("/api/:provider/:operation", h.Operation)
	router.GET("/proxy/:provider/*path", h.Proxy)
	router.NotFound = http.HandlerFunc(h.NotFound)
	router.PanicHandler = h.Panic

	return router, nil
}
