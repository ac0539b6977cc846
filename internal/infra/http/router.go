package http

import (
	"net/http"
)

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Router is the routing surface the route table is written against.
type Router interface {
	// Middleware is applied in order: first middleware wraps outermost.
	GET(path string, handler http.HandlerFunc, middlewares ...Middleware)
	POST(path string, handler http.HandlerFunc, middlewares ...Middleware)
	DELETE(path string, handler http.HandlerFunc, middlewares ...Middleware)

	// Handle mounts a plain handler (e.g. promhttp) for all methods.
	Handle(path string, handler http.Handler)

	// Group creates a new route group with prefix and optional middleware.
	Group(prefix string, fn func(Router), middlewares ...Middleware)

	// Use adds middleware applied to every route.
	Use(middlewares ...Middleware)

	Handler() http.Handler

	// Walk iterates over all registered routes.
	Walk(fn func(method, path string, handler http.Handler) error) error
}

// Chain applies middlewares to a handler.
// The first middleware in the list will be the outermost (executed first).
func Chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
