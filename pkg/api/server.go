package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/koprogo/greengrid/pkg/auth"
	"github.com/koprogo/greengrid/pkg/bandwidth"
	"github.com/koprogo/greengrid/pkg/ratelimit"
	"github.com/koprogo/greengrid/pkg/tracing"
)

// RouterOptions selects the middleware wrapped around the API
type RouterOptions struct {
	Auth        *auth.Authenticator
	NodeLimiter *ratelimit.Limiter // applied to node routes, keyed per node
	Bandwidth   *bandwidth.Monitor
	Tracing     *tracing.Provider
	Metrics     http.Handler // served on /metrics when set
}

// RouteName returns the mux route name of r, or "" outside the router
func RouteName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		return route.GetName()
	}
	return ""
}

// NewRouter builds the coordinator router with its middleware chain
func NewRouter(h *GridHandler, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()

	if opts.Tracing != nil {
		r.Use(mux.MiddlewareFunc(tracing.HTTPMiddleware(opts.Tracing, RouteName)))
	}
	if opts.Bandwidth != nil {
		r.Use(opts.Bandwidth.Middleware)
	}

	node := func(next http.Handler) http.Handler {
		if opts.NodeLimiter != nil {
			next = opts.NodeLimiter.Middleware(ratelimit.PathVarKeyFunc(nodeKey))(next)
		}
		if opts.Auth != nil {
			next = opts.Auth.Node(next)
		}
		return next
	}
	var operator func(http.Handler) http.Handler
	if opts.Auth != nil {
		operator = opts.Auth.Operator
	}

	h.RegisterRoutes(r, node, operator)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods("GET").Name("metrics")
	}
	return r
}

// nodeKey identifies the calling node for rate limiting
func nodeKey(r *http.Request) string {
	if id := auth.NodeIDFromContext(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(auth.NodeIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("node_id")
}
