// Package api exposes the relay service over HTTP: submitting relay requests,
// querying their status and tailing their progress as a server-sent event
// stream.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/storage"
	"github.com/veilpay/relayer/types"
)

// RelayBackend is the service surface the API depends on. It is implemented
// by service.RelayService.
type RelayBackend interface {
	// Submit validates nothing: the API validates, the backend only queues.
	// It returns the id of the accepted job.
	Submit(req *types.RelayRequest) (uuid.UUID, error)
	// Job returns the stored record of a relay job.
	Job(id uuid.UUID) (*storage.Job, error)
	// ProgressEvents returns the persisted progress log of a job.
	ProgressEvents(id uuid.UUID) ([]*types.PipelineProgress, error)
	// Subscribe attaches to the live progress stream of a running job. The
	// boolean reports whether the job is currently running.
	Subscribe(id uuid.UUID) (<-chan *types.PipelineProgress, func(), bool)
}

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host    string
	Port    int
	Backend RelayBackend
}

// API type represents the relay API HTTP server.
type API struct {
	router  *chi.Mux
	backend RelayBackend
}

// New creates a new API instance with the given configuration and starts the
// HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Backend == nil {
		return nil, fmt.Errorf("missing relay backend")
	}
	a := &API{
		backend: conf.Backend,
	}

	a.initRouter()
	go func() {
		log.Infow("Starting API server", "host", conf.Host, "port", conf.Port)
		if err := http.ListenAndServe(fmt.Sprintf("%s:%d", conf.Host, conf.Port), a.router); err != nil {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the API handlers.
func (a *API) registerHandlers(r chi.Router) {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	r.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})
	log.Infow("register handler", "endpoint", RelaysEndpoint, "method", "POST")
	r.Post(RelaysEndpoint, a.submitRelay)
	log.Infow("register handler", "endpoint", RelayEndpoint, "method", "GET")
	r.Get(RelayEndpoint, a.relayStatus)
}

// initRouter creates the router with all the routes and middleware. The event
// stream endpoint lives outside the request-timeout group: a relay can take
// many minutes and its stream must outlive any sane request deadline.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}).Handler)
	a.router.Use(middleware.Logger)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.ThrottleBacklog(5000, 40000, 60*time.Second))

	a.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(45 * time.Second))
		a.registerHandlers(r)
	})
	a.router.Group(func(r chi.Router) {
		log.Infow("register handler", "endpoint", RelayStreamEndpoint, "method", "GET")
		r.Get(RelayStreamEndpoint, a.relayStream)
	})
}
