// Package api exposes the dispatch core over HTTP and websockets.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kilianp07/ambulance/config"
	"github.com/kilianp07/ambulance/core/fanout"
	"github.com/kilianp07/ambulance/core/geo"
	"github.com/kilianp07/ambulance/core/lifecycle"
	"github.com/kilianp07/ambulance/core/logger"
	"github.com/kilianp07/ambulance/core/model"
)

// Identity headers. Authentication happens upstream; the values are trusted.
const (
	HeaderPatientID = "X-Patient-ID"
	HeaderDriverID  = "X-Driver-ID"
)

// Dispatcher is the subset of the coordinator used by the handlers.
type Dispatcher interface {
	Submit(ctx context.Context, req lifecycle.CreateRequest) (model.EmergencyRequest, error)
	Cancel(ctx context.Context, emergencyID, patientID string) (model.EmergencyRequest, error)
	Progress(ctx context.Context, emergencyID string, ev lifecycle.Event, driverID string) (model.EmergencyRequest, error)
	Respond(ctx context.Context, offerID string, decision model.Decision, driverID string) (model.Assignment, error)
	Withdraw(ctx context.Context, offerID, driverID, reason string) (model.Assignment, error)
	Assignment(ctx context.Context, id string) (model.Assignment, error)
	History(ctx context.Context, emergencyID string) ([]model.Assignment, error)
	RegisterAmbulance(ctx context.Context, a model.Ambulance) (model.Ambulance, error)
	RecordLocation(ctx context.Context, ambulanceID string, loc model.Location, at time.Time) (model.Ambulance, bool, error)
	SetAvailability(ctx context.Context, ambulanceID string, online bool) (model.Ambulance, error)
	AuditLog
}

// Emergencies reads emergency requests.
type Emergencies interface {
	Get(ctx context.Context, id string) (model.EmergencyRequest, error)
	ListActive(ctx context.Context, patientID string) ([]model.EmergencyRequest, error)
}

// Fleet answers location queries.
type Fleet interface {
	Get(ctx context.Context, id string) (model.Ambulance, error)
	List(ctx context.Context) []model.Ambulance
	NearestAvailable(ctx context.Context, loc model.Location, limit int) ([]geo.Candidate, error)
	NearestHospitals(loc model.Location, limit int) []geo.HospitalCandidate
	Counts() (available, total int)
}

// Subscriber opens live topic subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (*fanout.Subscription, error)
}

// Deps groups the collaborators of the server.
type Deps struct {
	Dispatcher  Dispatcher
	Emergencies Emergencies
	Fleet       Fleet
	Hub         Subscriber
	Logger      logger.Logger
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front of the dispatch service.
type Server struct {
	cfg    config.APIConfig
	deps   Deps
	log    logger.Logger
	router *gin.Engine
	srv    *http.Server
}

// NewServer builds the router. Dispatcher, Emergencies, Fleet and Hub are
// required.
func NewServer(cfg config.APIConfig, deps Deps) (*Server, error) {
	if deps.Dispatcher == nil || deps.Emergencies == nil || deps.Fleet == nil || deps.Hub == nil {
		return nil, errors.New("api: dispatcher, emergencies, fleet and hub are required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, deps: deps, log: logger.OrNop(deps.Logger)}
	s.router = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(zerologOf(s.log)))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  s.cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", HeaderPatientID, HeaderDriverID},
		ExposeHeaders: []string{"Content-Length"},
	}))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	if s.cfg.RateLimit > 0 {
		api.Use(RateLimitMiddleware(s.cfg.RateLimit, s.cfg.RateBurst))
	}

	api.POST("/emergency", s.createEmergency)
	api.GET("/emergency/:id", s.getEmergency)
	api.POST("/emergency/:id/cancel", s.cancelEmergency)
	api.POST("/emergency/:id/progress", s.progressEmergency)
	api.GET("/emergency/:id/assignments", s.assignmentHistory)
	api.GET("/emergency/:id/subscribe", s.subscribe(fanout.EmergencyTopic))
	api.GET("/patient/:id/emergencies", s.patientEmergencies)

	api.GET("/assignment/:id", s.getAssignment)
	api.POST("/assignment/:id/respond", s.respond)
	api.POST("/assignment/:id/withdraw", s.withdraw)

	api.GET("/ambulance", gin.WrapH(NewFleetStatusHandler(s.deps.Fleet)))
	api.GET("/ambulance/nearby", s.nearbyAmbulances)
	api.GET("/ambulance/:id", s.getAmbulance)
	api.PUT("/ambulance/:id", s.registerAmbulance)
	api.POST("/ambulance/:id/location", s.recordLocation)
	api.POST("/ambulance/:id/availability", s.setAvailability)
	api.GET("/ambulance/:id/subscribe", s.subscribe(fanout.AmbulanceTopic))

	api.GET("/hospital/nearby", s.nearbyHospitals)

	api.GET("/audit", gin.WrapH(NewAuditHandler(s.deps.Dispatcher, s.cfg.AuditToken)))
	return r
}

// Run serves until ctx is done, then shuts down within the configured
// timeout. Open websocket connections are hijacked and are ended by closing
// the hub.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("api listening on %s", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) health(c *gin.Context) {
	available, total := s.deps.Fleet.Counts()
	ok(c, http.StatusOK, gin.H{
		"status":               "ok",
		"ambulances_available": available,
		"ambulances_total":     total,
	})
}

func zerologOf(l logger.Logger) zerolog.Logger {
	if z, ok := l.(interface{ Zerolog() zerolog.Logger }); ok {
		return z.Zerolog()
	}
	return zerolog.Nop()
}
