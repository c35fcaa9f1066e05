package server

import (
	"context"
	"log"
	"sync"
	"time"

	"fleet-triptracker/internal/auth"
	"fleet-triptracker/internal/config"
	"fleet-triptracker/internal/destination"
	"fleet-triptracker/internal/fleet"
	"fleet-triptracker/internal/location"
	"fleet-triptracker/internal/motion"
	"fleet-triptracker/internal/outbox"
	"fleet-triptracker/internal/route"
	"fleet-triptracker/internal/sensor"
	"fleet-triptracker/internal/shared/geo"
	"fleet-triptracker/internal/shared/retry"
	"fleet-triptracker/internal/stream"
	"fleet-triptracker/internal/trip"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const lastKnownTTL = 24 * time.Hour

type Server struct {
	App        *fiber.App
	Cfg        config.Config
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Stream     *stream.Hub
	Signer     *auth.Signer
	Feed       *sensor.Feed
	Resolver   *location.Resolver
	Classifier *motion.Classifier
	Monitor    *outbox.Monitor
	Trips      *trip.Controller

	wg sync.WaitGroup
}

// NewServer wires the agent. db and redisClient may be nil; route history
// and destinations are then unavailable and caches stay in memory. Extra
// notifiers receive every trip event alongside the stream hub.
func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client, notifiers ...trip.Notifier) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     db,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient),
		Signer: auth.NewSigner(cfg.JWTSecret, cfg.DeviceID),
		Feed:   sensor.NewFeed(0),
	}

	fleetClient := fleet.NewClient(cfg.FleetAPIURL, s.Signer, cfg.FleetTimeout)

	var cache location.LastKnownStore = location.NewMemoryStore()
	var queue outbox.Queue = outbox.NewMemoryQueue(outbox.DefaultMaxQueued)
	if redisClient != nil {
		cache = location.NewRedisStore(redisClient, cfg.DeviceID, lastKnownTTL)
		queue = outbox.NewRedisQueue(redisClient, cfg.DeviceID, outbox.DefaultMaxQueued)
	}
	s.Monitor = outbox.NewMonitor(fleetClient, fleetClient, queue, cfg.ProbeInterval)

	s.Resolver = location.NewResolver(resolverDeps(cfg, s.Feed, cache, s.Monitor), resolverSettings(cfg))
	s.Classifier = motion.NewClassifier(s.Feed, motion.Settings{
		TickInterval:   cfg.MotionTick,
		Capacity:       cfg.MotionWindow,
		Threshold:      cfg.MotionThreshold,
		ErrorThreshold: cfg.MotionErrorThreshold,
		OnDisabled: func(err error) {
			log.Printf("server: motion classifier off: %v", err)
		},
	})

	sender := outbox.NewSender(s.Monitor, fleetClient, retry.Policy{
		MaxAttempts: cfg.SyncMaxAttempts,
		Delay:       cfg.SyncRetryDelay,
		Multiplier:  2,
	})

	deps := trip.Deps{
		Remote:   fleetClient,
		Motion:   s.Classifier,
		Sender:   sender,
		Notifier: append(trip.Notifiers{s.Stream}, notifiers...),
	}
	if db != nil {
		deps.Route = route.NewStore(db)
		deps.Destinations = destination.NewService(db)
	}
	s.Trips = trip.NewController(deps, tripSettings(cfg))

	registerRoutes(s)
	return s
}

func resolverDeps(cfg config.Config, feed *sensor.Feed, cache location.LastKnownStore, reporter location.Reporter) location.Deps {
	deps := location.Deps{
		Sensor:    feed,
		Providers: location.ProvidersFromURLs(cfg.IPProviders, cfg.SensorTimeout),
		Cache:     cache,
		Reporter:  reporter,
	}
	if cfg.NetworkLocatorURL != "" {
		deps.Network = location.NewHTTPLocator(cfg.NetworkLocatorURL, feed, cfg.SensorTimeout)
	}
	return deps
}

func resolverSettings(cfg config.Config) location.Settings {
	settings := location.Settings{CacheMaxAge: cfg.CacheMaxAge}
	if cfg.AllowDefault {
		settings.DefaultPosition = &geo.Coord{Lat: cfg.DefaultLat, Lng: cfg.DefaultLng}
	}
	return settings
}

func tripSettings(cfg config.Config) trip.Settings {
	settings := trip.Settings{
		DeviceID:             cfg.DeviceID,
		CheckInterval:        cfg.CheckInterval,
		MinVehicleConfidence: cfg.MinVehicleConfidence,
		AutoStartDistanceKm:  cfg.AutoStartDistanceKm,
		MinStationaryTime:    cfg.MinStationaryTime,
	}
	if cfg.HasDestination() {
		settings.Destination = &geo.Coord{Lat: cfg.DestinationLat, Lng: cfg.DestinationLng}
	}
	duty, err := trip.ParseDutySchedule(cfg.DutyStart, cfg.DutyEnd, cfg.DutyTimezone)
	if err != nil {
		log.Printf("server: duty schedule ignored: %v", err)
	}
	settings.Duty = duty
	return settings
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	s.App.Get("/status", func(c *fiber.Ctx) error {
		var last *location.Sample
		if sample, ok := s.Trips.LastSample(); ok {
			last = &sample
		}
		return c.JSON(fiber.Map{
			"last_sample":      last,
			"online":           s.Monitor.IsOnline(),
			"pending_updates":  s.Monitor.Pending(c.Context()),
			"sensor":           s.Monitor.SensorStatus(),
			"motion":           s.Classifier.Classify(),
			"motion_supported": s.Classifier.Supported(),
			"trip":             s.Trips.State(),
		})
	})

	operatorOnly := auth.JWTMiddleware(s.Signer, auth.RoleOperator)
	deviceOrOperator := auth.JWTMiddleware(s.Signer, auth.RoleDevice, auth.RoleOperator)

	auth.RegisterRoutes(s.App.Group("/auth"), s.Signer)
	sensor.RegisterRoutes(s.App.Group("/sensors", deviceOrOperator), s.Feed, s.Resolver)
	trip.RegisterRoutes(s.App.Group("/trips"), s.Trips, operatorOnly)
	if s.DB != nil {
		route.RegisterRoutes(s.App.Group("/routes"), route.NewService(route.NewStore(s.DB)))
		destination.RegisterRoutes(s.App.Group("/destinations"), destination.NewService(s.DB), s.Cfg.DeviceID, operatorOnly)
	}
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}

// Start launches the classifier, the connectivity monitor and the
// location watch feeding the trip controller. They stop when ctx ends;
// Wait blocks until they have.
func (s *Server) Start(ctx context.Context) {
	s.wg.Add(4)

	go func() {
		defer s.wg.Done()
		if err := s.Classifier.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("server: motion classifier stopped: %v", err)
		}
	}()

	go func() {
		defer s.wg.Done()
		s.Monitor.Run(ctx)
	}()

	watch := s.Resolver.Watch(ctx, location.Options{
		Timeout:            s.Cfg.SensorTimeout,
		BackgroundTracking: s.Cfg.BackgroundTracking,
		PollInterval:       s.Cfg.PollInterval,
	})

	go func() {
		defer s.wg.Done()
		for err := range watch.Errors() {
			log.Printf("server: location: %v", err)
		}
	}()

	go func() {
		defer s.wg.Done()
		defer watch.Stop()
		if err := s.Trips.Run(ctx, watch.Samples()); err != nil && ctx.Err() == nil {
			log.Printf("server: trip controller stopped: %v", err)
		}
	}()
}

func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) Close() {
	if err := s.Stream.Close(); err != nil {
		log.Printf("server: close stream: %v", err)
	}
}
