package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-triptracker/internal/config"
	"fleet-triptracker/internal/db"
	"fleet-triptracker/internal/rmq"
	"fleet-triptracker/internal/server"
	"fleet-triptracker/internal/trip"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	ensureSchema    func(context.Context, db.Querier) error
	connectRedis    func(config.Config) *redis.Client
	connectRabbit   func(context.Context, config.Config) (*rmq.Publisher, error)
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, Resources, <-chan os.Signal, ListenFunc) error
}

// Resources are the external connections handed to Run. Any may be nil.
type Resources struct {
	Config    config.Config
	Postgres  *pgxpool.Pool
	Redis     *redis.Client
	Publisher *rmq.Publisher
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		ensureSchema:    db.EnsureSchema,
		connectRedis:    db.ConnectRedis,
		connectRabbit:   connectRabbit,
		notify:          signal.Notify,
		run:             Run,
	}
}

func connectRabbit(ctx context.Context, cfg config.Config) (*rmq.Publisher, error) {
	if cfg.RabbitMQURL == "" {
		return nil, nil
	}
	return rmq.Dial(ctx, cfg.RabbitMQURL, cfg.RabbitMQExch, cfg.DeviceID)
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		return
	}

	res := Resources{Config: cfg}

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		log.Printf("postgres connection failed: %v", err)
	} else if err := deps.ensureSchema(context.Background(), pg); err != nil {
		log.Printf("postgres schema failed: %v", err)
	}
	res.Postgres = pg

	res.Redis = deps.connectRedis(cfg)

	pub, err := deps.connectRabbit(context.Background(), cfg)
	if err != nil {
		log.Printf("rabbitmq connection failed: %v", err)
	}
	res.Publisher = pub

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), res, signals, nil); err != nil {
		log.Printf("agent exited with error: %v", err)
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the background loops and the HTTP server, then waits for a
// termination signal.
func Run(ctx context.Context, res Resources, signals <-chan os.Signal, listen ListenFunc) error {
	var notifiers []trip.Notifier
	if res.Publisher != nil {
		notifiers = append(notifiers, res.Publisher)
	}
	srv := server.NewServer(res.Config, res.Postgres, res.Redis, notifiers...)

	if listen == nil {
		listen = defaultListen
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	srv.Start(loopCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, res.Config.ServerPort)
	}()

	var listenErr error
	select {
	case <-signals:
	case <-ctx.Done():
	case listenErr = <-errCh:
	}

	stopLoops()
	srv.Wait()
	srv.Close()

	if listenErr != nil {
		return listenErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil {
		return err
	}
	if res.Publisher != nil {
		if err := res.Publisher.Close(); err != nil {
			log.Printf("rabbitmq close: %v", err)
		}
	}
	if res.Postgres != nil {
		res.Postgres.Close()
	}
	if res.Redis != nil {
		_ = res.Redis.Close()
	}
	return nil
}
