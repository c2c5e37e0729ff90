package dispatcher

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhunismp/vision-batch-dispatch/internal/describer"
	"github.com/zhunismp/vision-batch-dispatch/internal/objectstore"
	"github.com/zhunismp/vision-batch-dispatch/internal/partition"
	"github.com/zhunismp/vision-batch-dispatch/internal/queue"
	"github.com/zhunismp/vision-batch-dispatch/internal/shardstore"
	"github.com/zhunismp/vision-batch-dispatch/internal/telemetry"
	"github.com/zhunismp/vision-batch-dispatch/internal/workerpool"
)

// Deps bundles the constructed dependencies the Dispatcher needs. Every
// field is passed in explicitly — no ambient singletons — per spec.md's
// design note that the object-store client, queue, and describer client
// should be constructed dependencies, not package-level globals.
type Deps struct {
	Partitioner  *partition.Partitioner
	Store        *shardstore.Store
	Pool         *workerpool.Pool // single-process mode
	Queue        *queue.Queue     // distributed mode
	Runner       *queue.Runner    // distributed worker-side lease loop
	Describer    *describer.Client
	ObjectStore  objectstore.Store
	WorkerMode   bool
	WorkerID     string
	Partitions   []int
	Log          zerolog.Logger
	RateLimiter  fiber.Handler
	Metrics      *telemetry.Recorder
}

// Server wraps the fiber app the way transport.HttpServer does in the
// teacher repo: middleware registration in the constructor, routes
// registered separately, explicit Start/Shutdown.
type Server struct {
	app  *fiber.App
	deps Deps
}

func NewServer(deps Deps) *Server {
	app := fiber.New(fiber.Config{
		AppName:   "vision-batch-dispatch",
		BodyLimit: 200 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} - ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
	}))

	s := &Server{app: app, deps: deps}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	h := &handlers{deps: s.deps}

	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	s.app.Get("/health", h.Health)
	s.app.Post("/worker", h.WorkerBootstrap)
	s.app.Get("/worker", h.WorkerStatus)

	process := s.app.Group("/")
	if s.deps.RateLimiter != nil {
		process.Use(s.deps.RateLimiter)
	}
	process.Post("/process", h.Process)
	process.Post("/ingest", h.Ingest)
}

func (s *Server) Start(host string, port int) {
	addr := fmt.Sprintf("%s:%d", host, port)
	go func() {
		if err := s.app.Listen(addr); err != nil {
			s.deps.Log.Error().Err(err).Msg("http server stopped")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
