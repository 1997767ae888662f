// relayd bridges the durable store's Kafka change log onto the push side: it
// republishes each change as a wire frame on the conversation's redis topic
// and fans it out to websocket clients attached to this process. It also
// serves presence snapshots and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	redischan "github.com/yourorg/convsync/internal/channel/redis"
	"github.com/yourorg/convsync/internal/config"
	"github.com/yourorg/convsync/internal/identity"
	"github.com/yourorg/convsync/internal/logger"
	"github.com/yourorg/convsync/internal/metrics"
	"github.com/yourorg/convsync/internal/relay"
)

// jwtAuth guards the REST surface with a bearer token check.
func jwtAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get("Authorization")
		parts := strings.SplitN(auth, " ", 2)
		if auth == "" || len(parts) != 2 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization"})
		}
		verifier := identity.NewJWT(secret, func(context.Context) (string, error) {
			return parts[1], nil
		})
		userID, err := verifier.CurrentUser(c.Context())
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}
		c.Locals("userID", userID)
		return c.Next()
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	zl, err := logger.New(logger.Config{Development: cfg.App.Env == "development", Name: "relayd"})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pushChan := redischan.New(rdb, cfg.Redis.Prefix, zl)

	hub := relay.NewHub()
	consumer := relay.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ChangelogTopic, cfg.Kafka.GroupID, pushChan, hub, zl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		if err := rdb.Ping(c.Context()).Err(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "redis unreachable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/v1/conversations/:id/presence", jwtAuth(cfg.JWT.HSSecret), func(c *fiber.Ctx) error {
		entries, err := pushChan.Snapshot(c.Context(), "conversation:"+c.Params("id"))
		if err != nil {
			zl.Errorw("presence snapshot failed", "conversation", c.Params("id"), "err", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "presence unavailable"})
		}
		return c.JSON(fiber.Map{"presence": entries})
	})

	app.Use("/v1/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// /v1/ws/:id?token=<jwt> attaches a client to one conversation's frame feed.
	app.Get("/v1/ws/:id", websocket.New(func(c *websocket.Conn) {
		token := c.Query("token")
		convID := c.Params("id")
		if token == "" || convID == "" {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"error":"missing token or conversation id"}`))
			_ = c.Close()
			return
		}
		verifier := identity.NewJWT(cfg.JWT.HSSecret, func(context.Context) (string, error) {
			return token, nil
		})
		userID, err := verifier.CurrentUser(context.Background())
		if err != nil {
			_ = c.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid token"}`))
			_ = c.Close()
			return
		}

		client := relay.NewClient(uuid.NewString(), userID, c)
		topic := "conversation:" + convID
		hub.Add(client)
		hub.Watch(topic, client.ID)
		zl.Infow("websocket attached", "user", userID, "conversation", convID)

		go client.WritePump()

		// inbound traffic is ignored; the read loop only detects disconnects
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unwatch(topic, client.ID)
		hub.Remove(client.ID)
		zl.Infow("websocket detached", "user", userID, "conversation", convID)
	}))

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Sync.MetricsPort),
		Handler: metrics.Handler(),
	}

	errs := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		zl.Infow("relay listening", "addr", addr)
		errs <- app.Listen(addr)
	}()
	go func() {
		errs <- metricsSrv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		zl.Fatalw("server error", "err", err)
	case s := <-sig:
		zl.Infow("signal received", "signal", s.String())
	}

	cancel()
	if err := consumer.Close(); err != nil {
		zl.Warnw("consumer close failed", "err", err)
	}
	if err := app.Shutdown(); err != nil {
		zl.Warnw("fiber shutdown failed", "err", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	zl.Infow("relay stopped")
}
