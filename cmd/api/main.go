package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"qrattend/internal/attendance"
	"qrattend/internal/auth"
	"qrattend/internal/config"
	"qrattend/internal/directory"
	"qrattend/internal/handler"
	"qrattend/internal/presence"
	"qrattend/internal/queue"
	"qrattend/internal/session"
	"qrattend/internal/store"
	"qrattend/internal/token"
)

func main() {
	issueFor := flag.String("issue-token", "", "print a bearer token for the given login subject and exit")
	flag.Parse()

	cfg := config.Load()

	if *issueFor != "" {
		signed, exp, err := auth.Issue(*issueFor, "attendee", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(signed)
		log.Printf("token for %s expires at %s", *issueFor, exp.Format(time.RFC3339))
		return
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

type backends struct {
	sessions session.Repository
	records  attendance.Repository
	dir      directory.Directory
	health   map[string]handler.HealthChecker
	closers  []func() error
}

func openBackends(ctx context.Context, cfg config.App, scheme directory.Scheme) (*backends, error) {
	b := &backends{health: make(map[string]handler.HealthChecker)}
	switch cfg.StoreBackend {
	case "memory":
		dir, err := directory.LoadMemory(cfg.DirectorySeed, scheme)
		if err != nil {
			return nil, err
		}
		b.sessions = session.NewMemoryRepository()
		b.records = attendance.NewMemoryRepository()
		b.dir = dir
		log.Printf("using in-memory store (directory seed %q)", cfg.DirectorySeed)
	case "postgres":
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if db == nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		switch {
		case err != nil && cfg.AutoMigrate:
			_ = db.Close()
			return nil, fmt.Errorf("database unreachable and AUTO_MIGRATE set: %w", err)
		case err != nil:
			log.Printf("warning: db not reachable: %v", err)
		case cfg.AutoMigrate:
			if err := db.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Println("schema migrated")
		}
		b.sessions = session.NewPGRepository(db.Client)
		b.records = attendance.NewRepository(db.Client)
		b.dir = directory.NewPGDirectory(db.Client, scheme)
		b.health["db"] = db
		b.closers = append(b.closers, db.Close)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	return b, nil
}

// newServer builds the HTTP server. Requests inherit ctx and Shutdown calls
// stop, so open QR streams end instead of holding Shutdown to its deadline.
func newServer(ctx context.Context, stop context.CancelFunc, addr string, h http.Handler) *http.Server {
	// No WriteTimeout: QR streams stay open for the whole session.
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(stop)
	return srv
}

func runHTTP(cfg config.App) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	scheme, err := directory.ParseScheme(cfg.DirectoryScheme)
	if err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg, scheme)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range b.closers {
			_ = closeFn()
		}
	}()

	var (
		q       queue.Queue
		counter presence.Counter
	)
	switch cfg.QueueBackend {
	case "memory":
		mem := queue.NewInMemory(256)
		memCounter := presence.NewMemoryCounter()
		q, counter = mem, memCounter
		// No separate worker reads an in-process queue, so track presence here.
		go func() {
			if err := presence.NewTracker(mem, memCounter).Run(ctx); err != nil {
				log.Printf("presence tracker stopped: %v", err)
			}
		}()
	default:
		redisClient := store.NewRedis(cfg.RedisAddr)
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
		counter = presence.NewRedisCounter(redisClient.Client, cfg.SessionMaxAge)
		b.health["redis"] = redisClient
		b.closers = append(b.closers, redisClient.Close)
	}

	sessions := session.NewService(b.sessions, token.NewGenerator(), session.Config{
		DefaultTTL: cfg.TokenTTL,
		MaxAge:     cfg.SessionMaxAge,
	})
	recorder := attendance.NewRecorder(sessions, b.dir, b.records, q, cfg.StoreTimeout)

	h := handler.New(sessions, recorder, b.dir, counter, handler.Options{
		ScanBaseURL:    cfg.ScanBaseURL,
		RotateInterval: cfg.RotateInterval,
		StoreTimeout:   cfg.StoreTimeout,
		Scheme:         scheme,
	})
	r := handler.NewRouter(h, handler.RouterConfig{
		AllowOrigins:    cfg.AllowOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		JWTSigningKey:   cfg.JWTSigningKey,
		JWTIssuer:       cfg.JWTIssuer,
		Health:          b.health,
	})

	srv := newServer(ctx, stop, ":"+cfg.HTTPPort, r)

	go func() {
		log.Printf("Starting server on :%s (store=%s queue=%s scheme=%s)", cfg.HTTPPort, cfg.StoreBackend, cfg.QueueBackend, scheme)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}
