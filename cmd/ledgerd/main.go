package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/AuditLedger/internal/alerts"
	"github.com/jmerrifield20/AuditLedger/internal/api/grpcapi"
	"github.com/jmerrifield20/AuditLedger/internal/api/handler"
	"github.com/jmerrifield20/AuditLedger/internal/custody"
	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/ingest"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/monitor"
	"github.com/jmerrifield20/AuditLedger/internal/retention"
	"github.com/jmerrifield20/AuditLedger/internal/seal"
	"github.com/jmerrifield20/AuditLedger/internal/service"
	"github.com/jmerrifield20/AuditLedger/internal/signing"
	"github.com/jmerrifield20/AuditLedger/internal/store"
	"github.com/jmerrifield20/AuditLedger/internal/verify"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	if err := loadConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──────────────────────────────────────────────────────────────
	codec, err := payloadCodec(logger)
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(ctx, codec, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var archive store.Archive
	if path := viper.GetString("retention.archive_path"); path != "" {
		cold, err := store.OpenSQLite(path, codec, logger)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer cold.Close()
		archive = cold
		logger.Info("cold archive ready", zap.String("path", path))
	} else {
		archive = store.NewMemoryStore()
		logger.Warn("retention.archive_path not set, archived copies are kept in memory only")
	}

	// ── Signing ──────────────────────────────────────────────────────────────
	signer, ring, err := loadSigner(logger)
	if err != nil {
		return err
	}

	// ── Retention ────────────────────────────────────────────────────────────
	policy, err := loadPolicy()
	if err != nil {
		return err
	}
	rm := retention.NewManager(st, archive, policy, retention.Config{
		Interval: viper.GetDuration("retention.archive_interval"),
	}, logger)
	rm.SetArchived(func(ref ledger.EntryRef) {
		logger.Debug("entry archived", zap.Uint64("seq", ref.SequenceNumber))
	})
	if path := viper.GetString("retention.policy_file"); path != "" {
		pw, err := retention.WatchPolicy(path, rm.SetPolicy, logger)
		if err != nil {
			logger.Warn("retention policy hot reload disabled", zap.Error(err))
		} else {
			defer pw.Close()
		}
	}

	// ── Ingestion ────────────────────────────────────────────────────────────
	ledgerID := viper.GetString("ledger.id")
	writer := ingest.NewWriter(st, signer, rm.RetentionUntil, ingest.Config{
		QueueCapacity: viper.GetInt("ingest.queue_capacity"),
		BatchSize:     viper.GetInt("ingest.batch_size"),
		SubmitTimeout: viper.GetDuration("ingest.submit_timeout"),
		AckTimeout:    viper.GetDuration("ingest.ack_timeout"),
		MaxRetries:    viper.GetInt("ingest.max_retries"),
		RetryBackoff:  viper.GetDuration("ingest.retry_backoff"),
		LedgerID:      ledgerID,
	}, logger)
	writer.SetMetricsRecorder(handler.WriterMetrics{})

	hub := handler.NewStreamHub(logger)
	writer.OnCommit(hub.Publish)

	if err := writer.Start(ctx); err != nil {
		return fmt.Errorf("start ledger writer: %w", err)
	}

	// ── Services ─────────────────────────────────────────────────────────────
	verifier := verify.NewService(st, ring, verify.Options{}, logger)
	svc := service.New(writer, st, verifier,
		custody.NewTracker(writer, st, ring, logger),
		rm,
		service.Config{LedgerID: ledgerID, CacheTTL: viper.GetDuration("cache.ttl")},
		logger,
	)

	dispatcher := alerts.NewDispatcher(alerts.Config{
		URLs:   viper.GetStringSlice("alerts.urls"),
		Secret: viper.GetString("alerts.secret"),
	}, logger)
	dispatcher.SetMetricsRecorder(handler.RecordAlertDelivery)
	defer dispatcher.Close()
	svc.SetAlertDispatch(dispatcher.Dispatch)

	mon := monitor.New(verifier, st, monitor.Config{
		Interval:  viper.GetDuration("monitor.interval"),
		FullEvery: viper.GetInt("monitor.full_every"),
	}, logger)
	mon.SetAlertDispatch(dispatcher.Dispatch)
	mon.SetMetricsRecord(handler.RecordVerification)

	// ── Identity ─────────────────────────────────────────────────────────────
	var tokens *identity.TokenIssuer
	if viper.GetBool("auth.enabled") {
		tokens, err = identity.NewTokenIssuer(
			[]byte(viper.GetString("auth.secret")),
			viper.GetString("auth.issuer"),
			viper.GetDuration("auth.token_ttl"),
		)
		if err != nil {
			return fmt.Errorf("token issuer: %w", err)
		}
	} else {
		logger.Warn("authentication disabled, set auth.enabled for production")
	}

	// ── Background workers ───────────────────────────────────────────────────
	go hub.Run(ctx)
	go mon.Start(ctx)
	go rm.Start(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := svc.EvictCache(); n > 0 {
					logger.Debug("entry cache evicted", zap.Int("entries", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	origins := viper.GetStringSlice("cors.allowed_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "Retry-After"},
		AllowCredentials: !containsWildcard(origins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	})
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	health := handler.NewHealthHandler(svc, mon, logger)
	health.SetQueue(writer)
	router.GET("/healthz", health.Healthz)
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	if rps := viper.GetFloat64("ratelimit.rps"); rps > 0 {
		rl := handler.NewRateLimiter(rps, viper.GetInt("ratelimit.burst"))
		go rl.Sweep(ctx)
		v1.Use(rl.Middleware())
	}
	handler.Mount(v1, svc, tokens, hub, logger)

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── gRPC ─────────────────────────────────────────────────────────────────
	grpcPort := viper.GetInt("server.grpc_port")
	grpcSrv, grpcHealth := grpcapi.NewGRPCServer(grpcapi.NewServer(svc, logger), tokens, logger)
	if grpcPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
		if err != nil {
			return fmt.Errorf("listen gRPC on port %d: %w", grpcPort, err)
		}
		go func() {
			logger.Info("ledgerd gRPC listening", zap.Int("port", grpcPort))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC serve error", zap.Error(err))
			}
		}()
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	grpcHealth.Shutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcSrv.GracefulStop()

	// Producers are gone; drain what is queued before closing the store.
	if err := writer.Stop(shutdownCtx); err != nil {
		logger.Error("ledger writer did not drain", zap.Error(err))
	}
	dispatcher.Wait()

	logger.Info("ledgerd stopped")
	return nil
}

func openStore(ctx context.Context, codec store.PayloadCodec, logger *zap.Logger) (store.Store, func(), error) {
	switch driver := viper.GetString("database.driver"); driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, viper.GetString("database.url"))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return store.NewPostgresStore(pool, codec, logger), pool.Close, nil

	case "sqlite":
		path := viper.GetString("database.sqlite_path")
		st, err := store.OpenSQLite(path, codec, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened sqlite ledger", zap.String("path", path))
		return st, func() { st.Close() }, nil

	case "memory":
		logger.Warn("in-memory ledger: entries are lost on restart")
		return store.NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown database.driver %q: want postgres, sqlite or memory", driver)
	}
}

// payloadCodec returns the sealing codec, or nil for plain JSON payloads.
func payloadCodec(logger *zap.Logger) (store.PayloadCodec, error) {
	if !viper.GetBool("seal.enabled") {
		return nil, nil
	}
	key, err := seal.DeriveKey([]byte(viper.GetString("seal.master_key")), "payload")
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	keyID := viper.GetString("seal.key_id")
	sealer, err := seal.NewSealer(keyID, key)
	if err != nil {
		return nil, err
	}
	logger.Info("payload encryption at rest enabled", zap.String("key_id", keyID))
	return seal.NewCodec(sealer), nil
}

// loadSigner returns the active signer and a key ring that also holds every
// retired public key found in signing.key_dir.
func loadSigner(logger *zap.Logger) (signing.Signer, *signing.KeyRing, error) {
	ring := signing.NewKeyRing()
	switch alg := viper.GetString("signing.algorithm"); alg {
	case "ed25519":
		dir := viper.GetString("signing.key_dir")
		key, err := signing.LoadOrCreateEd25519(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("signing key: %w", err)
		}
		n, err := signing.LoadPublicKeys(dir, ring)
		if err != nil {
			return nil, nil, fmt.Errorf("load public keys: %w", err)
		}
		s := signing.NewEd25519Signer(key)
		ring.AddEd25519(s.PublicKey())
		logger.Info("ed25519 signer ready", zap.String("key_id", s.KeyID()), zap.Int("verifier_keys", n))
		return s, ring, nil

	case "hmac":
		s, err := signing.NewHMACSigner(viper.GetString("signing.key_id"), []byte(viper.GetString("signing.hmac_secret")))
		if err != nil {
			return nil, nil, fmt.Errorf("hmac signer: %w", err)
		}
		ring.AddHMAC(s)
		logger.Info("hmac signer ready")
		return s, ring, nil

	default:
		return nil, nil, fmt.Errorf("unknown signing.algorithm %q: want ed25519 or hmac", alg)
	}
}

func loadPolicy() (*retention.Policy, error) {
	if path := viper.GetString("retention.policy_file"); path != "" {
		return retention.LoadPolicy(path)
	}
	def, err := retention.ParsePeriod(viper.GetString("retention.default"))
	if err != nil {
		return nil, fmt.Errorf("retention.default: %w", err)
	}
	return retention.NewPolicy(def)
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
