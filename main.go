package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/ncshot-verify/internal/auth"
	"github.com/example/ncshot-verify/internal/config"
	"github.com/example/ncshot-verify/internal/configbuilder"
	"github.com/example/ncshot-verify/internal/handlers"
	"github.com/example/ncshot-verify/internal/imagesource"
	"github.com/example/ncshot-verify/internal/logging"
	"github.com/example/ncshot-verify/internal/ncshot"
	"github.com/example/ncshot-verify/internal/plates"
	"github.com/example/ncshot-verify/internal/result"
	"github.com/example/ncshot-verify/internal/transport"
	"github.com/example/ncshot-verify/internal/usecase"
)

func main() {
	configPath := flag.String("config", getEnv("NCSHOT_CONFIG", ""), "path to the YAML configuration file")
	parsePath := flag.String("parse", "", "parse a saved recognition payload, print it as JSON and exit")
	flag.Parse()

	if *parsePath != "" {
		if err := parseFile(*parsePath, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	dialer, err := newTransport(cfg, logger)
	if err != nil {
		logger.Fatal("failed to set up transport", zap.Error(err))
	}
	defer dialer.Close()

	client := ncshot.NewClient(clientOptions(cfg), dialer, logger)
	retriever := plates.NewRetriever(client, retrieverOptions(cfg), logger)

	var locker usecase.Locker
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis, logger)
		redisCancel()
		defer redisClient.Close()
		locker = usecase.NewRedisLocker(redisClient, cfg.Redis.LockWait, 0)
	}

	uc := usecase.NewBatchUseCase(
		func(batchID string) usecase.Recognizer { return client.NewManager(batchID) },
		retriever,
		locker,
		batchOptions(cfg),
		logger,
	)

	deps := handlers.Dependencies{
		Batches:       uc,
		Recognition:   client,
		Builder:       configbuilder.Builder{RelativePaths: !cfg.Builder.AbsolutePaths},
		MaxUploadSize: cfg.Server.MaxUploadBytes,
		MaxBatchSize:  cfg.Batch.MaxSize,
		Logger:        logger,
	}
	if cfg.MinIO.Endpoint != "" {
		store, err := imagesource.NewMinIOStore(imagesource.MinIOOptions{
			Endpoint:       cfg.MinIO.Endpoint,
			AccessKey:      cfg.MinIO.AccessKey,
			SecretKey:      cfg.MinIO.SecretKey,
			Bucket:         cfg.MinIO.Bucket,
			UseSSL:         cfg.MinIO.UseSSL,
			MaxObjectBytes: int64(cfg.Recognition.MaxImageBytes),
		})
		if err != nil {
			logger.Fatal("failed to create image store", zap.Error(err))
		}
		deps.Store = store
	}

	gin.SetMode(gin.ReleaseMode)
	authMiddleware := auth.JWTMiddleware(auth.Options{
		Secret:   cfg.Auth.JWTSecret,
		Audience: cfg.Auth.JWTAudience,
		Issuer:   cfg.Auth.JWTIssuer,
		Role:     cfg.Auth.RequiredRole,
	})
	router := handlers.NewRouter(deps, authMiddleware, cfg.Server.AllowedOrigins)

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("ncshot verification API listening",
		zap.String("addr", addr),
		zap.String("recognition", client.Addr()),
		zap.String("transport", cfg.Transport.Mode),
		zap.Bool("host_lock", locker != nil),
		zap.Bool("storage", deps.Store != nil))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func parseFile(path string, out io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result.Parse(raw))
}

type closingDialer interface {
	ncshot.Dialer
	Close() error
}

func newTransport(cfg *config.Config, logger *zap.Logger) (closingDialer, error) {
	if cfg.Transport.Mode != config.TransportSSH {
		return transport.NewDirect(cfg.Transport.DialTimeout), nil
	}
	hops := make([]transport.Hop, 0, len(cfg.Transport.Hops))
	for _, h := range cfg.Transport.Hops {
		hop, err := transport.NewHop(transport.HopOptions{
			Addr:                  h.Addr,
			User:                  h.User,
			Password:              h.Password,
			KeyFile:               h.KeyFile,
			KnownHostsFile:        h.KnownHostsFile,
			InsecureIgnoreHostKey: h.InsecureIgnoreHostKey,
		})
		if err != nil {
			return nil, err
		}
		hops = append(hops, hop)
	}
	return transport.NewSSHJump(hops, cfg.Transport.DialTimeout, logger)
}

func clientOptions(cfg *config.Config) ncshot.Options {
	r := cfg.Recognition
	opts := ncshot.DefaultOptions(r.Host, r.Port)
	opts.ConfigName = r.ConfigName
	opts.TokenHeader = r.TokenHeader
	opts.ANPR = r.ANPR
	opts.MMR = r.MMR
	opts.Diagnostic = r.Diagnostic
	opts.MinImageBytes = r.MinImageBytes
	opts.MaxImageBytes = r.MaxImageBytes
	opts.Timeouts = ncshot.Timeouts{
		Config:  r.Timeouts.Config,
		Submit:  r.Timeouts.Submit,
		Fetch:   r.Timeouts.Fetch,
		Release: r.Timeouts.Release,
	}
	opts.Classifier = ncshot.Classifier{
		StatusCodes: r.Systemic.StatusCodes,
		BodyMarkers: r.Systemic.BodyMarkers,
	}
	if limit := int64(cfg.Plates.MaxBytes); limit > opts.MaxResponseBytes {
		opts.MaxResponseBytes = limit
	}
	return opts
}

func retrieverOptions(cfg *config.Config) plates.Options {
	p := cfg.Plates
	opts := plates.Options{
		Primary:  ncshot.PlateScheme(p.Primary),
		MinBytes: p.MinBytes,
		MaxBytes: p.MaxBytes,
	}
	if p.Fallback != nil {
		fallback := ncshot.PlateScheme(*p.Fallback)
		opts.Fallback = &fallback
	}
	return opts
}

func batchOptions(cfg *config.Config) usecase.BatchOptions {
	return usecase.BatchOptions{
		MaxBatchSize:         cfg.Batch.MaxSize,
		ReleaseTimeout:       cfg.Recognition.Timeouts.Release,
		ReleaseLeakThreshold: cfg.Batch.ReleaseLeakThreshold,
		LockKey:              cfg.Redis.LockKey,
		LockTTL:              cfg.Redis.LockTTL,
		ConfigAttempts:       cfg.Batch.ConfigAttempts,
		ConfigBackoff:        cfg.Batch.ConfigBackoff,
	}
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
