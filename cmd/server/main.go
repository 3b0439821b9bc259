// Command server starts a simples3 instance: it wires the metadata store,
// object store, SigV4 verifier, bucket-policy and CORS evaluators into the
// middleware chain and REST router, then serves HTTP until signaled to
// stop. The teacher repo this one descends from had no entrypoint of its
// own; everything below is new, built from its package constructors.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/simples3/simples3/internal/api"
	"github.com/simples3/simples3/internal/auth"
	"github.com/simples3/simples3/internal/config"
	"github.com/simples3/simples3/internal/cors"
	"github.com/simples3/simples3/internal/credentials"
	"github.com/simples3/simples3/internal/engine"
	"github.com/simples3/simples3/internal/lifecycle"
	"github.com/simples3/simples3/internal/metadata/pebble"
	"github.com/simples3/simples3/internal/middleware"
	"github.com/simples3/simples3/internal/storage/fs"
)

func main() {
	logger, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	if err := run(log); err != nil {
		log.Fatalw("server exited with error", "error", err)
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("SIMPLES3_DEV") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(log *zap.SugaredLogger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	metaStore, err := pebble.Open(cfg.MetadataDir)
	if err != nil {
		return err
	}
	defer metaStore.Close()

	objStore, err := fs.New(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer objStore.Close()

	credMgr := credentials.NewManager(metaStore)
	if err := ensureBootstrapCredential(context.Background(), credMgr, log); err != nil {
		return err
	}

	verifier := auth.New(metaStore, cfg.Region)
	corsEval := cors.NewEvaluator(cfg.CORSOrigins)
	eng := engine.New(objStore, metaStore, log)
	router := api.NewRouterWithLimits(eng, corsEval, log, cfg.MaxXMLBodySize, cfg.MaxPolicyBodySize)
	authenticator := middleware.NewAuthenticator(verifier, metaStore, cfg.AnonymousGlobal, log)

	handler := middleware.Chain(
		middleware.VirtualHost(cfg.Hostname),
		middleware.RequestID,
		middleware.Logger(log),
		middleware.Recoverer(log),
		middleware.Headers,
		middleware.MaxBodySize(cfg.MaxObjectSize),
		authenticator.Wrap,
	)(router)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Bind,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute, // large object uploads/downloads
		IdleTimeout:  60 * time.Second,
	}

	scanner := lifecycle.NewScanner(eng, cfg.LifecycleScanInterval, log)
	scanner.Start()
	defer scanner.Stop()

	sweeper := lifecycle.NewMultipartSweeper(eng, cfg.MultipartCleanupInterval, cfg.MultipartMaxAge, log)
	sweeper.Start()
	defer sweeper.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", cfg.Bind, "dataDir", cfg.DataDir, "metadataDir", cfg.MetadataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Infow("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ensureBootstrapCredential mints a first access key pair and logs it when
// no credentials exist yet, so a fresh data directory is usable without a
// separate provisioning step.
func ensureBootstrapCredential(ctx context.Context, mgr *credentials.Manager, log *zap.SugaredLogger) error {
	existing, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	cred, err := mgr.Create(ctx)
	if err != nil {
		return err
	}
	log.Infow("bootstrapped initial access key", "accessKeyID", cred.AccessKeyID, "secretKey", cred.SecretKey)
	return nil
}
