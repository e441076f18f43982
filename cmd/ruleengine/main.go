package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/epam/syndicate-rule-engine-sub001/internal/blobstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/config"
	"github.com/epam/syndicate-rule-engine-sub001/internal/credentials"
	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/jobs"
	"github.com/epam/syndicate-rule-engine-sub001/internal/license"
	"github.com/epam/syndicate-rule-engine-sub001/internal/logging"
	"github.com/epam/syndicate-rule-engine-sub001/internal/metricsagg"
	"github.com/epam/syndicate-rule-engine-sub001/internal/middleware"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/reports"
	"github.com/epam/syndicate-rule-engine-sub001/internal/rules"
	"github.com/epam/syndicate-rule-engine-sub001/internal/ruleset"
	"github.com/epam/syndicate-rule-engine-sub001/internal/scheduler"
	"github.com/epam/syndicate-rule-engine-sub001/internal/secrets"
	"github.com/epam/syndicate-rule-engine-sub001/internal/state"
)

// devMasterKey is used only when SECRET_MASTER_KEY is unset and no
// Vault address is configured. Never used outside local development.
const devMasterKey = "00000000000000000000000000000000000000000000000000000000000000"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.NewFromEnv("rule-engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps, mongoClient, err := buildPersistentState(ctx, cfg)
	if err != nil {
		log.Fatalf("init record store backend: %v", err)
	}
	store := recordstore.New(ps)

	broker, err := buildSecretBroker(cfg)
	if err != nil {
		log.Fatalf("init secret broker: %v", err)
	}

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init blob store: %v", err)
	}

	catalog := rules.New(store)

	lm, err := license.New(license.Config{BaseURL: cfg.LicenseManagerURL}, broker, store)
	if err != nil {
		log.Fatalf("init license client: %v", err)
	}

	compiler := ruleset.New(store, catalog, blobs, lm)

	resolver := credentials.New(noopAssumeRole, credentials.EnvironmentPolicy{Allowed: false})

	coordinator := jobs.New(store, lm, resolver, compiler, broker, logger)
	sched := scheduler.New(store, coordinator, logger)
	aggregator := metricsagg.New(store, cfg.MetricsExpirationDays)
	batches := jobs.NewBatchAssembler(store)

	dispatcher := buildDispatcher(store, cfg, logger)

	router := buildRouter(logger, coordinator, compiler, aggregator, dispatcher, batches)

	go sched.Run(ctx, cfg.SchedulerTick)
	go batches.Run(ctx, func(b *domain.BatchResult) {
		logger.WithFields(map[string]interface{}{"tenant": b.Tenant, "events": b.EventCount}).Info("batch result sealed")
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.WithFields(map[string]interface{}{"addr": cfg.ListenAddr}).Info("rule engine command source listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "http server shutdown", err, "")
	}
	if err := ps.Close(shutdownCtx); err != nil {
		logger.LogError(shutdownCtx, "record store close", err, "")
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			logger.LogError(shutdownCtx, "mongo disconnect", err, "")
		}
	}
}

// buildPersistentState selects the in-memory backend when SERVICE_MODE
// is "standalone" or MONGO_URI is empty, and the Mongo-backed store
// otherwise. A failed connect or ping is returned as an error; there is
// no fallback to memory. Returns the mongo client too
// so main can disconnect it on shutdown.
func buildPersistentState(ctx context.Context, cfg *config.Config) (*state.PersistentState, *mongo.Client, error) {
	if cfg.ServiceMode == "standalone" || cfg.MongoURI == "" {
		ps, err := state.NewPersistentState(state.DefaultConfig())
		return ps, nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, nil, err
	}

	coll := client.Database(cfg.MongoDB).Collection("rule_engine_records")
	backend := recordstore.NewMongoBackend(coll)
	ps, err := state.NewPersistentState(state.Config{
		Backend:   backend,
		KeyPrefix: "state:",
		MaxSize:   8 * 1024 * 1024,
	})
	if err != nil {
		return nil, nil, err
	}
	return ps, client, nil
}

func buildSecretBroker(cfg *config.Config) (*secrets.Broker, error) {
	if cfg.VaultURL != "" {
		backend, err := secrets.NewVaultBackend(cfg.VaultURL, cfg.VaultToken, cfg.VaultMountPath)
		if err != nil {
			return nil, err
		}
		return secrets.New(backend), nil
	}

	key := cfg.SecretMasterKey
	if key == "" {
		key = devMasterKey
	}
	backend, err := secrets.NewLocalBackend([]byte(key))
	if err != nil {
		return nil, err
	}
	return secrets.New(backend), nil
}

func buildBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.BlobEndpoint == "" && cfg.BlobAccessKey == "" {
		return blobstore.NewMemStore(), nil
	}
	return blobstore.NewS3Store(ctx, blobstore.S3Config{
		Bucket:          cfg.BlobBucket,
		Region:          cfg.BlobRegion,
		Endpoint:        cfg.BlobEndpoint,
		AccessKeyID:     cfg.BlobAccessKey,
		SecretAccessKey: cfg.BlobSecretKey,
	})
}

func buildDispatcher(store *recordstore.Store, cfg *config.Config, logger *logging.Logger) *reports.Dispatcher {
	if cfg.DefectDojoURL == "" {
		return nil
	}
	sink, err := reports.NewDefectDojoSink(cfg.DefectDojoURL, cfg.DefectDojoAPIKey)
	if err != nil {
		logger.LogError(context.Background(), "defect dojo sink init failed, report dispatch disabled", err, "")
		return nil
	}
	return reports.New(store, sink)
}

func buildRouter(logger *logging.Logger, coordinator *jobs.Coordinator, compiler *ruleset.Compiler, aggregator *metricsagg.Aggregator, dispatcher *reports.Dispatcher, batches *jobs.BatchAssembler) *middleware.Router {
	router := middleware.New(logger)

	router.Register("job.submit", func(ctx context.Context, req middleware.Request) (interface{}, error) {
		var sub jobs.Submission
		if err := decode(req.Payload, &sub); err != nil {
			return nil, err
		}
		return coordinator.Submit(ctx, sub)
	})

	router.Register("job.cancel", func(ctx context.Context, req middleware.Request) (interface{}, error) {
		var body struct {
			JobID string `json:"job_id"`
		}
		if err := decode(req.Payload, &body); err != nil {
			return nil, err
		}
		return nil, coordinator.RequestCancel(ctx, body.JobID)
	})

	router.Register("ruleset.compile", func(ctx context.Context, req middleware.Request) (interface{}, error) {
		var sel ruleset.Selector
		if err := decode(req.Payload, &sel); err != nil {
			return nil, err
		}
		key, err := compiler.Compile(ctx, sel)
		if err != nil {
			return nil, err
		}
		return map[string]string{"artifact_key": key}, nil
	})

	router.Register("event.resource_change", func(ctx context.Context, req middleware.Request) (interface{}, error) {
		var body struct {
			Tenant string `json:"tenant"`
			JobID  string `json:"job_id"`
		}
		if err := decode(req.Payload, &body); err != nil {
			return nil, err
		}
		batches.Record(ctx, body.Tenant, body.JobID, time.Now().UTC())
		return nil, nil
	})

	router.Register("metrics.sweep", func(ctx context.Context, req middleware.Request) (interface{}, error) {
		deleted, err := aggregator.Sweep(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"deleted": deleted}, nil
	})

	if dispatcher != nil {
		router.Register("report.dispatch", func(ctx context.Context, req middleware.Request) (interface{}, error) {
			var body struct {
				ReportType string `json:"report_type"`
				Entity     string `json:"entity"`
				Payload    []byte `json:"payload"`
			}
			if err := decode(req.Payload, &body); err != nil {
				return nil, err
			}
			return dispatcher.Dispatch(ctx, domain.ReportType(body.ReportType), body.Entity, body.Payload)
		})
	}

	return router
}

func decode(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

func noopAssumeRole(ctx context.Context, arn string, duration time.Duration) (credentials.Explicit, error) {
	return credentials.Explicit{}, nil
}
