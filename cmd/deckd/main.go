package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/deckocr/deckd/internal/api"
	"github.com/deckocr/deckd/internal/cache"
	"github.com/deckocr/deckd/internal/catalog"
	"github.com/deckocr/deckd/internal/config"
	"github.com/deckocr/deckd/internal/job"
	"github.com/deckocr/deckd/internal/ocr"
	"github.com/deckocr/deckd/internal/ocr/fallbackgate"
	"github.com/deckocr/deckd/internal/pipeline"
	"github.com/deckocr/deckd/internal/progress"
	"github.com/deckocr/deckd/internal/ratelimit"
	"github.com/deckocr/deckd/internal/resolve"
	"github.com/deckocr/deckd/internal/retention"
)

// Config is the top-level configuration object of the deckd service.
var Config = new(config.Config)

const localCacheEntries = 4096

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	Config.InitLog()

	log.WithFields(log.Fields{
		"address":   Config.Service.Address,
		"redis":     Config.Redis.Address,
		"catalogue": Config.Catalogue.Path,
		"engine":    Config.OCR.Engine,
		"vision":    Config.Vision.Enabled,
	}).Info("deckd configuration")

	// Job records and idempotency locks have no in-process fallback.
	if Config.Redis.Address == "" {
		log.Fatal("--redis.address is required: job storage has no in-process fallback")
	}
	var rdb redis.UniversalClient = redis.NewClient(&redis.Options{Addr: Config.Redis.Address})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.WithField("err", err).Warn("redis unreachable at startup; continuing in case it recovers")
	}

	store, err := catalog.Open(Config.Catalogue.Path)
	must(err, "opening catalogue store")
	defer store.Close()

	if Config.Catalogue.Bulk != "" {
		must(store.HydrateFromBulk(Config.Catalogue.Bulk, Config.Catalogue.Snapshot),
			"hydrating catalogue from bulk data")
	}
	log.WithFields(log.Fields{
		"cards":    store.Count(),
		"snapshot": store.Snapshot(),
	}).Info("catalogue loaded")

	var remote *catalog.Remote
	if !Config.Catalogue.Offline {
		remote = catalog.NewRemote(Config.Catalogue.RemoteBaseURL,
			time.Duration(Config.Catalogue.RemoteTimeoutSec)*time.Second,
			time.Duration(Config.Catalogue.RemoteIntervalMS)*time.Millisecond)
	}

	var layered = cache.New(rdb, localCacheEntries)
	var resolver = resolve.New(
		catalog.NewResolver(store, remote, Config.Catalogue.FuzzyTopK),
		layered, Config.Catalogue.AlwaysVerify)

	var provider ocr.Provider
	switch Config.OCR.Engine {
	case "scripted":
		provider = ocr.NewScripted()
	default:
		provider = &ocr.HTTPProvider{
			Endpoint:  Config.OCR.Endpoint,
			Languages: Config.LanguageList(),
			Client:    &http.Client{Timeout: 60 * time.Second},
		}
	}

	var vision ocr.VisionProvider
	if Config.Vision.Enabled && Config.Vision.Endpoint != "" {
		vision = &ocr.VisionHTTP{
			Endpoint: Config.Vision.Endpoint,
			APIKey:   Config.Vision.APIKey,
			Client:   &http.Client{Timeout: 60 * time.Second},
		}
	}
	var gate = fallbackgate.New(Config.GateConfig())

	var jobTTL = time.Duration(Config.Retention.JobsHours) * time.Hour
	var jobs = job.NewStore(rdb, jobTTL)
	var idem = job.NewRunner(rdb,
		time.Duration(Config.Idempotency.LockTTLSec)*time.Second,
		time.Duration(Config.Idempotency.BlockWaitSec)*time.Second,
		jobTTL)

	var server = &api.Server{
		Jobs:      jobs,
		Idem:      idem,
		Pipeline:  pipeline.New(jobs, resolver, provider, vision, gate, Config.PipelineConfig()),
		Limiter:   ratelimit.New(rdb),
		Limits:    Config.RateLimits(),
		Retention: retention.NewEngine(rdb, Config.RetentionPolicy()),
		Hub:       progress.NewHub(jobs),
		Catalog:   store,
		Cache:     layered,
		Redis:     rdb,

		MaxUploadBytes: Config.MaxUploadBytes(),
		PipelineConfig: Config.FingerprintConfig(store.Snapshot()),
	}

	var httpServer = &http.Server{
		Addr:    Config.Service.Address,
		Handler: server.Router(),
	}

	var rootCtx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var group, ctx = errgroup.WithContext(rootCtx)

	group.Go(func() error {
		log.WithField("address", httpServer.Addr).Info("starting deckd")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		if err := server.Retention.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	must(group.Wait(), "deckd task failed")
	log.Info("goodbye")
	return nil
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the deck recognition service", `
Serve the deck recognition service with the provided configuration,
until signaled to exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
