package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hls-transcoder/internal/encode"
	"hls-transcoder/internal/lifecycle"
	"hls-transcoder/internal/mirror"
	"hls-transcoder/internal/orchestrator"
	"hls-transcoder/internal/platform/config"
	"hls-transcoder/internal/platform/logger"
	"hls-transcoder/internal/platform/metrics"
	"hls-transcoder/internal/source"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v4/cpu"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	dataDir := config.GetEnv("DATA_DIR", "./data")
	outputsDir := config.GetEnv("OUTPUTS_DIR", filepath.Join(dataDir, "outputs"))
	uploadsDir := config.GetEnv("UPLOADS_DIR", filepath.Join(dataDir, "uploads"))
	downloadsDir := config.GetEnv("DOWNLOADS_DIR", filepath.Join(dataDir, "downloads"))
	ladderFile := config.GetEnv("LADDER_FILE", "")
	maxEncodes := config.GetEnvInt("MAX_CONCURRENT_ENCODES", defaultConcurrency())
	encodeTimeout := config.GetEnvDuration("ENCODE_TIMEOUT", encode.DefaultTimeout)
	segmentDuration := config.GetEnvInt("SEGMENT_DURATION", encode.DefaultSegmentDuration)
	ffmpegPath := config.GetEnv("FFMPEG_PATH", "ffmpeg")
	uploadTTL := config.GetEnvDuration("UPLOAD_TTL", 15*time.Minute)
	outputTTL := config.GetEnvDuration("OUTPUT_TTL", orchestrator.DefaultOutputTTL)
	downloadTTL := config.GetEnvDuration("DOWNLOAD_TTL", 10*time.Minute)
	sweepInterval := config.GetEnvDuration("SWEEP_INTERVAL", lifecycle.DefaultSweepInterval)
	fetchAttempts := config.GetEnvInt("FETCH_ATTEMPTS", source.DefaultAttempts)
	fetchBackoff := config.GetEnvDuration("FETCH_BACKOFF", source.DefaultBackoff)
	fetchTimeout := config.GetEnvDuration("FETCH_TIMEOUT", source.DefaultTimeout)
	maxUploadMB := config.GetEnvInt64("MAX_UPLOAD_MB", 512)
	skipAbove := config.GetEnvBool("SKIP_RUNGS_ABOVE_SOURCE", true)
	redisAddr := config.GetEnv("REDIS_ADDR", "")
	redisPrefix := config.GetEnv("REDIS_PREFIX", "hls-transcoder")
	s3Bucket := config.GetEnv("S3_BUCKET", "")
	s3Prefix := config.GetEnv("S3_PREFIX", "")
	awsRegion := config.GetEnv("AWS_REGION", "")

	log := logger.New(logLevel, logFormat)
	met := metrics.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ladder := orchestrator.DefaultLadder()
	if ladderFile != "" {
		l, err := orchestrator.LoadLadder(ladderFile)
		if err != nil {
			log.Error("load ladder failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		ladder = l
	}

	var store lifecycle.Store = lifecycle.NewInMemoryStore()
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error("redis unavailable", slog.String("addr", redisAddr), slog.String("error", err.Error()))
			os.Exit(1)
		}
		store = lifecycle.NewRedisStore(rdb, redisPrefix)
	}
	manager := lifecycle.NewManager(store, lifecycle.Config{SweepInterval: sweepInterval},
		logger.WithComponent(log, "lifecycle"), met)

	outputs, err := manager.NewArea(ctx, outputsDir, lifecycle.KindGeneratedOutput, outputTTL)
	if err != nil {
		log.Error("prepare outputs dir failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	uploads, err := manager.NewArea(ctx, uploadsDir, lifecycle.KindUploadedSource, uploadTTL)
	if err != nil {
		log.Error("prepare uploads dir failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	downloads, err := manager.NewArea(ctx, downloadsDir, lifecycle.KindDownload, downloadTTL)
	if err != nil {
		log.Error("prepare downloads dir failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var publisher orchestrator.Publisher
	var s3mirror *mirror.S3
	if s3Bucket != "" {
		s3mirror, err = mirror.NewFromEnv(ctx, awsRegion, s3Bucket, s3Prefix, logger.WithComponent(log, "mirror"))
		if err != nil {
			log.Error("s3 mirror setup failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		publisher = s3mirror
	}

	engine := encode.NewFFmpeg(ffmpegPath, logger.WithComponent(log, "ffmpeg"))
	encoder := encode.NewEncoder(engine, encode.Config{
		SegmentDuration: segmentDuration,
		Timeout:         encodeTimeout,
	}, logger.WithComponent(log, "encode"), met)
	resolver := source.NewResolver(nil, source.Config{
		Attempts: fetchAttempts,
		Backoff:  fetchBackoff,
		Timeout:  fetchTimeout,
	}, logger.WithComponent(log, "source"))

	repo := orchestrator.NewInMemoryRepository()
	svc := orchestrator.NewService(repo, encoder, manager, publisher, orchestrator.Config{
		OutputsRoot:          outputs.Root(),
		OutputTTL:            outputTTL,
		MaxConcurrentEncodes: maxEncodes,
		SkipRungsAboveSource: skipAbove,
	}, logger.WithComponent(log, "orchestrator"), met)

	manager.OnEvict(func(rec lifecycle.Record) {
		if rec.Kind != lifecycle.KindGeneratedOutput {
			return
		}
		svc.Forget(rec.Path)
		if s3mirror != nil {
			if err := s3mirror.Remove(context.Background(), filepath.Base(rec.Path)); err != nil {
				log.Warn("mirror cleanup failed", slog.String("path", rec.Path), slog.String("error", err.Error()))
			}
		}
	})

	h := orchestrator.NewHandler(svc, orchestrator.HandlerDeps{
		Resolver:       resolver,
		Uploads:        uploads,
		Downloads:      downloads,
		Remuxer:        encoder,
		Artifacts:      manager,
		Ladder:         ladder,
		MaxUploadBytes: maxUploadMB << 20,
	}, logger.WithComponent(log, "http"), met)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(orchestrator.CORS)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetRunningJobs(repo.RunningJobCount())
			if err := met.RefreshDiskFree(outputs.Root()); err != nil {
				log.Debug("disk usage unavailable", slog.String("error", err.Error()))
			}
		}).ServeHTTP(w, r)
	})
	r.Get("/healthz", h.Health)
	r.Post("/convert", h.Convert)
	r.Post("/upload", h.Upload)
	r.Post("/remux", h.Remux)
	r.Get("/jobs/{job_id}", h.GetJob)
	r.Get(orchestrator.DownloadsPrefix+"/{filename}", h.Download)
	r.Handle(orchestrator.OutputsPrefix+"/*", orchestrator.OutputsServer(orchestrator.OutputsPrefix, outputs.Root()))

	if err := manager.Start(ctx); err != nil {
		log.Error("lifecycle manager start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"outputs_dir", outputs.Root(),
		"max_concurrent_encodes", maxEncodes,
		"renditions", len(ladder),
		"redis", redisAddr != "",
		"s3_mirror", s3Bucket != "",
		"log_level", logLevel,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	manager.Stop()

	log.Info("server stopped")
}

// defaultConcurrency is the number of physical cores, falling back to one
// when the host does not report it.
func defaultConcurrency() int {
	n, err := cpu.Counts(false)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
