package cmd

import (
	"context"
	"fmt"

	"Narrato/cache"
	"Narrato/core/generator"
	"Narrato/core/mixer"
	"Narrato/core/upload"
	"Narrato/db"
	"Narrato/logger"
	"Narrato/metrics"
	"Narrato/repository"
	"Narrato/server"
	"Narrato/storage"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var withWorker bool

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 Narrato HTTP 服务",
	Long:  `启动 HTTP API：分片上传、旁白生成、混音调度、批次进度推送。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	serverCmd.Flags().BoolVar(&withWorker, "with-worker", false, "在同一进程内运行混音队列消费者")
	rootCmd.AddCommand(serverCmd)
}

func runServer(ctx context.Context) error {
	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		return err
	}
	defer db.CloseGormDB()

	rdb, err := db.ConnectRedis(cfg)
	if err != nil {
		return err
	}
	defer db.CloseRedis()

	blobs, err := storage.NewBlobStore(cfg)
	if err != nil {
		return err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		logger.Warn("Bucket check failed, continuing", logger.ErrorField(err))
	}

	met, shutdownMetrics, err := metrics.InitProvider()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer shutdownMetrics(context.Background())

	narrator, err := newNarrator(cfg, met)
	if err != nil {
		return err
	}

	queue := asynq.NewClient(redisClientOpt(cfg))
	defer queue.Close()
	dispatcher := mixer.NewDispatcher(queue, cfg.MixTimeout)

	tracks := repository.NewGormTrackRepository(gdb)
	batches := repository.NewGormBatchRepository(gdb, cfg.BatchStaleAfter)
	progress := cache.NewProgressBus(rdb)

	orchestrator := generator.NewOrchestrator(generator.Deps{
		Narrator: narrator,
		Blobs:    blobs,
		Tracks:   tracks,
		Batches:  batches,
		Groups:   repository.NewGormAssetGroupRepository(gdb),
		Concat:   newFFmpeg(cfg),
		Progress: progress,
		Mixes:    dispatcher,
		Metrics:  met,
	}, generator.Options{
		OwnerScope:   cfg.OwnerScope,
		ScratchDir:   cfg.ScratchDir,
		DefaultVoice: cfg.DefaultVoice,
		Concurrency:  cfg.GenerateConcurrency,
	})

	handler := server.NewAPIHandler(cfg, server.Deps{
		Generator: orchestrator,
		Previews:  generator.NewPreviews(narrator, blobs),
		Uploads:   upload.NewService(storage.NewMultipartStore(blobs), cache.NewUploadSessionStore(rdb), cfg.OwnerScope, met),
		Presigner: blobs,
		Tracks:    tracks,
		Batches:   batches,
		Progress:  progress,
		Mixes:     dispatcher,
	})
	router := server.NewRouter(handler, metrics.Handler(), server.NewMediaHandler(blobs))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, cfg.HTTPAddr, router)
	})
	if withWorker {
		// 同进程消费者直接写库，不走 HTTP 回调
		worker := newMixWorker(cfg, blobs, tracks, met)
		g.Go(func() error {
			return runQueue(ctx, worker)
		})
	}
	return g.Wait()
}
