package cmd

import (
	"context"

	"Narrato/core/mixer"
	"Narrato/db"
	"Narrato/logger"
	"Narrato/metrics"
	"Narrato/repository"
	"Narrato/storage"

	"github.com/spf13/cobra"
)

var workerDirect bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "运行混音队列消费者",
	Long: `从 Redis 队列消费混音任务，每个任务独立执行：下载旁白和背景音、ffmpeg 混音、上传并回写状态。
默认通过 HTTP 回调写回混音状态；--direct 时直接写数据库。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		blobs, err := storage.NewBlobStore(cfg)
		if err != nil {
			return err
		}
		met, shutdown, err := metrics.InitProvider()
		if err != nil {
			return err
		}
		defer shutdown(context.Background())

		var tracks repository.TrackRepository
		if workerDirect {
			gdb, err := db.ConnectGormDB(cfg)
			if err != nil {
				return err
			}
			defer db.CloseGormDB()
			tracks = repository.NewGormTrackRepository(gdb)
		}
		return runQueue(ctx, newMixWorker(cfg, blobs, tracks, met))
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerDirect, "direct", false, "直接写数据库而不是调用状态回调")
	rootCmd.AddCommand(workerCmd)
}

// runQueue consumes mix tasks until ctx is cancelled.
func runQueue(ctx context.Context, p mixer.Processor) error {
	srv := mixer.NewServer(redisClientOpt(cfg), cfg.QueueConcurrency)
	if err := srv.Start(mixer.NewServeMux(p)); err != nil {
		return err
	}
	logger.Info("Mix queue consumer started",
		logger.String("queue", mixer.QueueName),
		logger.Int("concurrency", cfg.QueueConcurrency))

	<-ctx.Done()
	srv.Shutdown()
	logger.Info("Mix queue consumer stopped")
	return nil
}
