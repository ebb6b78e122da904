package cmd

import (
	"fmt"
	"time"

	"Narrato/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix     string
	minioStats      bool
	minioPending    bool
	minioAbortStale time.Duration
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看存储桶统计信息，列出未完成的分片上传，清理过期的分片上传。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()
		fmt.Fprintf(out, "MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		blobs, err := storage.NewBlobStore(cfg)
		if err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}
		multipart := storage.NewMultipartStore(blobs)

		if minioAbortStale > 0 {
			n, err := multipart.AbortStale(ctx, minioPrefix, minioAbortStale)
			if err != nil {
				return fmt.Errorf("清理分片上传失败 (已清理 %d): %w", n, err)
			}
			fmt.Fprintf(out, "已清理 %d 个超过 %s 的分片上传\n", n, minioAbortStale)
			return nil
		}

		if minioPending {
			pending, err := multipart.ListPending(ctx, minioPrefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n未完成的分片上传: %d\n", len(pending))
			for _, p := range pending {
				fmt.Fprintf(out, "%s  %s  %s  %s\n",
					p.Initiated.Format(time.RFC3339), storage.FormatSize(p.Size), p.UploadID, p.Key)
			}
			if !minioStats {
				return nil
			}
		}

		stats, err := blobs.Stats(ctx, minioPrefix)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n=== 存储桶统计信息 ===\n")
		fmt.Fprintf(out, "存储桶名称: %s\n", stats.Bucket)
		fmt.Fprintf(out, "前缀: %q\n", stats.Prefix)
		fmt.Fprintf(out, "总大小: %s\n", storage.FormatSize(stats.TotalSize))
		fmt.Fprintf(out, "对象总数: %d\n", stats.TotalObjects)
		if !stats.LastModified.IsZero() {
			fmt.Fprintf(out, "最后修改时间: %s\n", stats.LastModified.Format(time.RFC3339))
		}
		fmt.Fprintln(out, "\n按类型:")
		for _, kind := range storage.SortedKeys(stats.ByKind) {
			fmt.Fprintf(out, "  %-10s %s\n", kind, storage.FormatSize(stats.ByKind[kind]))
		}
		fmt.Fprintln(out, "\n按目录:")
		for _, dir := range storage.SortedKeys(stats.ByTopFolder) {
			fmt.Fprintf(out, "  %-40s %d\n", dir, stats.ByTopFolder[dir])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "同时显示存储桶统计信息")
	minioCmd.Flags().BoolVar(&minioPending, "pending", false, "列出未完成的分片上传")
	minioCmd.Flags().DurationVar(&minioAbortStale, "abort-stale", 0, "中止早于该时长的分片上传，例如 24h")

	minioCmd.Example = `  # 存储桶统计
  narrato minio

  # 某个用户的上传统计
  narrato minio -p "user-uploads/u-42/"

  # 列出未完成的分片上传
  narrato minio --pending

  # 清理一天前开始的分片上传
  narrato minio --abort-stale 24h`
}
