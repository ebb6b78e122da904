package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"Narrato/metrics"
	"Narrato/model"
	"Narrato/storage"

	"github.com/spf13/cobra"
)

var mixCmd = &cobra.Command{
	Use:   "mix [event.json]",
	Short: "执行一次混音任务",
	Long:  `读取一个混音事件（文件或标准输入），执行混音并把结果 JSON 写到标准输出。`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		var ev model.MixEvent
		if err := json.NewDecoder(in).Decode(&ev); err != nil {
			return fmt.Errorf("decode mix event: %w", err)
		}

		blobs, err := storage.NewBlobStore(cfg)
		if err != nil {
			return err
		}
		res := newMixWorker(cfg, blobs, nil, metrics.Noop()).Process(cmd.Context(), ev)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("mix failed with status %d: %s", res.StatusCode, res.Body.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mixCmd)
}
