package cmd

import (
	"fmt"

	"Narrato/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "创建数据库并迁移表结构",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := db.EnsureDatabase(cmd.Context(), cfg); err != nil {
			return err
		}
		gdb, err := db.ConnectGormDB(cfg)
		if err != nil {
			return err
		}
		defer db.CloseGormDB()

		if err := db.AutoMigrateModels(gdb); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "数据库 %s 迁移完成\n", cfg.DBName)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
