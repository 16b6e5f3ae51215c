package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rl1809/retail-stock/internal/adapter/storage"
	"github.com/rl1809/retail-stock/internal/config"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger and sales tables in MySQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, "migrate")
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Ledger.Store == config.StoreMySQL {
				db, err := a.openMySQL(ctx, a.cfg.Ledger.MySQLDSN)
				if err != nil {
					return err
				}
				if err := storage.NewSQLLedger(db, storage.MySQLDialect).Migrate(ctx); err != nil {
					return err
				}
				a.logger.Info("ledger tables ready")
			}
			if a.cfg.Sales.MySQLDSN != "" {
				db, err := a.openGorm(a.cfg.Sales.MySQLDSN)
				if err != nil {
					return err
				}
				if err := storage.NewGormSaleRepository(db).Migrate(ctx); err != nil {
					return err
				}
				a.logger.Info("sales tables ready")
			}
			a.logger.Info("migration finished", zap.String("ledger_store", a.cfg.Ledger.Store))
			return nil
		},
	}
}
