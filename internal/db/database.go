// Package db opens the postgres connection and migrates the ledger schema.
package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/veilpay/settlement/internal/config"
	"github.com/veilpay/settlement/internal/intent"
	"github.com/veilpay/settlement/internal/models"
)

// Open connects to postgres with the given settings and runs automigration.
// The returned handle is passed explicitly to the repositories; there is no
// package-level connection.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
		CreateBatchSize:        1000,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := migrate(gdb); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return gdb, nil
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.Deposit{},
		&models.Checkbook{},
		&models.Allocation{},
		&models.Commitment{},
		&models.NullifierSpend{},
		&models.QueueRoot{},
		&models.WithdrawRequest{},
		&models.MultisigProposal{},
		&models.MultisigSignature{},
		&intent.RawTokenRoute{},
		&intent.AssetRoute{},
	)
}
