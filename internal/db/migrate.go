package db

import (
	"context"
	"fmt"
)

func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	tx := p.gdb.WithContext(ctx)
	if err := tx.Exec("CREATE SCHEMA IF NOT EXISTS shoplens").Error; err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := tx.AutoMigrate(autoMigrateModels()...); err != nil {
		return fmt.Errorf("migrate models: %w", err)
	}

	return nil
}
