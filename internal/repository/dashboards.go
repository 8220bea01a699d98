package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// DashboardRepository dashboard placeholders
type DashboardRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDashboardRepository creates the dashboard repository
func NewDashboardRepository(db *sql.DB, logger *zap.Logger) *DashboardRepository {
	return &DashboardRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureDefault creates the default dashboard for a device if none exists.
// Idempotent: repeated calls for the same device are no-ops.
func (r *DashboardRepository) EnsureDefault(deviceUUID string) error {
	query := `
		INSERT INTO dashboards (title, description, owner, device_uuid)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM dashboards WHERE device_uuid = $4
		)
	`

	title := fmt.Sprintf("Device %s", deviceUUID)
	_, err := r.db.Exec(query, title, "Auto-created device dashboard", "system", deviceUUID)
	if err != nil {
		return fmt.Errorf("failed to ensure default dashboard: %w", err)
	}

	return nil
}
