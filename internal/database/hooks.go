package database

import (
	"time"

	"gorm.io/gorm"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
)

const startTimeKey = "metrics:start_time"

// RegisterHooks registers GORM callbacks that time every statement
func RegisterHooks(db *gorm.DB) {
	cb := db.Callback()

	cb.Create().Before("gorm:create").Register("metrics:before_create", markStart)
	cb.Query().Before("gorm:query").Register("metrics:before_query", markStart)
	cb.Update().Before("gorm:update").Register("metrics:before_update", markStart)
	cb.Delete().Before("gorm:delete").Register("metrics:before_delete", markStart)
	cb.Raw().Before("gorm:raw").Register("metrics:before_raw", markStart)

	cb.Create().After("gorm:create").Register("metrics:create", record(metrics.DBQueryTypeInsert))
	cb.Query().After("gorm:query").Register("metrics:query", record(metrics.DBQueryTypeSelect))
	cb.Update().After("gorm:update").Register("metrics:update", record(metrics.DBQueryTypeUpdate))
	cb.Delete().After("gorm:delete").Register("metrics:delete", record(metrics.DBQueryTypeDelete))
	cb.Raw().After("gorm:raw").Register("metrics:raw", record(metrics.DBQueryTypeRaw))
}

func markStart(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

func record(queryType string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		var elapsed time.Duration
		if start, ok := db.InstanceGet(startTimeKey); ok {
			elapsed = time.Since(start.(time.Time))
		}
		success := db.Error == nil || IsRecordNotFound(db.Error)
		metrics.Get().RecordDatabaseQuery(queryType, success, elapsed)
	}
}
