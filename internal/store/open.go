package store

import "fmt"

// Open dispatches to OpenSQLite or OpenPostgres by driver name, matching
// internal/config.StoreConfig.Driver.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "sqlite3":
		return OpenSQLite(dsn)
	case "pgx":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// Table names shared by the components that persist through Store.
const (
	TableMessages  = "messages"
	TableWorkspace = "workspace_entries"
	TableMissions  = "missions"
	TableCronJobs  = "scheduled_jobs"
	TableMemory    = "memory_entries"
)
