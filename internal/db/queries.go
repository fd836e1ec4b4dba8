package db

const (
	createMigrationsTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`
	listMigrations  = `SELECT version FROM schema_migrations`
	insertMigration = `INSERT INTO schema_migrations (version) VALUES (?)`
)

const (
	GetValue = `SELECT value FROM kv_store WHERE key = ?`

	SetValue = `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = CURRENT_TIMESTAMP
	`

	DeleteValue = `DELETE FROM kv_store WHERE key = ?`
)

const (
	GetSetting = `SELECT value, encrypted, updated_at FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, encrypted = ?, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`
)
