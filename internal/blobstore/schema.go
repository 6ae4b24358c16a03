package blobstore

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS blob (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		digest TEXT NOT NULL UNIQUE,
		size BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blob_path (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		blob_id INTEGER NOT NULL REFERENCES blob(id) ON DELETE CASCADE,
		digest TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blob_path_blob_id ON blob_path(blob_id)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS blob (
		id BIGSERIAL PRIMARY KEY,
		digest TEXT NOT NULL UNIQUE,
		size BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS blob_path (
		id BIGSERIAL PRIMARY KEY,
		blob_id BIGINT NOT NULL REFERENCES blob(id) ON DELETE CASCADE,
		digest TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blob_path_blob_id ON blob_path(blob_id)`,
}
