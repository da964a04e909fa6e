package db

import (
	"database/sql"
	"log"
)

// Every table except accounts is per account; rows are keyed by account uid.
const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		uid TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		account_uid TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		follow_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (account_uid, actor_id)
	)`

	sqlCreateFollowingTable = `CREATE TABLE IF NOT EXISTS following (
		account_uid TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		follow_json TEXT NOT NULL,
		accept_json TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (account_uid, actor_id)
	)`

	sqlCreateMutedTable = `CREATE TABLE IF NOT EXISTS muted (
		account_uid TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (account_uid, actor_id)
	)`

	// Actor directory cache
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		account_uid TEXT NOT NULL,
		hash TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		raw_json TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		PRIMARY KEY (account_uid, hash)
	)`

	sqlCreateTimelineTable = `CREATE TABLE IF NOT EXISTS timeline (
		account_uid TEXT NOT NULL,
		hash TEXT NOT NULL,
		id TEXT NOT NULL,
		object_json TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		children_json TEXT NOT NULL DEFAULT '[]',
		liked_by_json TEXT NOT NULL DEFAULT '[]',
		announced_by_json TEXT NOT NULL DEFAULT '[]',
		ordering_key INTEGER NOT NULL,
		local INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (account_uid, hash)
	)`

	sqlCreateTimelineIndices = `
		CREATE INDEX IF NOT EXISTS idx_timeline_ordering ON timeline(account_uid, ordering_key DESC);
		CREATE INDEX IF NOT EXISTS idx_timeline_local ON timeline(account_uid, local, ordering_key DESC);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		key TEXT NOT NULL PRIMARY KEY,
		account_uid TEXT NOT NULL,
		destination TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		scheduled_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_scheduled ON delivery_queue(scheduled_at);
	`

	// Activities log table (debugging)
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_uid TEXT NOT NULL,
		direction TEXT NOT NULL,
		method TEXT NOT NULL,
		actor_uri TEXT NOT NULL DEFAULT '',
		raw_json TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_account ON activities(account_uid, created_at DESC);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"followers", sqlCreateFollowersTable},
			{"following", sqlCreateFollowingTable},
			{"muted", sqlCreateMutedTable},
			{"actors", sqlCreateActorsTable},
			{"timeline", sqlCreateTimelineTable},
			{"delivery_queue", sqlCreateDeliveryQueueTable},
			{"activities", sqlCreateActivitiesTable},
		}
		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.sql, t.name); err != nil {
				return err
			}
		}

		// Create indices
		if _, err := tx.Exec(sqlCreateTimelineIndices); err != nil {
			log.Printf("Warning: Failed to create timeline indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateDeliveryQueueIndices); err != nil {
			log.Printf("Warning: Failed to create delivery_queue indices: %v", err)
		}
		if _, err := tx.Exec(sqlCreateActivitiesIndices); err != nil {
			log.Printf("Warning: Failed to create activities indices: %v", err)
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.Exec(createSQL)
	if err != nil {
		log.Printf("Error creating table %s: %v", tableName, err)
		return err
	}
	return nil
}
