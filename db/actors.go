package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
)

// Actor directory cache
const (
	sqlUpsertActor = `INSERT INTO actors(account_uid, hash, actor_id, raw_json, fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_uid, hash) DO UPDATE SET raw_json = excluded.raw_json, fetched_at = excluded.fetched_at`
	sqlSelectActor = `SELECT raw_json, fetched_at FROM actors WHERE account_uid = ? AND hash = ?`
	sqlTouchActor  = `UPDATE actors SET fetched_at = ? WHERE account_uid = ? AND hash = ?`
)

// WriteActor replaces the cached document of actorID.
func (db *DB) WriteActor(uid, actorID string, raw json.RawMessage, fetchedAt time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertActor, uid, util.IdHash(actorID), actorID, string(raw), nanos(fetchedAt))
		return err
	})
}

func (db *DB) ReadActor(uid, actorID string) (error, *domain.ActorDescriptor) {
	var raw string
	var fetched int64
	err := db.db.QueryRow(sqlSelectActor, uid, util.IdHash(actorID)).Scan(&raw, &fetched)
	if err != nil {
		return err, nil
	}
	actor, err := domain.ParseActor([]byte(raw))
	if err != nil {
		return err, nil
	}
	actor.FetchedAt = fromNanos(fetched)
	return nil, actor
}

// TouchActor only moves the fetch timestamp of a cached actor.
func (db *DB) TouchActor(uid, actorID string, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchActor, nanos(at), uid, util.IdHash(actorID))
		return err
	})
}
