package db

import (
	"database/sql"

	"github.com/deemkeen/snacpub/domain"
)

// Activity archive queries
const (
	sqlInsertArchivedActivity   = `INSERT INTO activities(account_uid, direction, method, actor_uri, raw_json, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlSelectArchivedActivities = `SELECT id, account_uid, direction, method, actor_uri, raw_json, status, created_at FROM activities WHERE account_uid = ? ORDER BY created_at DESC, id DESC LIMIT ?`
)

func (db *DB) ArchiveActivity(a *domain.ArchivedActivity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertArchivedActivity,
			a.AccountUid,
			a.Direction,
			a.Method,
			a.ActorURI,
			a.RawJSON,
			a.Status,
			nanos(a.CreatedAt),
		)
		return err
	})
}

func (db *DB) ReadArchivedActivities(uid string, limit int) (error, *[]domain.ArchivedActivity) {
	rows, err := db.db.Query(sqlSelectArchivedActivities, uid, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var activities []domain.ArchivedActivity
	for rows.Next() {
		var a domain.ArchivedActivity
		var created int64
		if err := rows.Scan(&a.Id, &a.AccountUid, &a.Direction, &a.Method, &a.ActorURI, &a.RawJSON, &a.Status, &created); err != nil {
			return err, &activities
		}
		a.CreatedAt = fromNanos(created)
		activities = append(activities, a)
	}
	if err = rows.Err(); err != nil {
		return err, &activities
	}
	return nil, &activities
}
