package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/snacpub/domain"
)

// Follower queries
const (
	sqlUpsertFollower  = `INSERT OR REPLACE INTO followers(account_uid, actor_id, follow_json, created_at) VALUES (?, ?, ?, ?)`
	sqlDeleteFollower  = `DELETE FROM followers WHERE account_uid = ? AND actor_id = ?`
	sqlSelectFollowers = `SELECT actor_id, follow_json, created_at FROM followers WHERE account_uid = ? ORDER BY created_at`
	sqlIsFollower      = `SELECT COUNT(*) FROM followers WHERE account_uid = ? AND actor_id = ?`
)

// Following queries
const (
	sqlUpsertFollowing = `INSERT OR REPLACE INTO following(account_uid, actor_id, follow_json, accept_json, created_at) VALUES (?, ?, ?, NULL, ?)`
	sqlAcceptFollowing = `UPDATE following SET accept_json = ? WHERE account_uid = ? AND actor_id = ?`
	sqlDeleteFollowing = `DELETE FROM following WHERE account_uid = ? AND actor_id = ?`
	sqlSelectFollowing = `SELECT actor_id, follow_json, accept_json, created_at FROM following WHERE account_uid = ?`
)

// Mute queries
const (
	sqlInsertMuted = `INSERT OR IGNORE INTO muted(account_uid, actor_id, created_at) VALUES (?, ?, ?)`
	sqlDeleteMuted = `DELETE FROM muted WHERE account_uid = ? AND actor_id = ?`
	sqlIsMuted     = `SELECT COUNT(*) FROM muted WHERE account_uid = ? AND actor_id = ?`
	sqlSelectMuted = `SELECT actor_id FROM muted WHERE account_uid = ? ORDER BY actor_id`
)

func (db *DB) exists(query string, args ...any) (bool, error) {
	var n int
	if err := db.db.QueryRow(query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) AddFollower(uid, actorID string, follow json.RawMessage) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollower, uid, actorID, string(follow), nanos(time.Now()))
		return err
	})
}

func (db *DB) DeleteFollower(uid, actorID string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollower, uid, actorID)
		return err
	})
}

func (db *DB) IsFollower(uid, actorID string) (bool, error) {
	return db.exists(sqlIsFollower, uid, actorID)
}

func (db *DB) ReadFollowers(uid string) (error, *[]domain.FollowRecord) {
	rows, err := db.db.Query(sqlSelectFollowers, uid)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var followers []domain.FollowRecord
	for rows.Next() {
		var rec domain.FollowRecord
		var follow string
		var created int64
		if err := rows.Scan(&rec.ActorID, &follow, &created); err != nil {
			return err, &followers
		}
		rec.Follow = json.RawMessage(follow)
		rec.CreatedAt = fromNanos(created)
		followers = append(followers, rec)
	}
	if err = rows.Err(); err != nil {
		return err, &followers
	}
	return nil, &followers
}

// AddFollowing records a pending follow; any previous Accept is discarded.
func (db *DB) AddFollowing(uid, actorID string, follow json.RawMessage) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertFollowing, uid, actorID, string(follow), nanos(time.Now()))
		return err
	})
}

// AcceptFollowing attaches the Accept. It returns sql.ErrNoRows when we never
// asked to follow actorID.
func (db *DB) AcceptFollowing(uid, actorID string, accept json.RawMessage) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlAcceptFollowing, string(accept), uid, actorID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

func (db *DB) DeleteFollowing(uid, actorID string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowing, uid, actorID)
		return err
	})
}

func scanFollowing(row rowScanner) (*domain.FollowRecord, error) {
	var rec domain.FollowRecord
	var follow string
	var accept sql.NullString
	var created int64
	if err := row.Scan(&rec.ActorID, &follow, &accept, &created); err != nil {
		return nil, err
	}
	rec.Follow = json.RawMessage(follow)
	if accept.Valid {
		rec.Accept = json.RawMessage(accept.String)
	}
	rec.CreatedAt = fromNanos(created)
	return &rec, nil
}

func (db *DB) ReadFollowingRecord(uid, actorID string) (error, *domain.FollowRecord) {
	rec, err := scanFollowing(db.db.QueryRow(sqlSelectFollowing+` AND actor_id = ?`, uid, actorID))
	if err != nil {
		return err, nil
	}
	return nil, rec
}

func (db *DB) ReadFollowing(uid string) (error, *[]domain.FollowRecord) {
	rows, err := db.db.Query(sqlSelectFollowing+` ORDER BY created_at`, uid)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var following []domain.FollowRecord
	for rows.Next() {
		rec, err := scanFollowing(rows)
		if err != nil {
			return err, &following
		}
		following = append(following, *rec)
	}
	if err = rows.Err(); err != nil {
		return err, &following
	}
	return nil, &following
}

func (db *DB) Mute(uid, actorID string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertMuted, uid, actorID, nanos(time.Now()))
		return err
	})
}

func (db *DB) Unmute(uid, actorID string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteMuted, uid, actorID)
		return err
	})
}

func (db *DB) IsMuted(uid, actorID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	return db.exists(sqlIsMuted, uid, actorID)
}

func (db *DB) ReadMuted(uid string) (error, []string) {
	rows, err := db.db.Query(sqlSelectMuted, uid)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var muted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err, muted
		}
		muted = append(muted, id)
	}
	return rows.Err(), muted
}
