package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/snacpub/domain"
)

// Delivery Queue queries
const (
	sqlInsertQueueItem      = `INSERT INTO delivery_queue(key, account_uid, destination, activity_json, retries, scheduled_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlQueueColumns         = `key, account_uid, destination, activity_json, retries, scheduled_at, created_at`
	sqlSelectDueItems       = `SELECT ` + sqlQueueColumns + ` FROM delivery_queue WHERE scheduled_at <= ? ORDER BY scheduled_at ASC, key ASC LIMIT ?`
	sqlSelectQueueByAccount = `SELECT ` + sqlQueueColumns + ` FROM delivery_queue WHERE account_uid = ? ORDER BY scheduled_at ASC, key ASC`
	sqlDeleteQueueItem      = `DELETE FROM delivery_queue WHERE key = ?`
)

func insertQueueItemTx(tx *sql.Tx, item *domain.QueueItem) error {
	_, err := tx.Exec(sqlInsertQueueItem,
		item.Key,
		item.AccountUid,
		item.Destination,
		string(item.Activity),
		item.Retries,
		nanos(item.ScheduledAt),
		nanos(item.CreatedAt),
	)
	return err
}

func (db *DB) EnqueueDelivery(item *domain.QueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return insertQueueItemTx(tx, item)
	})
}

// ReplaceDelivery drops oldKey and stores next in the same transaction, so a
// crash never loses or duplicates the delivery.
func (db *DB) ReplaceDelivery(oldKey string, next *domain.QueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlDeleteQueueItem, oldKey); err != nil {
			return err
		}
		return insertQueueItemTx(tx, next)
	})
}

func (db *DB) DeleteDelivery(key string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteQueueItem, key)
		return err
	})
}

func scanQueueItems(rows *sql.Rows) (error, *[]domain.QueueItem) {
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		var item domain.QueueItem
		var activity string
		var scheduled, created int64
		if err := rows.Scan(&item.Key, &item.AccountUid, &item.Destination, &activity, &item.Retries, &scheduled, &created); err != nil {
			return err, &items
		}
		item.Activity = json.RawMessage(activity)
		item.ScheduledAt = fromNanos(scheduled)
		item.CreatedAt = fromNanos(created)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return err, &items
	}
	return nil, &items
}

// ReadDueDeliveries returns up to limit items scheduled at or before now.
func (db *DB) ReadDueDeliveries(now time.Time, limit int) (error, *[]domain.QueueItem) {
	rows, err := db.db.Query(sqlSelectDueItems, nanos(now), limit)
	if err != nil {
		return err, nil
	}
	return scanQueueItems(rows)
}

func (db *DB) ReadDeliveriesByAccount(uid string) (error, *[]domain.QueueItem) {
	rows, err := db.db.Query(sqlSelectQueueByAccount, uid)
	if err != nil {
		return err, nil
	}
	return scanQueueItems(rows)
}
