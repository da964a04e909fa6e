package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
)

const (
	sqlTimelineColumns      = `id, hash, object_json, parent_id, children_json, liked_by_json, announced_by_json, ordering_key, local`
	sqlInsertTimeline       = `INSERT INTO timeline(account_uid, id, hash, object_json, parent_id, children_json, liked_by_json, announced_by_json, ordering_key, local) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectTimeline       = `SELECT ` + sqlTimelineColumns + ` FROM timeline WHERE account_uid = ? AND hash = ?`
	sqlUpdateTimelineMeta   = `UPDATE timeline SET children_json = ?, liked_by_json = ?, announced_by_json = ? WHERE account_uid = ? AND hash = ?`
	sqlUpdateTimelineKey    = `UPDATE timeline SET ordering_key = ? WHERE account_uid = ? AND hash = ?`
	sqlUpdateTimelineObject = `UPDATE timeline SET object_json = ? WHERE account_uid = ? AND hash = ?`
	sqlDeleteTimeline       = `DELETE FROM timeline WHERE account_uid = ? AND hash = ?`
	sqlPurgeTimeline        = `DELETE FROM timeline WHERE account_uid = ? AND ordering_key < ?`
	sqlCountTimeline        = `SELECT COUNT(*) FROM timeline WHERE account_uid = ?`
)

// TimelineAddResult tells what AddToTimeline did.
type TimelineAddResult int

const (
	TimelineExisted TimelineAddResult = iota
	TimelineAdded
)

func encodeList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(s string) []string {
	var list []string
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil
	}
	return list
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func scanTimelineEntry(row rowScanner) (*domain.TimelineEntry, error) {
	var e domain.TimelineEntry
	var object, children, liked, announced string
	var local int
	err := row.Scan(&e.Id, &e.Hash, &object, &e.ParentId, &children, &liked, &announced, &e.OrderingKey, &local)
	if err != nil {
		return nil, err
	}
	e.Object = json.RawMessage(object)
	e.ChildIds = decodeList(children)
	e.LikedBy = decodeList(liked)
	e.AnnouncedBy = decodeList(announced)
	e.Local = local == 1
	return &e, nil
}

func readTimelineTx(tx *sql.Tx, uid, id string) (*domain.TimelineEntry, error) {
	return scanTimelineEntry(tx.QueryRow(sqlSelectTimeline, uid, util.IdHash(id)))
}

func writeTimelineMetaTx(tx *sql.Tx, uid string, e *domain.TimelineEntry) error {
	_, err := tx.Exec(sqlUpdateTimelineMeta, encodeList(e.ChildIds), encodeList(e.LikedBy), encodeList(e.AnnouncedBy), uid, e.Hash)
	return err
}

// AddToTimeline stores object under id. An id that is already stored is left
// untouched. When parentId names a stored entry the new id is appended to its
// children (and, for Like/Announce, the reacting actor to its admirers), then
// every ancestor gets a fresh ordering key so the thread moves to the top. The
// whole walk is one transaction, bounded by maxDepth and cycle-safe.
func (db *DB) AddToTimeline(acc *domain.Account, object json.RawMessage, id, parentId string, maxDepth int) (TimelineAddResult, error) {
	header, err := domain.ParseHeader(object)
	if err != nil {
		return TimelineExisted, err
	}
	if id == "" {
		return TimelineExisted, fmt.Errorf("%w: object without id", domain.ErrProtocol)
	}

	result := TimelineExisted
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		result = TimelineExisted
		_, err := readTimelineTx(tx, acc.Uid, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var parent *domain.TimelineEntry
		if parentId != "" {
			parent, err = readTimelineTx(tx, acc.Uid, parentId)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		local := acc.Owns(id) || acc.Owns(header.Author()) || acc.Owns(parentId) || (parent != nil && parent.Local)

		_, err = tx.Exec(sqlInsertTimeline,
			acc.Uid,
			id,
			util.IdHash(id),
			string(object),
			parentId,
			"[]", "[]", "[]",
			db.tids.Next(),
			boolInt(local),
		)
		if err != nil {
			return err
		}
		result = TimelineAdded

		if parent == nil {
			return nil
		}

		parent.ChildIds = appendUnique(parent.ChildIds, id)
		switch domain.ParseKind(header.Type) {
		case domain.KindLike:
			parent.LikedBy = appendUnique(parent.LikedBy, header.Actor)
		case domain.KindAnnounce:
			parent.AnnouncedBy = appendUnique(parent.AnnouncedBy, header.Actor)
		}
		if err := writeTimelineMetaTx(tx, acc.Uid, parent); err != nil {
			return err
		}

		return db.bumpAncestorsTx(tx, acc.Uid, parent, id, maxDepth)
	})
	return result, err
}

// bumpAncestorsTx re-keys from start upwards until an ancestor is missing, has
// no parent, was already visited or maxDepth is reached.
func (db *DB) bumpAncestorsTx(tx *sql.Tx, uid string, start *domain.TimelineEntry, childId string, maxDepth int) error {
	visited := map[string]bool{childId: true}
	current := start
	for depth := 0; current != nil; depth++ {
		if maxDepth > 0 && depth >= maxDepth {
			log.Printf("Timeline: thread walk stopped at depth %d (%s)", depth, current.Id)
			break
		}
		if visited[current.Id] {
			log.Printf("Timeline: cycle detected at %s", current.Id)
			break
		}
		visited[current.Id] = true

		if _, err := tx.Exec(sqlUpdateTimelineKey, db.tids.Next(), uid, current.Hash); err != nil {
			return err
		}
		if current.ParentId == "" {
			break
		}
		next, err := readTimelineTx(tx, uid, current.ParentId)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return err
		}
		current = next
	}
	return nil
}

func (db *DB) ReadTimelineEntry(uid, id string) (error, *domain.TimelineEntry) {
	e, err := scanTimelineEntry(db.db.QueryRow(sqlSelectTimeline, uid, util.IdHash(id)))
	if err != nil {
		return err, nil
	}
	return nil, e
}

// DeleteFromTimeline removes the entry and its id from the parent's children.
// A missing id is reported as sql.ErrNoRows.
func (db *DB) DeleteFromTimeline(uid, id string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		e, err := readTimelineTx(tx, uid, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(sqlDeleteTimeline, uid, e.Hash); err != nil {
			return err
		}
		if e.ParentId == "" {
			return nil
		}
		parent, err := readTimelineTx(tx, uid, e.ParentId)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		parent.ChildIds = removeValue(parent.ChildIds, id)
		return writeTimelineMetaTx(tx, uid, parent)
	})
}

// RemoveAdmiration takes actor out of the target's likedBy (or announcedBy) and
// drops the reaction entry itself when its id is known.
func (db *DB) RemoveAdmiration(uid, targetId, actor string, kind domain.Kind, reactionId string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		target, err := readTimelineTx(tx, uid, targetId)
		if err != nil {
			return err
		}
		switch kind {
		case domain.KindLike:
			target.LikedBy = removeValue(target.LikedBy, actor)
		case domain.KindAnnounce:
			target.AnnouncedBy = removeValue(target.AnnouncedBy, actor)
		default:
			return fmt.Errorf("%s is not an admiration", kind)
		}
		if reactionId != "" {
			res, err := tx.Exec(sqlDeleteTimeline, uid, util.IdHash(reactionId))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				target.ChildIds = removeValue(target.ChildIds, reactionId)
			}
		}
		return writeTimelineMetaTx(tx, uid, target)
	})
}

// ReplaceTimelineObject swaps the stored object and keeps all thread metadata.
func (db *DB) ReplaceTimelineObject(uid, id string, object json.RawMessage) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateTimelineObject, string(object), uid, util.IdHash(id))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ReadTimeline returns up to limit entries in recency order, newest first unless
// ascending is set.
func (db *DB) ReadTimeline(uid string, limit int, ascending, localOnly bool) (error, *[]domain.TimelineEntry) {
	query := `SELECT ` + sqlTimelineColumns + ` FROM timeline WHERE account_uid = ?`
	if localOnly {
		query += ` AND local = 1`
	}
	if ascending {
		query += ` ORDER BY ordering_key ASC`
	} else {
		query += ` ORDER BY ordering_key DESC`
	}
	query += ` LIMIT ?`

	rows, err := db.db.Query(query, uid, limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var entries []domain.TimelineEntry
	for rows.Next() {
		e, err := scanTimelineEntry(rows)
		if err != nil {
			return err, &entries
		}
		entries = append(entries, *e)
	}
	if err = rows.Err(); err != nil {
		return err, &entries
	}
	return nil, &entries
}

// PurgeTimeline deletes entries whose ordering key is older than the cutoff.
// Children of purged entries are left in place.
func (db *DB) PurgeTimeline(uid string, olderThan time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPurgeTimeline, uid, nanos(olderThan))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (db *DB) CountTimeline(uid string) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountTimeline, uid).Scan(&n)
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
