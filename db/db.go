package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct.
type DB struct {
	db   *sql.DB
	tids *util.TidSource
}

const (
	txTimeout  = 5 * time.Second
	txAttempts = 5
)

// Open opens (or creates) the database at path and brings the schema up to date.
// The special path ":memory:" gives a private in-memory database.
func Open(path string) (*DB, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	if path == ":memory:" {
		sqlDB, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, err
		}
		// every connection of an in-memory database is a separate database
		sqlDB.SetMaxOpenConns(1)
	} else {
		// pragmas in the DSN apply to every pooled connection
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate", path)
		sqlDB, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(8)
		sqlDB.SetMaxIdleConns(4)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	db := &DB{db: sqlDB, tids: util.NewTidSource(nil)}
	if err := db.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return db, nil
}

// SetClock replaces the clock behind timeline ordering keys.
func (db *DB) SetClock(now func() time.Time) {
	db.tids = util.NewTidSource(now)
}

func (db *DB) Close() error {
	return db.db.Close()
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// wrapTransaction runs f inside a transaction. A busy database restarts the
// whole transaction, never the statement alone.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt*attempt) * 20 * time.Millisecond)
		}
		err = db.runTransaction(f)
		if err == nil || !isBusy(err) {
			break
		}
		log.Printf("database busy, retrying transaction (%d/%d)", attempt+1, txAttempts)
	}
	if err != nil {
		log.Printf("error in transaction: %s", err)
	}
	return err
}

func (db *DB) runTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), txTimeout)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

// Accounts
const (
	sqlInsertAccount  = `INSERT INTO accounts(uid, actor_id, name, bio, avatar, password_hash, public_key, private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccount  = `SELECT uid, actor_id, name, bio, avatar, password_hash, public_key, private_key, created_at FROM accounts`
	sqlUpdateProfile  = `UPDATE accounts SET name = ?, bio = ?, avatar = ? WHERE uid = ?`
	sqlUpdatePassword = `UPDATE accounts SET password_hash = ? WHERE uid = ?`
)

func (db *DB) CreateAccount(acc *domain.Account) error {
	if acc.Uid == "" || strings.ContainsAny(acc.Uid, "/?#@ ") {
		return fmt.Errorf("invalid uid %q", acc.Uid)
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertAccount,
			acc.Uid,
			acc.ActorID,
			acc.Name,
			acc.Bio,
			acc.Avatar,
			acc.PasswordHash,
			acc.PublicKeyPem,
			acc.PrivateKeyPem,
			nanos(acc.CreatedAt),
		)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var acc domain.Account
	var created int64
	err := row.Scan(&acc.Uid, &acc.ActorID, &acc.Name, &acc.Bio, &acc.Avatar, &acc.PasswordHash, &acc.PublicKeyPem, &acc.PrivateKeyPem, &created)
	if err != nil {
		return nil, err
	}
	acc.CreatedAt = fromNanos(created)
	return &acc, nil
}

func (db *DB) ReadAccByUid(uid string) (error, *domain.Account) {
	acc, err := scanAccount(db.db.QueryRow(sqlSelectAccount+` WHERE uid = ?`, uid))
	if err != nil {
		return err, nil
	}
	return nil, acc
}

func (db *DB) ReadAccByActor(actorID string) (error, *domain.Account) {
	acc, err := scanAccount(db.db.QueryRow(sqlSelectAccount+` WHERE actor_id = ?`, actorID))
	if err != nil {
		return err, nil
	}
	return nil, acc
}

func (db *DB) ReadAllAccounts() (error, *[]domain.Account) {
	rows, err := db.db.Query(sqlSelectAccount + ` ORDER BY uid`)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return err, &accounts
		}
		accounts = append(accounts, *acc)
	}
	if err = rows.Err(); err != nil {
		return err, &accounts
	}
	return nil, &accounts
}

func (db *DB) UpdateAccountProfile(uid, name, bio, avatar string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateProfile, name, bio, avatar, uid)
		return err
	})
}

func (db *DB) UpdateAccountPassword(uid, passwordHash string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdatePassword, passwordHash, uid)
		return err
	})
}
