// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store is the only component that owns database handles. Every
// call executes on the dedicated database goroutine through queued
// invocation; consumers address queries by registry id and bind values.
package store

import (
	"database/sql"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/logging"
)

// Store owns the sqlite handle and the prepared-statement cache.
type Store struct {
	db     *sql.DB
	logger *logging.Logger

	jobs      chan job
	done      chan struct{}
	closeOnce sync.Once
	sealer    *Sealer

	stmts map[StmtID]*sql.Stmt
}

type job struct {
	fn    func(db *sql.DB) error
	reply chan error
}

// Open opens (or creates) the database, applies pending migrations, and
// starts the database goroutine. masterSecret seeds the column sealer; nil
// disables sealing (tests, development).
func Open(path string, masterSecret []byte, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.WithComponent("store")
	}
	if err := verifyRegistry(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "opening database")
	}
	// Single connection: the database context is one thread by design.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger,
		jobs:   make(chan job, 64),
		done:   make(chan struct{}),
		stmts:  make(map[StmtID]*sql.Stmt),
	}

	if masterSecret != nil {
		salt, err := loadOrCreateSalt(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		sealer, err := NewSealer(masterSecret, salt)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.sealer = sealer
	}

	go s.loop()
	return s, nil
}

// Sealer returns the column sealer, or nil when sealing is disabled.
func (s *Store) Sealer() *Sealer { return s.sealer }

// loop is the database goroutine. All statement execution happens here.
func (s *Store) loop() {
	defer close(s.done)
	for j := range s.jobs {
		j.reply <- j.fn(s.db)
	}
}

// run posts fn to the database goroutine and waits for completion.
func (s *Store) run(fn func(db *sql.DB) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf(errors.KindInfrastructure, "store closed")
		}
	}()
	reply := make(chan error, 1)
	s.jobs <- job{fn: fn, reply: reply}
	return <-reply
}

// prepared returns the cached handle for a registered statement, preparing
// it on first use. Runs on the database goroutine.
func (s *Store) prepared(db *sql.DB, id StmtID) (*sql.Stmt, error) {
	if st, ok := s.stmts[id]; ok {
		return st, nil
	}
	def, ok := registry[id]
	if !ok {
		return nil, errors.Errorf(errors.KindInternal, "unknown statement id %q", id)
	}
	st, err := db.Prepare(def.sql)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInfrastructure, "preparing %s", id)
	}
	s.stmts[id] = st
	return st, nil
}

// Exec runs a writable registered statement with the given binds.
func (s *Store) Exec(id StmtID, args ...any) error {
	return s.run(func(db *sql.DB) error {
		st, err := s.prepared(db, id)
		if err != nil {
			return err
		}
		if _, err := st.Exec(args...); err != nil {
			return classify(err)
		}
		return nil
	})
}

// ExecLastID runs a writable statement and returns the inserted row id.
func (s *Store) ExecLastID(id StmtID, args ...any) (int64, error) {
	var rowID int64
	err := s.run(func(db *sql.DB) error {
		st, err := s.prepared(db, id)
		if err != nil {
			return err
		}
		res, err := st.Exec(args...)
		if err != nil {
			return classify(err)
		}
		rowID, _ = res.LastInsertId()
		return nil
	})
	return rowID, err
}

// ExecCount runs a writable statement and returns rows affected.
func (s *Store) ExecCount(id StmtID, args ...any) (int64, error) {
	var n int64
	err := s.run(func(db *sql.DB) error {
		st, err := s.prepared(db, id)
		if err != nil {
			return err
		}
		res, err := st.Exec(args...)
		if err != nil {
			return classify(err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// QueryRows runs a read-only registered statement; scan is called once per
// row on the database goroutine.
func (s *Store) QueryRows(id StmtID, scan func(*sql.Rows) error, args ...any) error {
	return s.run(func(db *sql.DB) error {
		st, err := s.prepared(db, id)
		if err != nil {
			return err
		}
		rows, err := st.Query(args...)
		if err != nil {
			return classify(err)
		}
		defer rows.Close()
		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		return classify(rows.Err())
	})
}

// QueryRow runs a single-row read; scan receives the row.
func (s *Store) QueryRow(id StmtID, scan func(*sql.Row) error, args ...any) error {
	return s.run(func(db *sql.DB) error {
		st, err := s.prepared(db, id)
		if err != nil {
			return err
		}
		return scan(st.QueryRow(args...))
	})
}

// Transaction runs fn inside a transaction on the database goroutine.
// Any error (or panic) from fn rolls the transaction back. fn must use the
// passed Tx handles, never the Store's public methods, which would deadlock
// against the single goroutine.
func (s *Store) Transaction(fn func(tx *sql.Tx) error) error {
	return s.run(func(db *sql.DB) (err error) {
		tx, err := db.Begin()
		if err != nil {
			return classify(err)
		}
		defer func() {
			if r := recover(); r != nil {
				tx.Rollback()
				err = errors.Errorf(errors.KindInternal, "transaction panicked: %v", r)
			}
		}()
		if err := fn(tx); err != nil {
			tx.Rollback()
			return classify(err)
		}
		if err := tx.Commit(); err != nil {
			return classify(err)
		}
		return nil
	})
}

// TxStmt returns the transaction-bound form of a registered statement for
// use inside Transaction callbacks.
func (s *Store) TxStmt(tx *sql.Tx, id StmtID) (*sql.Stmt, error) {
	if st, ok := s.stmts[id]; ok {
		return tx.Stmt(st), nil
	}
	def, ok := registry[id]
	if !ok {
		return nil, errors.Errorf(errors.KindInternal, "unknown statement id %q", id)
	}
	// The open transaction holds the only connection, so an uncached
	// statement is prepared on the transaction itself.
	st, err := tx.Prepare(def.sql)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindInfrastructure, "preparing %s", id)
	}
	return st, nil
}

// Close drains pending work and closes the handle. Idempotent. The final
// persistence drain must have completed before Close is called.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.jobs)
		<-s.done

		for _, st := range s.stmts {
			st.Close()
		}
		if cerr := s.db.Close(); cerr != nil {
			err = errors.Wrap(cerr, errors.KindInfrastructure, "closing database")
		}
	})
	return err
}

// classify maps driver failures onto the store's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "disk is full") || strings.Contains(msg, "database or disk is full"):
		return errors.Wrap(err, errors.KindInfrastructure, errors.ErrStoreFull.Message)
	case err == sql.ErrConnDone || strings.Contains(msg, "database is closed"):
		return errors.Wrap(err, errors.KindInfrastructure, errors.ErrStoreUnavailable.Message)
	case strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy"):
		return errors.Wrap(err, errors.KindTransient, "database busy")
	default:
		return errors.Wrap(err, errors.KindInfrastructure, "store operation failed")
	}
}
