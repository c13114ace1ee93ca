/*
 * This file is part of Margay.
 *
 * Margay is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * Margay is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with Margay.  If not, see <http://www.gnu.org/licenses/>.
 */

package database

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"margay/collector"
	"margay/config"
	"margay/database/types"
	"margay/log"

	"github.com/go-sql-driver/mysql"
)

type Connection struct {
	sqlDb *sql.DB
	mutex sync.Mutex
}

// RecordKind One per record buffer / flush queue
type RecordKind int

const (
	RecordUsers RecordKind = iota
	RecordTorrents
	RecordPeers
	RecordPeerHist
	RecordSnatches
	RecordTokens

	recordKindCount
)

func (k RecordKind) String() string {
	switch k {
	case RecordUsers:
		return "users"
	case RecordTorrents:
		return "torrents"
	case RecordPeers:
		return "peers"
	case RecordPeerHist:
		return "peer_hist"
	case RecordSnatches:
		return "snatches"
	case RecordTokens:
		return "tokens"
	}

	return "unknown"
}

/*
 * recordBuffer The mutex guards the append-only fragment buffer, the queue
 * of pending bulk statements and the worker active flag. The flush worker
 * re-takes it for every queue pop, so fragments recorded while a worker is
 * draining are never lost.
 */
type recordBuffer struct {
	sync.Mutex

	buffer bytes.Buffer
	queue  []string
	active bool
}

type Database struct {
	// TorrentsMutex guards the structure of Torrents and every torrent's
	// Seeders/Leechers maps
	TorrentsMutex sync.Mutex
	Torrents      map[types.TorrentHash]*types.Torrent

	UsersMutex sync.RWMutex
	Users      map[string]*types.User

	BlacklistMutex sync.RWMutex
	Blacklist      []string

	// SiteFreeleechUntil sitewide freeleech expiry, unix time
	SiteFreeleechUntil atomic.Int64

	buffers [recordKindCount]recordBuffer

	mainConn *Connection

	loadSiteOptionsStmt *sql.Stmt
	loadTorrentsStmt    *sql.Stmt
	loadUsersStmt       *sql.Stmt
	loadTokensStmt      *sql.Stmt
	loadBlacklistStmt   *sql.Stmt

	ctx    context.Context
	cancel context.CancelFunc

	waitGroup sync.WaitGroup
}

var (
	deadlockWaitTime   int
	maxDeadlockRetries int

	flushInterval   time.Duration
	flushRetryPause time.Duration
	reapInterval    time.Duration

	peersTimeout int64
)

var defaultDsn = map[string]string{
	"username": "margay",
	"password": "",
	"proto":    "tcp",
	"addr":     "127.0.0.1:3306",
	"database": "margay",
}

func init() {
	databaseConfig := config.Section("database")
	deadlockWaitTime, _ = databaseConfig.GetInt("deadlock_pause", 1)
	maxDeadlockRetries, _ = databaseConfig.GetInt("deadlock_retries", 5)

	flushConfig := config.Section("flush")
	interval, _ := flushConfig.GetInt("interval", 3)
	flushInterval = time.Duration(interval) * time.Second
	retry, _ := flushConfig.GetInt("retry_pause", 3)
	flushRetryPause = time.Duration(retry) * time.Second

	trackerConfig := config.Section("tracker")
	reap, _ := trackerConfig.GetInt("reap_interval", 120)
	reapInterval = time.Duration(reap) * time.Second
	timeout, _ := trackerConfig.GetInt("peers_timeout", 2700)
	peersTimeout = int64(timeout)
}

func (db *Database) Init() {
	db.ctx, db.cancel = context.WithCancel(context.Background())

	log.Info.Printf("Opening database connection...")

	db.mainConn = Open()

	var err error

	db.loadSiteOptionsStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT UNIX_TIMESTAMP(FreeLeech) FROM site_options")
	if err != nil {
		panic(err)
	}

	db.loadTorrentsStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT ID, info_hash, freetorrent, double_seed, Snatched FROM torrents ORDER BY ID")
	if err != nil {
		panic(err)
	}

	db.loadUsersStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT ID, can_leech, torrent_pass, UNIX_TIMESTAMP(personal_freeleech), PermissionID " +
			"FROM users_main " +
			"WHERE Enabled = '1'")
	if err != nil {
		panic(err)
	}

	db.loadTokensStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT us.UserID, UNIX_TIMESTAMP(us.FreeLeech), UNIX_TIMESTAMP(us.DoubleSeed), t.info_hash " +
			"FROM users_slots AS us " +
			"JOIN torrents AS t ON t.ID = us.TorrentID")
	if err != nil {
		panic(err)
	}

	db.loadBlacklistStmt, err = db.mainConn.sqlDb.Prepare(
		"SELECT peer_id FROM xbt_client_blacklist")
	if err != nil {
		panic(err)
	}

	db.Torrents = make(map[types.TorrentHash]*types.Torrent)
	db.Users = make(map[string]*types.User)

	// Run initial load to populate data in memory before we start accepting connections
	log.Info.Printf("Populating initial data into memory, please wait...")
	db.loadSiteOptions()
	db.loadTorrents()
	db.loadUsers()
	db.loadTokens()
	db.loadBlacklist()

	log.Info.Printf("Starting goroutines...")
	db.startFlushing()
	db.startReaping()
}

// Terminate Stops the periodic goroutines, then flushes until every queue
// has drained. Callers must have stopped feeding announces first.
func (db *Database) Terminate() {
	db.cancel()

	for {
		db.Flush()

		if db.AllClear() {
			break
		}

		time.Sleep(time.Second)
	}

	db.waitGroup.Wait()

	db.mainConn.mutex.Lock()
	_ = db.mainConn.Close()
	db.mainConn.mutex.Unlock()
}

func Open() *Connection {
	sqlDb, err := sql.Open("mysql", dsn())
	if err != nil {
		log.Fatal.Fatalf("Couldn't connect to database - %s", err)
	}

	err = sqlDb.Ping()
	if err != nil {
		log.Fatal.Fatalf("Couldn't ping database - %s", err)
	}

	return &Connection{
		sqlDb: sqlDb,
	}
}

/*
 * openWorkerConnection Dedicated connection for a flush worker. Dialing is
 * lazy; any failure surfaces as an exec error and goes through the worker's
 * retry loop instead of killing the process.
 */
func openWorkerConnection() *Connection {
	sqlDb, err := sql.Open("mysql", dsn())
	if err != nil {
		log.Error.Printf("Couldn't open worker connection - %s", err)
		log.WriteStack()

		return nil
	}

	sqlDb.SetMaxOpenConns(1)

	return &Connection{
		sqlDb: sqlDb,
	}
}

// DSN Format: username:password@protocol(address)/dbname?param=value
// First try to load the DSN from environment. Useful for tests.
func dsn() string {
	databaseDsn := os.Getenv("DB_DSN")
	if databaseDsn == "" {
		databaseConfig := config.Section("database")
		dbUsername, _ := databaseConfig.Get("username", defaultDsn["username"])
		dbPassword, _ := databaseConfig.Get("password", defaultDsn["password"])
		dbProto, _ := databaseConfig.Get("proto", defaultDsn["proto"])
		dbAddr, _ := databaseConfig.Get("addr", defaultDsn["addr"])
		dbDatabase, _ := databaseConfig.Get("database", defaultDsn["database"])
		databaseDsn = fmt.Sprintf("%s:%s@%s(%s)/%s",
			dbUsername,
			dbPassword,
			dbProto,
			dbAddr,
			dbDatabase,
		)
	}

	return databaseDsn
}

func (db *Connection) Close() error {
	return db.sqlDb.Close()
}

func (db *Connection) query(stmt *sql.Stmt, args ...interface{}) *sql.Rows {
	rows, _ := perform(func() (interface{}, error) {
		return stmt.Query(args...)
	}).(*sql.Rows)

	return rows
}

func perform(exec func() (interface{}, error)) (result interface{}) {
	var (
		err   error
		tries int
		wait  time.Duration
	)

	for tries = 1; tries <= maxDeadlockRetries; tries++ {
		result, err = exec()
		if err != nil {
			if merr, isMysqlError := err.(*mysql.MySQLError); isMysqlError {
				if merr.Number == 1213 || merr.Number == 1205 {
					wait = time.Duration(deadlockWaitTime*tries) * time.Second
					log.Warning.Printf("Deadlock found! Retrying in %s (%d/%d)", wait.String(), tries,
						maxDeadlockRetries)

					if tries == 1 {
						collector.IncrementDeadlockCount()
					}

					collector.IncrementDeadlockTime(wait)
					time.Sleep(wait)

					continue
				} else {
					log.Error.Printf("SQL error %d: %s", merr.Number, merr.Message)
					log.WriteStack()

					collector.IncrementSQLErrorCount()
				}
			} else {
				log.Panic.Printf("Error executing SQL: %s", err)
				panic(err)
			}
		}

		return
	}

	log.Error.Printf("Deadlocked %d times, giving up!", tries)
	log.WriteStack()
	collector.IncrementDeadlockAborted()

	return
}
