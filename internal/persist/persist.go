// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist talks to the Akonadi item store database.
//
// Akonadi can run on MySQL (the default, a private mysqld started by
// akonadictl), PostgreSQL or SQLite.  All three are reached through
// database/sql; the differences in placeholder syntax and in how binary
// columns are read as text are confined to the dialect type.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os/exec"
	"os/user"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// AutoURL selects the database of the running Akonadi server.
const AutoURL = "auto"

// Options select the partition of the store a DB operates on.
type Options struct {
	// The collectiontable.resourceId of the local maildir resource.
	ResourceID int64

	// The pimitemtable.mimeTypeId of mail messages.
	MimeTypeID int64

	// The parttable.partTypeId of the message payload part.
	PartTypeID int64

	// Log every statement at debug level.
	Trace bool

	Logger log.Logger
}

// DefaultOptions match a stock single-account KMail setup.
func DefaultOptions() Options {
	return Options{ResourceID: 3, MimeTypeID: 2, PartTypeID: 2}
}

// DB is a handle on an Akonadi database.  It is safe for concurrent use.
type DB struct {
	db      *sql.DB
	dialect dialect
	opts    Options
	logger  log.Logger
}

type dialect struct {
	driver string

	// Numbered placeholders ($1, $2, ...) instead of "?".
	numbered bool

	// fmt formats turning a binary (VARBINARY/BYTEA/BLOB) column and
	// a character column into text.
	bytesExpr string
	charsExpr string

	// Literal compared against BOOL columns.
	trueLit string
}

var (
	mysqlDialect = dialect{
		driver:    "mysql",
		bytesExpr: "CONVERT(%s, CHAR)",
		charsExpr: "CONVERT(%s, CHAR)",
		trueLit:   "1",
	}
	postgresDialect = dialect{
		driver:    "pgx",
		numbered:  true,
		bytesExpr: "convert_from(%s, 'UTF8')",
		charsExpr: "%s",
		trueLit:   "TRUE",
	}
	sqliteDialect = dialect{
		driver:    "sqlite3",
		bytesExpr: "CAST(%s AS TEXT)",
		charsExpr: "CAST(%s AS TEXT)",
		trueLit:   "1",
	}
)

func (d dialect) bytes(col string) string {
	return fmt.Sprintf(d.bytesExpr, col)
}

func (d dialect) chars(col string) string {
	return fmt.Sprintf(d.charsExpr, col)
}

// rebind rewrites "?" placeholders for drivers that want them numbered.
// Statements built here never contain a literal question mark.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(q[i])
	}
	return sb.String()
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func sqliteDSN(path string) (string, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  Akonadi keeps the
	// database busy while it syncs; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)
	return dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
}

func mysqlDSN(u *url.URL) string {
	cfg := mysql.NewConfig()
	cfg.User = u.User.Username()
	cfg.Passwd, _ = u.User.Password()
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	if socket := u.Query().Get("socket"); socket != "" {
		cfg.Net = "unix"
		cfg.Addr = socket
	} else {
		cfg.Net = "tcp"
		cfg.Addr = u.Host
		if u.Port() == "" {
			cfg.Addr = u.Hostname() + ":3306"
		}
	}
	return cfg.FormatDSN()
}

var (
	socketRE = regexp.MustCompile(`--socket=(\S+)`)
	schemeRE = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*):`)
)

// findSocket returns the --socket argument of a running mysqld, given
// the output of ps.
func findSocket(ps string) (string, bool) {
	for _, line := range strings.Split(ps, "\n") {
		if !strings.Contains(line, "mysqld") {
			continue
		}
		if m := socketRE.FindStringSubmatch(line); m != nil {
			return m[1], true
		}
	}
	return "", false
}

func autoURL(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "ps", "axww", "-o", "args").Output()
	if err != nil {
		return "", errors.Wrap(err, "cannot list processes")
	}
	socket, ok := findSocket(string(out))
	if !ok {
		return "", errors.New("failed to get MySQL auto path; is Akonadi running? " +
			"If not, please restart it with `akonadictl restart`")
	}
	u := &url.URL{
		Scheme:   "mysql",
		Host:     "localhost",
		Path:     "/akonadi",
		RawQuery: url.Values{"socket": {socket}}.Encode(),
	}
	if usr, err := user.Current(); err == nil {
		u.User = url.User(usr.Username)
	}
	return u.String(), nil
}

// parseURL maps a database URL to a dialect and a driver DSN.
func parseURL(dbURL string) (dialect, string, error) {
	scheme := ""
	if m := schemeRE.FindStringSubmatch(dbURL); m != nil {
		scheme = strings.ToLower(m[1])
	}
	switch scheme {
	case "mysql", "mariadb":
		u, err := url.Parse(dbURL)
		if err != nil {
			return dialect{}, "", errors.Wrapf(err, "bad database URL %q", dbURL)
		}
		return mysqlDialect, mysqlDSN(u), nil
	case "postgres", "postgresql":
		return postgresDialect, dbURL, nil
	case "sqlite", "sqlite3":
		dsn, err := sqliteDSN(strings.TrimPrefix(dbURL[len(scheme)+1:], "//"))
		return sqliteDialect, dsn, err
	case "file", "":
		dsn, err := sqliteDSN(dbURL)
		return sqliteDialect, dsn, err
	}
	return dialect{}, "", errors.Errorf("unsupported database URL scheme %q", scheme)
}

// Open connects to the database at dbURL.  AutoURL locates the socket
// of the MySQL server started by Akonadi.
func Open(ctx context.Context, dbURL string, opts Options) (*DB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if dbURL == AutoURL {
		var err error
		if dbURL, err = autoURL(ctx); err != nil {
			return nil, err
		}
	}
	d, dsn, err := parseURL(dbURL)
	if err != nil {
		return nil, errors.Wrap(err, "could not form a DB DSN")
	}
	level.Debug(logger).Log("msg", "opening database", "driver", d.driver)
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s database", d.driver)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "could not connect to %s database", d.driver)
	}
	return &DB{db: db, dialect: d, opts: opts, logger: logger}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) trace(q string, args []interface{}) {
	if db.opts.Trace {
		level.Debug(db.logger).Log("msg", "SQL", "query", q, "args", fmt.Sprint(args))
	}
}

func (db *DB) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	q = db.dialect.rebind(q)
	db.trace(q, args)
	return db.db.QueryContext(ctx, q, args...)
}

func (db *DB) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	q = db.dialect.rebind(q)
	db.trace(q, args)
	return db.db.QueryRowContext(ctx, q, args...)
}

func (db *DB) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	q = db.dialect.rebind(q)
	db.trace(q, args)
	return db.db.ExecContext(ctx, q, args...)
}
