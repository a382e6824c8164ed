package sqlrunner

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"

	"ojudge/internal/common/db"
	appErr "ojudge/pkg/errors"

	"github.com/go-sql-driver/mysql"
)

// fakeServer understands the handful of statements the runner and these tests issue.
type fakeServer struct {
	mu      sync.Mutex
	tables  map[string]map[string]bool
	users   map[string]bool
	grants  map[string]string
	created []string
	queries []fakeQuery
}

type fakeQuery struct {
	database string
	user     string
	multi    bool
	query    string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		tables: map[string]map[string]bool{},
		users:  map[string]bool{},
		grants: map[string]string{},
	}
}

var (
	createDatabaseRe = regexp.MustCompile("^CREATE DATABASE `(\\w+)`$")
	dropDatabaseRe   = regexp.MustCompile("^DROP DATABASE IF EXISTS `(\\w+)`$")
	createUserRe     = regexp.MustCompile(`^CREATE USER '(\w+)'@'%' IDENTIFIED BY '\w+'$`)
	grantRe          = regexp.MustCompile("^GRANT .+ ON `(\\w+)`\\.\\* TO '(\\w+)'@'%'$")
	dropUserRe       = regexp.MustCompile(`^DROP USER IF EXISTS '(\w+)'@'%'$`)
)

type fakeConn struct {
	srv      *fakeServer
	database string
	user     string
	multi    bool
}

type fakeResult struct{}

func (fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (fakeResult) RowsAffected() (int64, error) { return 0, nil }

func (c *fakeConn) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case createDatabaseRe.MatchString(query):
		name := createDatabaseRe.FindStringSubmatch(query)[1]
		s.tables[name] = map[string]bool{}
		s.created = append(s.created, name)
	case dropDatabaseRe.MatchString(query):
		delete(s.tables, dropDatabaseRe.FindStringSubmatch(query)[1])
	case createUserRe.MatchString(query):
		s.users[createUserRe.FindStringSubmatch(query)[1]] = true
	case grantRe.MatchString(query):
		m := grantRe.FindStringSubmatch(query)
		s.grants[m[2]] = m[1]
	case dropUserRe.MatchString(query):
		delete(s.users, dropUserRe.FindStringSubmatch(query)[1])
	case strings.HasPrefix(query, "SET SESSION"):
	case strings.HasPrefix(query, "CREATE TABLE t "):
		if !c.multi {
			return nil, fmt.Errorf("multi statements disabled")
		}
		s.tables[c.database]["t"] = true
	default:
		return nil, fmt.Errorf("unexpected exec %q", query)
	}
	return fakeResult{}, nil
}

func (c *fakeConn) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, fakeQuery{database: c.database, user: c.user, multi: c.multi, query: query})
	if c.user != "admin" && s.grants[c.user] != c.database {
		return nil, &mysql.MySQLError{Number: 1044, Message: "access denied"}
	}
	switch query {
	case "DROP TABLE t":
		delete(s.tables[c.database], "t")
		return &fakeRows{}, nil
	case "SELECT id FROM t":
		if !s.tables[c.database]["t"] {
			return nil, &mysql.MySQLError{Number: 1146, Message: "table doesn't exist"}
		}
		return &fakeRows{cols: []string{"id"}, data: [][]interface{}{{"1"}}}, nil
	}
	return nil, &mysql.MySQLError{Number: 1054, Message: "unknown column"}
}

func (c *fakeConn) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	return nil
}
func (c *fakeConn) Ping(ctx context.Context) error { return nil }
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) SQLDB() *sql.DB { return nil }

func newFakeRunner(t *testing.T, srv *fakeServer) *Runner {
	t.Helper()
	base, err := mysql.ParseDSN("admin:secret@tcp(db:3306)/")
	if err != nil {
		t.Fatalf("parse dsn failed: %v", err)
	}
	open := func(dsn string) (db.Database, error) {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, err
		}
		return &fakeConn{srv: srv, database: cfg.DBName, user: cfg.User, multi: cfg.MultiStatements}, nil
	}
	return &Runner{
		cfg:   Config{DatabasePrefix: "judge_", SubmitterHost: "%", MaxRows: 100, DropTimeout: defaultDropTimeout},
		base:  base,
		admin: &fakeConn{srv: srv, user: "admin"},
		open:  open,
	}
}

const fakeSetup = "CREATE TABLE t (id INT); INSERT INTO t VALUES (1);"

func TestSubmittedQueryCannotDisturbReference(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	r := newFakeRunner(t, srv)

	out, err := r.Execute(context.Background(), Request{
		SetupScript: fakeSetup,
		Submitted:   "DROP TABLE t",
		Reference:   "SELECT id FROM t",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(out.Reference.Rows) != 1 || out.Reference.Rows[0][0] != "1" {
		t.Fatalf("expected reference row 1, got %+v", out.Reference)
	}
	if out.QueryError != "" || len(out.Submitted.Columns) != 0 {
		t.Fatalf("expected empty submitted result, got %+v", out)
	}

	if len(srv.queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(srv.queries))
	}
	ref, sub := srv.queries[0], srv.queries[1]
	if ref.database == sub.database {
		t.Fatalf("expected separate databases, both ran in %q", ref.database)
	}
	if sub.user == "admin" || !strings.HasPrefix(sub.user, submitterUserPrefix) {
		t.Fatalf("expected submitter account, got %q", sub.user)
	}
	if sub.multi {
		t.Fatalf("expected submitter connection without multi statements")
	}
	if len(srv.tables) != 0 || len(srv.users) != 0 {
		t.Fatalf("expected cleanup, got tables=%v users=%v", srv.tables, srv.users)
	}
}

func TestSubmitterConfinedToItsDatabase(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	r := newFakeRunner(t, srv)

	if _, err := r.Execute(context.Background(), Request{
		SetupScript: fakeSetup,
		Submitted:   "SELECT id FROM t",
		Reference:   "SELECT id FROM t",
	}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	sub := srv.queries[1]
	if srv.grants[sub.user] != sub.database {
		t.Fatalf("expected grant on %q, got %q", sub.database, srv.grants[sub.user])
	}
	if srv.grants[sub.user] == srv.queries[0].database {
		t.Fatalf("submitter must not be granted the reference database")
	}
}

func TestReferenceFailureIsTaskDataInvalid(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	r := newFakeRunner(t, srv)

	_, err := r.Execute(context.Background(), Request{
		SetupScript: fakeSetup,
		Submitted:   "SELECT id FROM t",
		Reference:   "SELECT nope FROM t",
	})
	if appErr.GetCode(err) != appErr.TaskDataInvalid {
		t.Fatalf("expected TaskDataInvalid, got %v", err)
	}
	if appErr.IsSystem(err) {
		t.Fatalf("task data errors must not be retried")
	}
	if len(srv.created) != 1 {
		t.Fatalf("expected submission to be skipped, got databases %v", srv.created)
	}
	if len(srv.tables) != 0 {
		t.Fatalf("expected reference database dropped, got %v", srv.tables)
	}
}

func TestSetupFailureDropsDatabase(t *testing.T) {
	t.Parallel()
	srv := newFakeServer()
	r := newFakeRunner(t, srv)

	_, err := r.Execute(context.Background(), Request{
		SetupScript: "CREATE VIEW broken",
		Submitted:   "SELECT id FROM t",
		Reference:   "SELECT id FROM t",
	})
	if appErr.GetCode(err) != appErr.SandboxFault {
		t.Fatalf("expected SandboxFault, got %v", err)
	}
	if len(srv.tables) != 0 {
		t.Fatalf("expected database dropped, got %v", srv.tables)
	}
}
