package sqlrunner

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"ojudge/internal/common/db"
	"ojudge/internal/judge/evaluator"

	"github.com/go-sql-driver/mysql"
)

type fakeRows struct {
	cols []string
	data [][]interface{}
	pos  int
	err  error
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	row := r.data[r.pos-1]
	for i, d := range dest {
		ns := d.(interface{ Scan(interface{}) error })
		if err := ns.Scan(row[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRows) Columns() ([]string, error) { return r.cols, nil }
func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error { return r.err }

func TestCollectRendersNullsAndKeepsOrder(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{
		cols: []string{"id", "name"},
		data: [][]interface{}{{int64(2), "bob"}, {int64(1), nil}},
	}
	set, truncated, err := collect(rows, 10)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if truncated {
		t.Fatalf("unexpected truncation")
	}
	want := evaluator.ResultSet{Columns: []string{"id", "name"}, Rows: [][]string{{"2", "bob"}, {"1", "NULL"}}}
	if !evaluator.CompareResultSets(set, want) {
		t.Fatalf("expected %v, got %v", want, set)
	}
}

func TestCollectStopsAtMaxRows(t *testing.T) {
	t.Parallel()
	rows := &fakeRows{cols: []string{"n"}, data: [][]interface{}{{"1"}, {"2"}, {"3"}}}
	set, truncated, err := collect(rows, 2)
	if err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	if !truncated || len(set.Rows) != 2 {
		t.Fatalf("expected 2 rows and truncation, got %d rows truncated=%v", len(set.Rows), truncated)
	}
}

func TestDSNForEphemeralDatabase(t *testing.T) {
	t.Parallel()
	base, err := mysql.ParseDSN("judge:secret@tcp(db:3306)/ignored?parseTime=true")
	if err != nil {
		t.Fatalf("parse dsn failed: %v", err)
	}
	r := &Runner{cfg: Config{DatabasePrefix: "judge_"}, base: base}
	name := r.databaseName()
	if !strings.HasPrefix(name, "judge_") || len(name) != len("judge_")+32 {
		t.Fatalf("unexpected database name %q", name)
	}
	if r.databaseName() == name {
		t.Fatalf("database names must not repeat")
	}
	parsed, err := mysql.ParseDSN(r.dsnFor(name, "judge", "secret", true))
	if err != nil {
		t.Fatalf("parse generated dsn failed: %v", err)
	}
	if parsed.DBName != name || !parsed.MultiStatements || parsed.User != "judge" {
		t.Fatalf("unexpected dsn config %+v", parsed)
	}
	user, password := r.submitterCredentials()
	if !strings.HasPrefix(user, submitterUserPrefix) || len(user) > 32 || len(password) != 32 {
		t.Fatalf("unexpected submitter credentials %q %q", user, password)
	}
	parsed, err = mysql.ParseDSN(r.dsnFor(name, user, password, false))
	if err != nil {
		t.Fatalf("parse submitter dsn failed: %v", err)
	}
	if parsed.MultiStatements || parsed.User != user || parsed.Passwd != password {
		t.Fatalf("unexpected submitter dsn config %+v", parsed)
	}
	if base.DBName != "ignored" {
		t.Fatalf("base config must not be mutated")
	}
}

func TestQuoteIdentRejectsInjection(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unsafe identifier")
		}
	}()
	quoteIdent("x`; DROP DATABASE mysql; --")
}

func TestQuoteLiteralRejectsQuotes(t *testing.T) {
	t.Parallel()
	if got := quoteLiteral("%"); got != "'%'" {
		t.Fatalf("expected '%%', got %s", got)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unsafe literal")
		}
	}()
	quoteLiteral("x' OR '1'='1")
}

func TestIsExecutionTimeout(t *testing.T) {
	t.Parallel()
	if !isExecutionTimeout(&mysql.MySQLError{Number: 3024}) {
		t.Fatalf("expected 3024 to be a timeout")
	}
	if isExecutionTimeout(errors.New("other")) {
		t.Fatalf("unexpected timeout match")
	}
}

// Runs against a real server when OJUDGE_TEST_MYSQL_DSN is set.
func TestExecuteAgainstServer(t *testing.T) {
	dsn := os.Getenv("OJUDGE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("OJUDGE_TEST_MYSQL_DSN is required for this test")
	}
	runner, err := New(Config{DSN: dsn})
	if err != nil {
		t.Fatalf("new runner failed: %v", err)
	}
	defer runner.Close()

	setup := "CREATE TABLE t (id INT PRIMARY KEY, v VARCHAR(10)); INSERT INTO t VALUES (1,'a'),(2,'b');"
	out, err := runner.Execute(context.Background(), Request{
		SetupScript: setup,
		Submitted:   "SELECT id, v FROM t ORDER BY id",
		Reference:   "SELECT id, v FROM t ORDER BY id",
		TimeLimit:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if out.QueryError != "" || !evaluator.CompareResultSets(out.Submitted, out.Reference) {
		t.Fatalf("expected matching sets, got %+v", out)
	}

	out, err = runner.Execute(context.Background(), Request{
		SetupScript: setup,
		Submitted:   "SELECT nope FROM t",
		Reference:   "SELECT id FROM t",
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if out.QueryError == "" {
		t.Fatalf("expected query error for bad column")
	}
}

var _ db.Rows = (*fakeRows)(nil)
