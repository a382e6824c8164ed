// Package sqlrunner judges SQL submissions against throwaway MySQL databases.
package sqlrunner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"ojudge/internal/common/db"
	"ojudge/internal/judge/evaluator"
	appErr "ojudge/pkg/errors"
	"ojudge/pkg/utils/logger"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxRows        = 10000
	defaultDropTimeout    = 10 * time.Second
	defaultDatabasePrefix = "judge_"
	defaultSubmitterHost  = "%"
	submitterUserPrefix   = "jsub_"

	submitterPrivileges = "SELECT, INSERT, UPDATE, DELETE, CREATE, DROP, ALTER, INDEX, CREATE VIEW, SHOW VIEW"
)

// Config points at a server where the judge may create and drop databases and users.
type Config struct {
	DSN            string `yaml:"dsn"`
	DatabasePrefix string `yaml:"databasePrefix"`
	// SubmitterHost is the host part of the per-test accounts submitted queries run as.
	SubmitterHost string        `yaml:"submitterHost"`
	MaxRows       int           `yaml:"maxRows"`
	DropTimeout   time.Duration `yaml:"dropTimeout"`
}

// Request is one SQL test.
type Request struct {
	SetupScript string
	Submitted   string
	Reference   string
	TimeLimit   time.Duration
}

// Outcome carries both result sets. A failed submitted query is reported
// through QueryError or TimedOut, not as an error.
type Outcome struct {
	Submitted  evaluator.ResultSet
	Reference  evaluator.ResultSet
	ElapsedMs  int64
	QueryError string
	TimedOut   bool
	Truncated  bool
}

// Runner creates an ephemeral database per Execute call.
type Runner struct {
	cfg   Config
	base  *mysql.Config
	admin db.Database
	open  func(dsn string) (db.Database, error)
}

// New connects to the server with the admin credentials in cfg.DSN.
func New(cfg Config) (*Runner, error) {
	base, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse sql runner DSN failed")
	}
	if cfg.DatabasePrefix == "" {
		cfg.DatabasePrefix = defaultDatabasePrefix
	}
	if cfg.SubmitterHost == "" {
		cfg.SubmitterHost = defaultSubmitterHost
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.DropTimeout <= 0 {
		cfg.DropTimeout = defaultDropTimeout
	}
	adminCfg := base.Clone()
	adminCfg.DBName = ""
	admin, err := db.NewMySQL(db.MySQLConfig{DSN: adminCfg.FormatDSN(), MaxOpenConnections: 4})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "connect sql runner failed")
	}
	return &Runner{cfg: cfg, base: base, admin: admin, open: openSingle}, nil
}

// Close releases the admin connection.
func (r *Runner) Close() error {
	return r.admin.Close()
}

// Execute loads the setup script into two fresh databases, runs the reference
// query in one and the submitted query in the other, and drops both afterwards.
// The submitted query runs as a throwaway user granted only its own database.
func (r *Runner) Execute(ctx context.Context, req Request) (Outcome, error) {
	reference, err := r.runReference(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	out, err := r.runSubmitted(ctx, req)
	out.Reference = reference
	return out, err
}

func (r *Runner) runReference(ctx context.Context, req Request) (evaluator.ResultSet, error) {
	name, conn, err := r.scratch(ctx, req.SetupScript)
	if err != nil {
		return evaluator.ResultSet{}, err
	}
	defer r.drop(ctx, name)
	defer conn.Close()

	set, _, err := r.query(ctx, conn, req.Reference)
	if err != nil {
		if ctx.Err() != nil {
			return set, ctx.Err()
		}
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) {
			// Nothing but the setup script has touched this database.
			return set, appErr.Wrapf(err, appErr.TaskDataInvalid, "reference query failed")
		}
		return set, sandboxFault(err, "run reference query failed")
	}
	return set, nil
}

func (r *Runner) runSubmitted(ctx context.Context, req Request) (Outcome, error) {
	var out Outcome
	name, setupConn, err := r.scratch(ctx, req.SetupScript)
	if err != nil {
		return out, err
	}
	defer r.drop(ctx, name)
	_ = setupConn.Close()

	user, password := r.submitterCredentials()
	if err := r.grant(ctx, name, user, password); err != nil {
		return out, err
	}
	defer r.dropUser(ctx, user)

	conn, err := r.open(r.dsnFor(name, user, password, false))
	if err != nil {
		return out, sandboxFault(err, "connect as submitter failed")
	}
	defer conn.Close()

	if req.TimeLimit > 0 {
		// Server-side bound for SELECTs; the context deadline below covers the rest.
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET SESSION max_execution_time = %d", req.TimeLimit.Milliseconds())); err != nil {
			logger.Warn(ctx, "set max_execution_time failed", zap.Error(err))
		}
	}

	queryCtx := ctx
	cancel := func() {}
	if req.TimeLimit > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, req.TimeLimit)
	}
	start := time.Now()
	submitted, truncated, err := r.query(queryCtx, conn, req.Submitted)
	out.ElapsedMs = time.Since(start).Milliseconds()
	cancel()
	switch {
	case err == nil:
		out.Submitted = submitted
		out.Truncated = truncated
	case ctx.Err() != nil:
		return out, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || isExecutionTimeout(err):
		out.TimedOut = true
	default:
		out.QueryError = err.Error()
	}
	return out, nil
}

// scratch creates a database and loads the setup script through an admin
// connection. The database is dropped again when loading fails.
func (r *Runner) scratch(ctx context.Context, setup string) (string, db.Database, error) {
	name := r.databaseName()
	if _, err := r.admin.Exec(ctx, "CREATE DATABASE "+quoteIdent(name)); err != nil {
		return "", nil, sandboxFault(err, "create database failed")
	}
	conn, err := r.open(r.dsnFor(name, r.base.User, r.base.Passwd, true))
	if err != nil {
		r.drop(ctx, name)
		return "", nil, sandboxFault(err, "connect ephemeral database failed")
	}
	if strings.TrimSpace(setup) != "" {
		if _, err := conn.Exec(ctx, setup); err != nil {
			_ = conn.Close()
			r.drop(ctx, name)
			return "", nil, sandboxFault(err, "run setup script failed")
		}
	}
	return name, conn, nil
}

func (r *Runner) grant(ctx context.Context, database, user, password string) error {
	account := quoteLiteral(user) + "@" + quoteLiteral(r.cfg.SubmitterHost)
	if _, err := r.admin.Exec(ctx, "CREATE USER "+account+" IDENTIFIED BY "+quoteLiteral(password)); err != nil {
		return sandboxFault(err, "create submitter failed")
	}
	if _, err := r.admin.Exec(ctx, "GRANT "+submitterPrivileges+" ON "+quoteIdent(database)+".* TO "+account); err != nil {
		r.dropUser(ctx, user)
		return sandboxFault(err, "grant submitter failed")
	}
	return nil
}

func (r *Runner) dropUser(ctx context.Context, user string) {
	dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.DropTimeout)
	defer cancel()
	account := quoteLiteral(user) + "@" + quoteLiteral(r.cfg.SubmitterHost)
	if _, err := r.admin.Exec(dropCtx, "DROP USER IF EXISTS "+account); err != nil {
		logger.Error(ctx, "drop submitter failed", zap.String("user", user), zap.Error(err))
	}
}

func (r *Runner) query(ctx context.Context, conn db.Database, query string) (evaluator.ResultSet, bool, error) {
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return evaluator.ResultSet{}, false, err
	}
	defer rows.Close()
	return collect(rows, r.cfg.MaxRows)
}

func collect(rows db.Rows, maxRows int) (evaluator.ResultSet, bool, error) {
	cols, err := rows.Columns()
	if err != nil {
		return evaluator.ResultSet{}, false, err
	}
	set := evaluator.ResultSet{Columns: cols, Rows: [][]string{}}
	truncated := false
	for rows.Next() {
		if len(set.Rows) >= maxRows {
			truncated = true
			break
		}
		raw := make([]sql.NullString, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return set, false, err
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			if v.Valid {
				row[i] = v.String
			} else {
				row[i] = "NULL"
			}
		}
		set.Rows = append(set.Rows, row)
	}
	return set, truncated, rows.Err()
}

func (r *Runner) drop(ctx context.Context, name string) {
	dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.DropTimeout)
	defer cancel()
	if _, err := r.admin.Exec(dropCtx, "DROP DATABASE IF EXISTS "+quoteIdent(name)); err != nil {
		logger.Error(ctx, "drop ephemeral database failed", zap.String("database", name), zap.Error(err))
	}
}

func (r *Runner) databaseName() string {
	return r.cfg.DatabasePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// submitterCredentials returns a user name that fits MySQL's 32 character limit.
func (r *Runner) submitterCredentials() (string, string) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return submitterUserPrefix + id[:24], strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (r *Runner) dsnFor(name, user, password string, multiStatements bool) string {
	cfg := r.base.Clone()
	cfg.DBName = name
	cfg.User = user
	cfg.Passwd = password
	cfg.MultiStatements = multiStatements
	return cfg.FormatDSN()
}

// openSingle opens a one-connection pool so session variables stick.
func openSingle(dsn string) (db.Database, error) {
	pool, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(1)
	pool.SetMaxIdleConns(1)
	return db.NewMySQLWithDB(pool), nil
}

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func quoteIdent(name string) string {
	if !identPattern.MatchString(name) {
		panic(fmt.Sprintf("invalid identifier %q", name))
	}
	return "`" + name + "`"
}

var literalPattern = regexp.MustCompile(`^[A-Za-z0-9_.%-]+$`)

// quoteLiteral quotes generated account names, hosts and passwords.
func quoteLiteral(value string) string {
	if !literalPattern.MatchString(value) {
		panic(fmt.Sprintf("invalid literal %q", value))
	}
	return "'" + value + "'"
}

// isExecutionTimeout matches ER_QUERY_TIMEOUT (3024), raised by max_execution_time.
func isExecutionTimeout(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 3024
}

func sandboxFault(err error, msg string) error {
	return appErr.Wrapf(err, appErr.SandboxFault, "%s", msg)
}
