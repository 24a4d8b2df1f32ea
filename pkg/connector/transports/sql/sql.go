// Package sql is a transport for relational databases through database/sql.
//
// Three drivers are available through options.driver:
//
//	pgx       PostgreSQL through jackc/pgx (default)
//	postgres  PostgreSQL through lib/pq
//	mysql     MySQL and MariaDB through go-sql-driver/mysql
//
// The endpoint is the driver DSN. When a credential is present its token is
// used as the password of every new pool connection, so rotated database
// passwords are picked up without reopening the connector.
package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ajitpratap0/actuator/pkg/config"
	"github.com/ajitpratap0/actuator/pkg/connector/core"
	"github.com/ajitpratap0/actuator/pkg/credential"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Name is the registry name of the transport.
const Name = "sql"

// Drivers accepted by options.driver.
const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options are read from settings.options.
type Options struct {
	Driver          string        `mapstructure:"driver" validate:"omitempty,oneof=pgx postgres mysql"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
	MaxRows         int           `mapstructure:"max_rows" validate:"gte=0"`
}

// Transport opens database/sql pools.
type Transport struct {
	dsn    string
	opts   Options
	logger *zap.Logger
}

// New creates a SQL transport for dsn.
func New(dsn string, opts Options, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Driver == "" {
		opts.Driver = DriverPgx
	}
	if opts.MaxRows == 0 {
		opts.MaxRows = 1000
	}
	return &Transport{dsn: dsn, opts: opts, logger: logger}
}

// Name implements core.Transport
func (t *Transport) Name() string { return Name }

// Actions implements core.Transport
func (t *Transport) Actions() []core.ActionSpec {
	statement := config.Schema{Fields: map[string]config.Field{
		"sql":  {Kind: config.KindString, Required: true, Description: "statement with driver placeholders"},
		"args": {Kind: config.KindList, Default: []any{}},
	}}
	return []core.ActionSpec{
		{Name: "ping", Description: "ping the database", Idempotent: true},
		{Name: "query", Description: "run a query and return rows as records", Params: statement, Idempotent: true},
		{Name: "exec", Description: "run a statement and return the affected row count", Params: statement},
	}
}

// Dial parses the DSN and creates the pool. Connections are made lazily.
func (t *Transport) Dial(ctx context.Context, creds core.CredentialSource) (core.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := t.open(creds)
	if err != nil {
		return nil, errors.Conn(errors.KindCannotOpen, "invalid "+t.opts.Driver+" DSN", err)
	}
	if t.opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(t.opts.MaxOpenConns)
	}
	if t.opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(t.opts.MaxIdleConns)
	}
	if t.opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(t.opts.ConnMaxLifetime)
	}
	t.logger.Debug("database pool created", zap.String("driver", t.opts.Driver))
	return &session{db: db, driver: t.opts.Driver, maxRows: t.opts.MaxRows}, nil
}

func (t *Transport) open(creds core.CredentialSource) (*sql.DB, error) {
	switch t.opts.Driver {
	case DriverPgx:
		cfg, err := pgx.ParseConfig(t.dsn)
		if err != nil {
			return nil, err
		}
		return stdlib.OpenDB(*cfg, stdlib.OptionBeforeConnect(func(_ context.Context, cc *pgx.ConnConfig) error {
			if token := password(creds); token != "" {
				cc.Password = token
			}
			return nil
		})), nil

	case DriverPostgres:
		if _, err := pq.NewConnector(t.dsn); err != nil {
			return nil, err
		}
		return sql.OpenDB(&rotatingConnector{
			creds: creds,
			drv:   &pq.Driver{},
			build: func(pw string) (driver.Connector, error) {
				return pq.NewConnector(pqWithPassword(t.dsn, pw))
			},
		}), nil

	case DriverMySQL:
		cfg, err := mysql.ParseDSN(t.dsn)
		if err != nil {
			return nil, err
		}
		return sql.OpenDB(&rotatingConnector{
			creds: creds,
			drv:   &mysql.MySQLDriver{},
			build: func(pw string) (driver.Connector, error) {
				c := cfg.Clone()
				if pw != "" {
					c.Passwd = pw
				}
				return mysql.NewConnector(c)
			},
		}), nil
	}
	return nil, errors.Config(errors.KindWrongType, "options:driver", "unsupported driver "+t.opts.Driver)
}

func password(creds core.CredentialSource) string {
	if creds == nil {
		return ""
	}
	return creds.Current().Token
}

// rotatingConnector builds a driver connector with the current password for
// every new connection.
type rotatingConnector struct {
	creds core.CredentialSource
	drv   driver.Driver
	build func(password string) (driver.Connector, error)
}

func (c *rotatingConnector) Connect(ctx context.Context) (driver.Conn, error) {
	connector, err := c.build(password(c.creds))
	if err != nil {
		return nil, err
	}
	return connector.Connect(ctx)
}

func (c *rotatingConnector) Driver() driver.Driver { return c.drv }

// pqWithPassword sets the password of a lib/pq DSN in URL or key=value form.
func pqWithPassword(dsn, pw string) string {
	if pw == "" {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if u, err := url.Parse(dsn); err == nil {
			username := ""
			if u.User != nil {
				username = u.User.Username()
			}
			u.User = url.UserPassword(username, pw)
			return u.String()
		}
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(pw)
	return dsn + " password='" + escaped + "'"
}

type session struct {
	db      *sql.DB
	driver  string
	maxRows int
}

func (s *session) Do(ctx context.Context, req *core.Request, _ credential.Credential) (any, error) {
	switch req.Operation {
	case "ping":
		if err := s.db.PingContext(ctx); err != nil {
			return nil, classify(req.Operation, err)
		}
		return "pong", nil
	case "query":
		stmt, err := req.RequireString("sql")
		if err != nil {
			return nil, err
		}
		return s.query(ctx, stmt, args(req))
	case "exec":
		stmt, err := req.RequireString("sql")
		if err != nil {
			return nil, err
		}
		res, err := s.db.ExecContext(ctx, stmt, args(req)...)
		if err != nil {
			return nil, classify(req.Operation, err)
		}
		out := map[string]any{}
		if n, err := res.RowsAffected(); err == nil {
			out["rows_affected"] = n
		}
		if s.driver == DriverMySQL {
			if id, err := res.LastInsertId(); err == nil {
				out["last_insert_id"] = id
			}
		}
		return out, nil
	default:
		return nil, errors.Action(errors.KindUnknownAction, "sql transport does not support "+req.Operation)
	}
}

func (s *session) query(ctx context.Context, stmt string, args []any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, classify("query", err)
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	result := []map[string]any{}
	for rows.Next() {
		if len(result) >= s.maxRows {
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify("query", err)
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}
	return result, nil
}

func (s *session) Close(context.Context) error {
	return s.db.Close()
}

func args(req *core.Request) []any {
	list, _ := req.Params["args"].([]any)
	return list
}
