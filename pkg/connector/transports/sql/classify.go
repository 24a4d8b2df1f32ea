package sql

import (
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// classify maps driver errors onto the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) {
		return errors.Conn(errors.KindRefused, op+": connection lost", err)
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return sqlState(op, pgErr.Code, pgErr.Message, err)
	}
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return sqlState(op, string(pqErr.Code), pqErr.Message, err)
	}
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		return mysqlError(op, myErr, err)
	}
	if stderrors.Is(err, mysql.ErrInvalidConn) {
		return errors.Conn(errors.KindRefused, op+": connection lost", err)
	}
	return clients.ClassifyNetError(op, err)
}

// sqlState classifies a PostgreSQL SQLSTATE code.
func sqlState(op, code, message string, cause error) error {
	text := op + ": " + message + " (SQLSTATE " + code + ")"
	switch {
	case code == "28P01" || code == "28000":
		return errors.Conn(errors.KindAuthExpired, text, nil)
	case code == "40001" || code == "40P01":
		return errors.Action(errors.KindServerError, text)
	case strings.HasPrefix(code, "23"):
		return errors.Action(errors.KindConflict, text)
	case strings.HasPrefix(code, "08"):
		return errors.Conn(errors.KindRefused, text, cause)
	case strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57"), strings.HasPrefix(code, "58"), strings.HasPrefix(code, "XX"):
		return errors.Action(errors.KindServerError, text)
	default:
		return errors.Action(errors.KindBadRequest, text)
	}
}

func mysqlError(op string, e *mysql.MySQLError, cause error) error {
	text := op + ": " + e.Error()
	switch e.Number {
	case 1045, 1044, 1698:
		return errors.Conn(errors.KindAuthExpired, text, nil)
	case 1062, 1451, 1452, 1557, 1586:
		return errors.Action(errors.KindConflict, text)
	case 1205, 1213, 1040, 1053, 1203:
		return errors.Action(errors.KindServerError, text)
	case 2002, 2003, 2006, 2013:
		return errors.Conn(errors.KindRefused, text, cause)
	default:
		return errors.Action(errors.KindBadRequest, text)
	}
}
