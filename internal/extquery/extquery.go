// Package extquery executes admin-configured reads and writes against
// external customer databases during flow execution.
//
// Connections are opened per call and closed immediately after: flow steps
// fire at human pace and the target databases are not ours to hold pools on.
package extquery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/zapdesk/zapdesk/internal/models"
)

// Error taxonomy surfaced to the engine. The engine routes all of these to
// the step's failure edge; the distinction only matters for logging.
var (
	ErrConnectionFailed = errors.New("external database connection failed")
	ErrQueryFailed      = errors.New("external query failed")
	ErrTableNotFound    = errors.New("external table not found")
	ErrNoRows           = errors.New("external query returned no rows")
	ErrUnboundParam     = errors.New("query parameter has no value")
)

// userInputAliases are the placeholder spellings that bind the triggering
// user reply. Matching is case-insensitive; keys are lowercase.
var userInputAliases = map[string]bool{
	"userinput":  true,
	"user_input": true,
}

func isUserInputAlias(name string) bool {
	return userInputAliases[strings.ToLower(name)]
}

// namedParamRegex matches :name placeholders. The double-colon form used by
// Postgres casts (::text) is excluded.
var namedParamRegex = regexp.MustCompile(`(^|[^:]):([A-Za-z_][A-Za-z0-9_]*)`)

// Adapter runs configured queries against external databases.
type Adapter struct{}

func NewAdapter() *Adapter {
	return &Adapter{}
}

// open dials the external database described by the credential. The database
// name can be overridden per step config.
func (a *Adapter) open(cred *models.DatabaseCredential, dbName string) (*sql.DB, error) {
	if dbName == "" {
		dbName = cred.DBName
	}
	var driver, dsn string
	switch cred.Dialect {
	case "mysql":
		driver = "mysql"
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", cred.User, cred.Pass, cred.Host, cred.Port, dbName)
	case "postgres":
		driver = "postgres"
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable", cred.Host, cred.Port, cred.User, cred.Pass, dbName)
	default:
		return nil, fmt.Errorf("%w: unsupported dialect %q", ErrConnectionFailed, cred.Dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return db, nil
}

// Query runs the configured read and returns the form data entries it
// produces. userInput is bound to the :userInput placeholder (and its
// aliases); formData supplies values for any other named placeholder.
// Only the first result row is consumed.
func (a *Adapter) Query(ctx context.Context, cred *models.DatabaseCredential, cfg *models.ExternalQueryConfig, userInput string, formData map[string]string) (map[string]string, error) {
	db, err := a.open(cred, cfg.DBName)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		slog.Error("extquery: ping failed", "error", err, "host", cred.Host, "dialect", cred.Dialect)
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	query, args, err := bindNamed(cfg.Query, cred.Dialect, userInput, formData)
	if err != nil {
		return nil, err
	}

	slog.Debug("extquery: executing query", "host", cred.Host, "dialect", cred.Dialect, "args", len(args))
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, classifyError(err)
		}
		return nil, ErrNoRows
	}

	values := make([]sql.NullString, len(columns))
	scanArgs := make([]interface{}, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	row := make(map[string]string, len(columns))
	for i, col := range columns {
		row[col] = values[i].String
	}

	result := mapColumns(row, cfg.ResultMapping)
	if err := applyTransforms(result, cfg.Transforms); err != nil {
		return nil, err
	}
	slog.Debug("extquery: query produced form data", "keys", len(result))
	return result, nil
}

// Insert runs the configured write, mapping form data into table columns.
// ExtraSQL, when present, is executed afterwards on the same connection.
func (a *Adapter) Insert(ctx context.Context, cred *models.DatabaseCredential, cfg *models.ExternalWriteConfig, formData map[string]string) error {
	if cfg.Table == "" || len(cfg.ColumnMapping) == 0 {
		return fmt.Errorf("%w: write config missing table or column mapping", ErrQueryFailed)
	}

	db, err := a.open(cred, cfg.DBName)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		slog.Error("extquery: ping failed", "error", err, "host", cred.Host, "dialect", cred.Dialect)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// Deterministic column order keeps the statement stable for logging.
	columns := make([]string, 0, len(cfg.ColumnMapping))
	for col := range cfg.ColumnMapping {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	args := make([]interface{}, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	for i, col := range columns {
		args = append(args, formData[cfg.ColumnMapping[col]])
		if cred.Dialect == "postgres" {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		} else {
			placeholders = append(placeholders, "?")
		}
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		cfg.Table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	slog.Debug("extquery: executing insert", "table", cfg.Table, "columns", len(columns), "dialect", cred.Dialect)
	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return classifyError(err)
	}

	if cfg.ExtraSQL != "" {
		extra, extraArgs, err := bindNamed(cfg.ExtraSQL, cred.Dialect, "", formData)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, extra, extraArgs...); err != nil {
			return classifyError(err)
		}
	}
	return nil
}

// bindNamed rewrites :name placeholders into driver placeholders and collects
// the bound values in order. :userInput (in any accepted spelling) binds the
// triggering reply; other names resolve against formData.
func bindNamed(query, dialect, userInput string, formData map[string]string) (string, []interface{}, error) {
	var args []interface{}
	var bindErr error
	n := 0
	bound := namedParamRegex.ReplaceAllStringFunc(query, func(match string) string {
		loc := namedParamRegex.FindStringSubmatch(match)
		prefix, name := loc[1], loc[2]

		var value string
		if isUserInputAlias(name) {
			value = userInput
		} else if v, ok := formData[name]; ok {
			value = v
		} else if bindErr == nil {
			bindErr = fmt.Errorf("%w: %s", ErrUnboundParam, name)
		}
		args = append(args, value)
		n++
		if dialect == "postgres" {
			return fmt.Sprintf("%s$%d", prefix, n)
		}
		return prefix + "?"
	})
	if bindErr != nil {
		return "", nil, bindErr
	}
	return bound, args, nil
}

// mapColumns projects a result row through the configured column -> form data
// key mapping. An empty mapping passes the row through unchanged.
func mapColumns(row map[string]string, mapping map[string]string) map[string]string {
	if len(mapping) == 0 {
		out := make(map[string]string, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out := make(map[string]string, len(mapping))
	for col, key := range mapping {
		if v, ok := row[col]; ok {
			out[key] = v
		}
	}
	return out
}

func applyTransforms(data map[string]string, transforms map[string][]models.Transform) error {
	for key, chain := range transforms {
		v, ok := data[key]
		if !ok {
			continue
		}
		transformed, err := models.ApplyTransforms(v, chain)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		data[key] = transformed
	}
	return nil
}

// classifyError maps driver errors onto the adapter's error taxonomy.
func classifyError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "undefined table") {
		return fmt.Errorf("%w: %v", ErrTableNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrQueryFailed, err)
}
