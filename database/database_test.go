package database

import (
	"testing"

	"orcha/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferDriver(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/orcha":             "postgres",
		"host=localhost user=u dbname=orcha sslmode=off": "postgres",
		"u:p@tcp(127.0.0.1:3306)/orcha?parseTime=true":   "mysql",
		"mysql://u:p@tcp(db)/orcha":                       "mysql",
		"file:orcha.db?_busy_timeout=5000":                "sqlite",
		"/var/lib/orcha/orcha.sqlite":                     "sqlite",
		"data.db?cache=shared":                            "sqlite",
		":memory:":                                        "sqlite",
		"orcha":                                           "",
	}
	for dsn, want := range cases {
		assert.Equal(t, want, InferDriver(dsn), dsn)
	}
}

func TestOpen(t *testing.T) {
	db, err := Open(config.DatabaseConfig{DSN: "file:database_test?mode=memory&cache=shared"})
	require.NoError(t, err)
	require.NoError(t, db.Exec("SELECT 1").Error)

	_, err = Open(config.DatabaseConfig{DSN: ""})
	require.Error(t, err)

	_, err = Open(config.DatabaseConfig{Driver: "oracle", DSN: "x"})
	require.ErrorContains(t, err, "unsupported driver")

	_, err = Open(config.DatabaseConfig{DSN: "orcha"})
	require.Error(t, err)
}
