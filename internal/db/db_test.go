package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := `SELECT id FROM resources WHERE account_id=? AND name=? AND note='what?'`
	assert.Equal(t, q, SQLite.Rebind(q))
	assert.Equal(t, `SELECT id FROM resources WHERE account_id=$1 AND name=$2 AND note='what?'`, Postgres.Rebind(q))
}

func TestDialectFromDriver(t *testing.T) {
	assert.Equal(t, SQLite, Config{}.Dialect())
	assert.Equal(t, SQLite, Config{Driver: "sqlite"}.Dialect())
	assert.Equal(t, Postgres, Config{Driver: "postgres"}.Dialect())
	assert.Equal(t, Postgres, Config{Driver: "pgx"}.Dialect())
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	assert.FileExists(t, Path(dir))
}
