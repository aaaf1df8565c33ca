package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/rl1809/appstore/internal/port"
)

func getMySQLStore(t *testing.T) *SQLStore {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/appstore"
	}

	store, err := OpenMySQL(context.Background(), dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// Cleanup rows left by earlier runs, children first.
	for _, table := range []string{"transfers", "settlements", "purchases", "apps"} {
		if _, err := store.DB().Exec("DELETE FROM " + table); err != nil {
			t.Fatalf("cleanup %s: %v", table, err)
		}
	}
	return store
}

func TestMySQLStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) port.Store {
		return getMySQLStore(t)
	})
}

func TestOpenMySQL_InvalidDSN(t *testing.T) {
	_, err := OpenMySQL(context.Background(), "not a dsn")
	assert.Error(t, err)
}

func TestIsMySQLDuplicate(t *testing.T) {
	assert.True(t, isMySQLDuplicate(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, isMySQLDuplicate(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}))
	assert.False(t, isMySQLDuplicate(errors.New("connection refused")))
}
