package sqlstore

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pliu/chatrooms/internal/models"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.db.Close()
}

func mustCreateUser(t *testing.T, username string) *models.User {
	t.Helper()
	user := &models.User{Username: username, Email: username + "@example.com", Password: "pass"}
	if err := testStore.CreateUser(user); err != nil {
		t.Fatalf("Failed to create user %q: %v", username, err)
	}
	return user
}
