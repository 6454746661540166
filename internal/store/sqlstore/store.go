package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/pliu/chatrooms/internal/models"
	"github.com/pliu/chatrooms/internal/store"
)

const appendStripes = 64

type SQLStore struct {
	db         *sql.DB
	driverName string
	log        *zap.Logger

	// appendLocks serialise appends per room key so ids and timestamps
	// advance together.
	appendLocks [appendStripes]sync.Mutex

	stampMu   sync.Mutex
	lastStamp map[int]time.Time

	now func() time.Time
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// An in-memory database exists per connection, and sqlite serialises
		// writers anyway.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{
		db:         db,
		driverName: driverName,
		log:        zap.NewNop(),
		lastStamp:  make(map[int]time.Time),
		now:        time.Now,
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// WithLogger sets the logger used for store events.
func (s *SQLStore) WithLogger(l *zap.Logger) *SQLStore {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_key TEXT UNIQUE,
		kind TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		creator_id INTEGER REFERENCES users(id),
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id INTEGER,
		user_id INTEGER,
		PRIMARY KEY (room_id, user_id),
		FOREIGN KEY (room_id) REFERENCES rooms(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		deleted BOOLEAN NOT NULL DEFAULT FALSE,
		FOREIGN KEY (room_id) REFERENCES rooms(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at, id);
	`

	if s.driverName == "postgres" {
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMP")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) appendLock(roomKey string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(roomKey))
	return &s.appendLocks[h.Sum32()%appendStripes]
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}

func (s *SQLStore) CreateUser(user *models.User) error {
	query := s.rebind("INSERT INTO users (username, email, password) VALUES (?, ?, ?) RETURNING id")
	if err := s.db.QueryRow(query, user.Username, user.Email, user.Password).Scan(&user.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", user.Username, store.ErrConflict)
		}
		return err
	}
	return nil
}

func (s *SQLStore) GetUserByUsername(username string) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT id, username, email, password FROM users WHERE username = ?")
	err := s.db.QueryRow(query, username).Scan(&user.ID, &user.Username, &user.Email, &user.Password)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &user, nil
}

func (s *SQLStore) GetUserByID(id int) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT id, username, email, password FROM users WHERE id = ?")
	err := s.db.QueryRow(query, id).Scan(&user.ID, &user.Username, &user.Email, &user.Password)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &user, nil
}

func (s *SQLStore) SearchUsers(queryStr string) ([]models.User, error) {
	query := s.rebind("SELECT id, username, email FROM users WHERE username LIKE ? ORDER BY username LIMIT 10")
	rows, err := s.db.Query(query, "%"+queryStr+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.Email); err != nil {
			return nil, err
		}
		user.Email = maskEmail(user.Email)
		users = append(users, user)
	}
	return users, rows.Err()
}

func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return email
	}
	local, domain := parts[0], parts[1]
	length := len(local)
	if length == 0 {
		return email
	}
	visible := 1
	if length > 2 {
		visible = length / 2
		if visible > 3 {
			visible = 3
		}
	}

	maskedLocal := local[:visible] + strings.Repeat("*", length-visible)
	return maskedLocal + "@" + domain
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
