package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/concord-chat/concord/pkg/gateway"
)

var (
	// ErrAccountNotFound indicates the account does not exist.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountDisabled indicates the account has been disabled by moderation.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrBadCredentials indicates a failed password check.
	ErrBadCredentials = errors.New("bad credentials")
	// ErrGuildNotFound indicates the guild does not exist.
	ErrGuildNotFound = errors.New("guild not found")
	// ErrChannelNotFound indicates the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrNotAMember indicates the account is not a member of the guild.
	ErrNotAMember = errors.New("not a member of this guild")
)

// Store is the SQLite persistence layer. It backs the gateway's
// Directory interface and the REST surface's account and guild
// management.
type Store struct {
	conn      *sql.DB
	snowflake *Snowflake
	tokens    *TokenIssuer
}

// Open opens the database at path, applying the pragmas the server
// needs for concurrent access, and initializes the schema.
func Open(path, tokenSecret string, tokenTTL time.Duration) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows concurrent readers alongside the single writer.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	s := &Store{
		conn:      conn,
		snowflake: NewSnowflake(epoch, 0),
		tokens:    NewTokenIssuer(tokenSecret, tokenTTL),
	}

	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Account (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash TEXT NOT NULL,
	avatar TEXT NOT NULL DEFAULT '',
	disabled INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Guild (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	owner_id INTEGER NOT NULL REFERENCES Account(id),
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS GuildMember (
	guild_id INTEGER NOT NULL REFERENCES Guild(id) ON DELETE CASCADE,
	account_id INTEGER NOT NULL REFERENCES Account(id) ON DELETE CASCADE,
	joined_at INTEGER NOT NULL,
	PRIMARY KEY (guild_id, account_id)
);
CREATE INDEX IF NOT EXISTS idx_member_account ON GuildMember(account_id);

CREATE TABLE IF NOT EXISTS Channel (
	id INTEGER PRIMARY KEY,
	guild_id INTEGER NOT NULL REFERENCES Guild(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_channel_guild ON Channel(guild_id);
`
	_, err := s.conn.Exec(schema)
	return err
}

// CreateAccount registers a new account with a bcrypt-hashed password.
func (s *Store) CreateAccount(username, password string) (*gateway.Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	id := s.snowflake.NextID()
	_, err = s.conn.Exec(
		"INSERT INTO Account (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)",
		id, username, string(hash), time.Now().Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return &gateway.Account{ID: id, Username: username}, nil
}

// Authenticate checks a username/password pair and mints a session
// token on success.
func (s *Store) Authenticate(username, password string) (string, *gateway.Account, error) {
	var (
		account  gateway.Account
		hash     string
		disabled int
	)
	err := s.conn.QueryRow(
		"SELECT id, username, avatar, password_hash, disabled FROM Account WHERE username = ?",
		username,
	).Scan(&account.ID, &account.Username, &account.Avatar, &hash, &disabled)
	if err == sql.ErrNoRows {
		return "", nil, ErrBadCredentials
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load account: %w", err)
	}
	if disabled != 0 {
		return "", nil, ErrAccountDisabled
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", nil, ErrBadCredentials
	}

	token, err := s.tokens.Mint(account.ID)
	if err != nil {
		return "", nil, err
	}
	return token, &account, nil
}

// VerifyToken implements gateway.Directory. Disabled accounts fail
// verification even with a token minted before the disable.
func (s *Store) VerifyToken(token string) (*gateway.Account, error) {
	accountID, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	return s.GetAccount(accountID)
}

// GetAccount loads an account by ID.
func (s *Store) GetAccount(id int64) (*gateway.Account, error) {
	var (
		account  gateway.Account
		disabled int
	)
	err := s.conn.QueryRow(
		"SELECT id, username, avatar, disabled FROM Account WHERE id = ?", id,
	).Scan(&account.ID, &account.Username, &account.Avatar, &disabled)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if disabled != 0 {
		return nil, ErrAccountDisabled
	}
	return &account, nil
}

// DisableAccount marks an account disabled. Existing tokens stop
// verifying; the caller is expected to force-logout live sessions.
func (s *Store) DisableAccount(id int64) error {
	res, err := s.conn.Exec("UPDATE Account SET disabled = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to disable account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GuildsForAccount implements gateway.Directory.
func (s *Store) GuildsForAccount(accountID int64) ([]gateway.Guild, error) {
	rows, err := s.conn.Query(`
		SELECT g.id, g.name, g.owner_id FROM Guild g
		JOIN GuildMember m ON m.guild_id = g.id
		WHERE m.account_id = ?
		ORDER BY g.id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list guilds: %w", err)
	}
	defer rows.Close()

	var guilds []gateway.Guild
	for rows.Next() {
		var g gateway.Guild
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID); err != nil {
			return nil, err
		}
		guilds = append(guilds, g)
	}
	return guilds, rows.Err()
}

// MembersOf implements gateway.MembershipResolver.
func (s *Store) MembersOf(guildID int64) ([]int64, error) {
	rows, err := s.conn.Query("SELECT account_id FROM GuildMember WHERE guild_id = ?", guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// GuildOf implements gateway.MembershipResolver.
func (s *Store) GuildOf(channelID int64) (int64, error) {
	var guildID int64
	err := s.conn.QueryRow("SELECT guild_id FROM Channel WHERE id = ?", channelID).Scan(&guildID)
	if err == sql.ErrNoRows {
		return 0, ErrChannelNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve channel: %w", err)
	}
	return guildID, nil
}

// CreateGuild creates a guild with the owner as its first member and a
// default general channel.
func (s *Store) CreateGuild(name string, ownerID int64) (*gateway.Guild, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	id := s.snowflake.NextID()
	if _, err := tx.Exec(
		"INSERT INTO Guild (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)",
		id, name, ownerID, now,
	); err != nil {
		return nil, fmt.Errorf("failed to create guild: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO GuildMember (guild_id, account_id, joined_at) VALUES (?, ?, ?)",
		id, ownerID, now,
	); err != nil {
		return nil, fmt.Errorf("failed to add owner: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO Channel (id, guild_id, name) VALUES (?, ?, 'general')",
		s.snowflake.NextID(), id,
	); err != nil {
		return nil, fmt.Errorf("failed to create default channel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &gateway.Guild{ID: id, Name: name, OwnerID: ownerID}, nil
}

// DeleteGuild removes a guild; members and channels cascade.
func (s *Store) DeleteGuild(id int64) error {
	res, err := s.conn.Exec("DELETE FROM Guild WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete guild: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrGuildNotFound
	}
	return nil
}

// AddMember joins an account to a guild. Adding an existing member is
// a no-op.
func (s *Store) AddMember(guildID, accountID int64) error {
	_, err := s.conn.Exec(
		"INSERT OR IGNORE INTO GuildMember (guild_id, account_id, joined_at) VALUES (?, ?, ?)",
		guildID, accountID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

// RemoveMember removes an account from a guild.
func (s *Store) RemoveMember(guildID, accountID int64) error {
	res, err := s.conn.Exec(
		"DELETE FROM GuildMember WHERE guild_id = ? AND account_id = ?",
		guildID, accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotAMember
	}
	return nil
}

// CreateChannel adds a channel to a guild.
func (s *Store) CreateChannel(guildID int64, name string) (int64, error) {
	var exists int
	if err := s.conn.QueryRow("SELECT 1 FROM Guild WHERE id = ?", guildID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrGuildNotFound
		}
		return 0, err
	}

	id := s.snowflake.NextID()
	if _, err := s.conn.Exec(
		"INSERT INTO Channel (id, guild_id, name) VALUES (?, ?, ?)",
		id, guildID, name,
	); err != nil {
		return 0, fmt.Errorf("failed to create channel: %w", err)
	}
	return id, nil
}

// NextID exposes the ID generator for callers that create domain
// objects outside the store (message IDs on the REST surface).
func (s *Store) NextID() int64 {
	return s.snowflake.NextID()
}
