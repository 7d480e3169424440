package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dungeon-agent/internal/domain"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const memoryPath = ":memory:"

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// SQLiteStore provides SQLite-backed persistence for turns and characters.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens a SQLite store at the provided path and applies the schema.
// ":memory:" opens a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path is required")
	}

	dsn := memoryPath
	if path != memoryPath {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite db: %w", err)
	}
	if path == memoryPath {
		// Every connection to :memory: is a fresh database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("repository: ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("repository: apply sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

// Close closes the underlying SQLite database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, threadID domain.ThreadID, role domain.Role, content string) (domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return domain.Turn{}, err
	}
	if err := validateAppend(threadID, role); err != nil {
		return domain.Turn{}, err
	}
	turn := domain.Turn{
		ID:        newID(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: nowFunc(),
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO turns (id, thread_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)
`,
		turn.ID, string(turn.ThreadID), string(turn.Role), turn.Content, toMillis(turn.CreatedAt),
	)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: append turn: %w", err)
	}
	turn.CreatedAt = fromMillis(toMillis(turn.CreatedAt))
	return turn, nil
}

// AppendOpening inserts the turn only while the thread has none. The check
// and the insert are one statement, so concurrent openers cannot both win.
func (s *SQLiteStore) AppendOpening(ctx context.Context, threadID domain.ThreadID, content string) (domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return domain.Turn{}, err
	}
	if err := validateAppend(threadID, domain.RoleAI); err != nil {
		return domain.Turn{}, err
	}
	turn := domain.Turn{
		ID:        newID(),
		ThreadID:  threadID,
		Role:      domain.RoleAI,
		Content:   content,
		CreatedAt: nowFunc(),
	}
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO turns (id, thread_id, role, content, created_at)
SELECT ?, ?, ?, ?, ?
WHERE NOT EXISTS (SELECT 1 FROM turns WHERE thread_id = ?)
`,
		turn.ID, string(turn.ThreadID), string(turn.Role), turn.Content, toMillis(turn.CreatedAt), string(turn.ThreadID),
	)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: append opening: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: append opening: %w", err)
	}
	if n == 0 {
		return domain.Turn{}, fmt.Errorf("repository: open thread %q: %w", threadID, ErrThreadOpened)
	}
	turn.CreatedAt = fromMillis(toMillis(turn.CreatedAt))
	return turn, nil
}

// AcquireLease inserts the lease row, or takes over one that has expired.
func (s *SQLiteStore) AcquireLease(ctx context.Context, threadID domain.ThreadID, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateLease(threadID, owner, ttl); err != nil {
		return false, err
	}
	now := nowFunc()
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO thread_leases (thread_id, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT (thread_id) DO UPDATE SET
	owner = excluded.owner,
	expires_at = excluded.expires_at
WHERE thread_leases.expires_at <= ?
`,
		string(threadID), owner, toMillis(now.Add(ttl)), toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("repository: acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: acquire lease: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, threadID domain.ThreadID, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM thread_leases WHERE thread_id = ? AND owner = ?`, string(threadID), owner)
	if err != nil {
		return fmt.Errorf("repository: release lease: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByThread(ctx context.Context, threadID domain.ThreadID) ([]domain.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, thread_id, role, content, created_at FROM turns
WHERE thread_id = ?
ORDER BY created_at ASC, seq ASC
`, string(threadID))
	if err != nil {
		return nil, fmt.Errorf("repository: list turns: %w", err)
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: iterate turns: %w", err)
	}
	return turns, nil
}

func (s *SQLiteStore) MostRecent(ctx context.Context, threadID domain.ThreadID, role domain.Role) (domain.Turn, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Turn{}, false, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, thread_id, role, content, created_at FROM turns
WHERE thread_id = ? AND role = ?
ORDER BY created_at DESC, seq DESC
LIMIT 1
`, string(threadID), string(role))
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Turn{}, false, nil
	}
	if err != nil {
		return domain.Turn{}, false, fmt.Errorf("repository: most recent turn: %w", err)
	}
	return turn, true, nil
}

func (s *SQLiteStore) GetCharacter(ctx context.Context, userID, characterID string) (domain.Character, error) {
	if err := ctx.Err(); err != nil {
		return domain.Character{}, err
	}
	ch := domain.Character{ID: characterID, UserID: userID}
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT name, strength, dexterity, constitution, intelligence, wisdom, charisma,
	personality, backstory, appearance, proficiencies
FROM characters WHERE user_id = ? AND character_id = ?
`, userID, characterID).Scan(
		&ch.Name,
		&ch.Sheet.Strength,
		&ch.Sheet.Dexterity,
		&ch.Sheet.Constitution,
		&ch.Sheet.Intelligence,
		&ch.Sheet.Wisdom,
		&ch.Sheet.Charisma,
		&ch.Sheet.Personality,
		&ch.Sheet.Backstory,
		&ch.Sheet.Appearance,
		&ch.Sheet.Proficiencies,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Character{}, fmt.Errorf("repository: character %q of user %q: %w", characterID, userID, ErrNotFound)
	}
	if err != nil {
		return domain.Character{}, fmt.Errorf("repository: get character: %w", err)
	}
	return ch, nil
}

func (s *SQLiteStore) PutCharacter(ctx context.Context, ch domain.Character) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateCharacter(ch); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO characters (
	user_id, character_id, name, strength, dexterity, constitution, intelligence, wisdom, charisma,
	personality, backstory, appearance, proficiencies
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, character_id) DO UPDATE SET
	name = excluded.name,
	strength = excluded.strength,
	dexterity = excluded.dexterity,
	constitution = excluded.constitution,
	intelligence = excluded.intelligence,
	wisdom = excluded.wisdom,
	charisma = excluded.charisma,
	personality = excluded.personality,
	backstory = excluded.backstory,
	appearance = excluded.appearance,
	proficiencies = excluded.proficiencies
`,
		ch.UserID, ch.ID, ch.Name,
		ch.Sheet.Strength, ch.Sheet.Dexterity, ch.Sheet.Constitution,
		ch.Sheet.Intelligence, ch.Sheet.Wisdom, ch.Sheet.Charisma,
		ch.Sheet.Personality, ch.Sheet.Backstory, ch.Sheet.Appearance, ch.Sheet.Proficiencies,
	)
	if err != nil {
		return fmt.Errorf("repository: put character: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (domain.Turn, error) {
	var (
		turn      domain.Turn
		threadID  string
		role      string
		createdAt int64
	)
	if err := row.Scan(&turn.ID, &threadID, &role, &turn.Content, &createdAt); err != nil {
		return domain.Turn{}, err
	}
	turn.ThreadID = domain.ThreadID(threadID)
	turn.Role = domain.Role(role)
	turn.CreatedAt = fromMillis(createdAt)
	return turn, nil
}
