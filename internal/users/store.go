package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists users and groups.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store backed by an existing SQLite handle.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

const userColumns = `id, username, password_hash, email, full_name, role, is_active, auth_source, failed_attempts, locked_until, last_login, created_at, updated_at`

// Create validates and inserts a user, then assigns its groups.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*User, error) {
	req.Username = strings.TrimSpace(req.Username)
	if err := ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if req.Role == "" {
		req.Role = RoleUser
	}
	if !ValidRole(req.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrUserValidation, req.Role)
	}
	if req.AuthSource == "" {
		req.AuthSource = SourceLocal
	}
	hash := ""
	if req.AuthSource == SourceLocal {
		if err := ValidatePassword(req.Password); err != nil {
			return nil, err
		}
		var err error
		if hash, err = HashPassword(req.Password); err != nil {
			return nil, err
		}
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, email, full_name, role, is_active, auth_source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.Username, hash, strings.TrimSpace(req.Email), strings.TrimSpace(req.FullName), req.Role, boolToInt(active), req.AuthSource)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, req.Username)
		}
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := replaceUserGroups(ctx, tx, id, req.Groups); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get fetches a user by id.
func (s *Store) Get(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return s.withGroups(ctx, user)
}

// GetByUsername fetches a user by username.
func (s *Store) GetByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return nil, err
	}
	return s.withGroups(ctx, user)
}

// List returns all users with their group names.
func (s *Store) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberships, err := s.memberships(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].Groups = memberships[users[i].ID]
		if users[i].Groups == nil {
			users[i].Groups = []string{}
		}
	}
	return users, nil
}

// Update applies the non-nil fields of req.
func (s *Store) Update(ctx context.Context, id int64, req UpdateRequest) (*User, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Username == AdminUsername {
		if req.Active != nil && !*req.Active {
			return nil, fmt.Errorf("%w: %s cannot be deactivated", ErrProtected, AdminUsername)
		}
		if req.Role != nil && *req.Role != RoleAdmin {
			return nil, fmt.Errorf("%w: %s cannot be demoted", ErrProtected, AdminUsername)
		}
	}
	if req.Email != nil {
		current.Email = strings.TrimSpace(*req.Email)
	}
	if req.FullName != nil {
		current.FullName = strings.TrimSpace(*req.FullName)
	}
	if req.Role != nil {
		if !ValidRole(*req.Role) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrUserValidation, *req.Role)
		}
		current.Role = *req.Role
	}
	if req.Active != nil {
		current.Active = *req.Active
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET email = ?, full_name = ?, role = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`, current.Email, current.FullName, current.Role, boolToInt(current.Active), s.now().Unix(), id); err != nil {
		return nil, err
	}
	if req.Groups != nil {
		if err := replaceUserGroups(ctx, tx, id, *req.Groups); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes a user. The bootstrap admin is protected.
func (s *Store) Delete(ctx context.Context, id int64) error {
	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if user.Username == AdminUsername {
		return fmt.Errorf("%w: %s cannot be deleted", ErrProtected, AdminUsername)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrUserNotFound, fmt.Sprintf("id %d", id))
}

// SetPassword validates and stores a new local password.
func (s *Store) SetPassword(ctx context.Context, id int64, plain string) error {
	if err := ValidatePassword(plain); err != nil {
		return err
	}
	hash, err := HashPassword(plain)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, failed_attempts = 0, locked_until = 0, updated_at = ?
		WHERE id = ?
	`, hash, s.now().Unix(), id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrUserNotFound, fmt.Sprintf("id %d", id))
}

// RecordLogin clears failure counters and stamps last_login.
func (s *Store) RecordLogin(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET failed_attempts = 0, locked_until = 0, last_login = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrUserNotFound, fmt.Sprintf("id %d", id))
}

// RecordFailure increments the failure counter and locks the account once
// MaxFailedAttempts is reached. It reports whether the account is now locked.
func (s *Store) RecordFailure(ctx context.Context, id int64) (bool, error) {
	now := s.now()
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE users SET failed_attempts = failed_attempts + 1 WHERE id = ?
		RETURNING failed_attempts
	`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: id %d", ErrUserNotFound, id)
	}
	if err != nil {
		return false, err
	}
	if attempts < MaxFailedAttempts {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET locked_until = ?, failed_attempts = 0 WHERE id = ?
	`, now.Add(LockoutDuration).Unix(), id)
	return err == nil, err
}

// IsLocked reports whether username is currently locked out.
func (s *Store) IsLocked(ctx context.Context, username string) (bool, error) {
	var lockedUntil int64
	err := s.db.QueryRowContext(ctx, `SELECT locked_until FROM users WHERE username = ?`, username).Scan(&lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return lockedUntil > s.now().Unix(), nil
}

// EnsureAdmin creates the bootstrap admin account when it does not exist.
// When password is empty a random one is generated and returned so the caller
// can log it once. created is false if the account already existed.
func (s *Store) EnsureAdmin(ctx context.Context, password string) (generated string, created bool, err error) {
	if err := s.EnsureDefaultGroups(ctx); err != nil {
		return "", false, err
	}
	if _, err := s.GetByUsername(ctx, AdminUsername); err == nil {
		return "", false, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return "", false, err
	}
	if password == "" {
		if password, err = GeneratePassword(); err != nil {
			return "", false, err
		}
		generated = password
	}
	_, err = s.Create(ctx, CreateRequest{
		Username: AdminUsername,
		Password: password,
		FullName: "Administrator",
		Role:     RoleAdmin,
		Groups:   []string{"admins"},
	})
	if err != nil {
		return "", false, err
	}
	return generated, true, nil
}

func (s *Store) withGroups(ctx context.Context, user *User) (*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.name FROM group_members gm JOIN groups g ON g.id = gm.group_id
		WHERE gm.user_id = ? ORDER BY g.name
	`, user.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	user.Groups = []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		user.Groups = append(user.Groups, name)
	}
	return user, rows.Err()
}

func (s *Store) memberships(ctx context.Context) (map[int64][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gm.user_id, g.name FROM group_members gm JOIN groups g ON g.id = gm.group_id
		ORDER BY g.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64][]string)
	for rows.Next() {
		var userID int64
		var name string
		if err := rows.Scan(&userID, &name); err != nil {
			return nil, err
		}
		out[userID] = append(out[userID], name)
	}
	return out, rows.Err()
}

func replaceUserGroups(ctx context.Context, q querier, userID int64, names []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM group_members WHERE user_id = ?`, userID); err != nil {
		return err
	}
	ids, err := groupIDs(ctx, q, names)
	if err != nil {
		return err
	}
	for _, groupID := range ids {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, groupID, userID); err != nil {
			return err
		}
	}
	return nil
}

func groupIDs(ctx context.Context, q querier, names []string) ([]int64, error) {
	seen := make(map[string]struct{}, len(names))
	unique := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		unique = append(unique, name)
	}
	sort.Strings(unique)
	ids := make([]int64, 0, len(unique))
	for _, name := range unique {
		var id int64
		err := q.QueryRowContext(ctx, `SELECT id FROM groups WHERE name = ?`, name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, name)
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u      User
		active int
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email, &u.FullName, &u.Role, &active,
		&u.AuthSource, &u.FailedAttempts, &u.LockedUntil, &u.LastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Active = active != 0
	return &u, nil
}

func requireAffected(result sql.Result, notFound error, target string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, target)
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
