package usermgmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// FallbackMaxConnections is the effective limit when neither the user record nor
// the global settings define one.
const FallbackMaxConnections = 3

// DateLayout is the on-disk format of the created and expires fields.
const DateLayout = "2006-01-02"

// settingMaxConnections is the settings key holding the default per-user limit.
const settingMaxConnections = "max_connections_per_user"

var (
	// ErrUserExists is returned when adding a username that is already present.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when a mutation names an unknown user.
	ErrUserNotFound = errors.New("user does not exist")
	// ErrInvalidUser is returned for records that fail validation.
	ErrInvalidUser = errors.New("invalid user")
)

// User represents a user account in the directory.
// Passwords are stored and compared as plain text to stay compatible with the
// existing users.json format shared with the admin dashboard.
type User struct {
	Username string
	Password string
	// Created is the creation date (YYYY-MM-DD).
	Created string
	// Expires is the optional expiry date (YYYY-MM-DD); empty means never.
	Expires string
	// MaxConnections overrides the global default when greater than zero.
	MaxConnections int
	Active         bool
}

type userJSON struct {
	Username       string  `json:"username"`
	Password       string  `json:"password"`
	Created        string  `json:"created"`
	Expires        *string `json:"expires"`
	MaxConnections int     `json:"max_connections,omitempty"`
	Active         *bool   `json:"active,omitempty"`
}

// MarshalJSON writes a missing expiry as null.
func (u User) MarshalJSON() ([]byte, error) {
	j := userJSON{
		Username:       u.Username,
		Password:       u.Password,
		Created:        u.Created,
		MaxConnections: u.MaxConnections,
		Active:         &u.Active,
	}
	if u.Expires != "" {
		j.Expires = &u.Expires
	}
	return json.Marshal(j)
}

// UnmarshalJSON treats a missing active flag as true.
func (u *User) UnmarshalJSON(data []byte) error {
	var j userJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*u = User{
		Username:       j.Username,
		Password:       j.Password,
		Created:        j.Created,
		MaxConnections: j.MaxConnections,
		Active:         true,
	}
	if j.Expires != nil {
		u.Expires = *j.Expires
	}
	if j.Active != nil {
		u.Active = *j.Active
	}
	return nil
}

// UserUpdate lists the fields changed by UpdateUser; nil fields are left untouched.
type UserUpdate struct {
	Password       *string
	Expires        *string
	MaxConnections *int
	Active         *bool
}

type storeFile struct {
	Users    []User                     `json:"users"`
	Settings map[string]json.RawMessage `json:"settings"`
}

// Directory is the in-memory copy of the user store. Reads may run concurrently;
// mutations are serialized by the write lock and persisted with a full rewrite of
// the file after every change.
type Directory struct {
	users    map[string]*User
	order    []string
	settings map[string]json.RawMessage
	filePath string
	mutex    sync.RWMutex

	modTime time.Time
	size    int64

	sessions *SessionCounter
	now      func() time.Time
}

// Open loads the user store at dbPath. A missing or empty file yields an empty
// directory. sessions is consulted for the concurrency limit; a fresh counter is
// created when it is nil.
func Open(dbPath string, sessions *SessionCounter) (*Directory, error) {
	if dbPath == "" {
		dbPath = "users.json"
	}
	if sessions == nil {
		sessions = NewSessionCounter()
	}

	db := &Directory{
		users:    make(map[string]*User),
		settings: make(map[string]json.RawMessage),
		filePath: dbPath,
		sessions: sessions,
		now:      time.Now,
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()
	if err := db.loadFromFile(); err != nil {
		return nil, fmt.Errorf("failed to load user database %s: %w", dbPath, err)
	}
	return db, nil
}

// Path returns the backing file path.
func (db *Directory) Path() string {
	return db.filePath
}

// Sessions returns the counter consulted for concurrency limits.
func (db *Directory) Sessions() *SessionCounter {
	return db.sessions
}

// Authorize evaluates the credentials against the directory and the current
// session count. It does not change the count; callers that go on to open a
// session should use Admit instead.
func (db *Directory) Authorize(username, password string) (bool, Verdict) {
	v := db.evaluate(username, password, db.sessions.Count(username))
	return v.OK(), v
}

// Admit decides whether a new tunnel session may open for username.
//
// The directory is first refreshed from disk if the file changed. The checks then
// run in order: the user exists, the account is not expired, it is active, it is
// below its effective connection limit, and the password matches. The limit check
// and the increment of the open-session count happen in one critical section, so
// concurrent callers cannot exceed the limit.
//
// Parameters:
//   - username: The value of the X-Username header.
//   - password: The value of the X-Password header.
//
// Returns:
//   - Verdict: Authorized (with the limit in force) or the first failed check.
//     A failed reload yields StoreUnavailable.
//
// Every Authorized verdict must be paired with exactly one Release.
func (db *Directory) Admit(username, password string) Verdict {
	if err := db.Refresh(); err != nil {
		log.WithError(err).Error("User store unavailable")
		return Verdict{Code: StoreUnavailable}
	}
	var v Verdict
	db.sessions.Reserve(username, func(current int) bool {
		v = db.evaluate(username, password, current)
		return v.OK()
	})
	return v
}

// Release ends one session admitted for username.
func (db *Directory) Release(username string) int {
	return db.sessions.Decrement(username)
}

func (db *Directory) evaluate(username, password string, current int) Verdict {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	user, exists := db.users[username]
	if !exists {
		return Verdict{Code: UserNotFound}
	}

	if user.Expires != "" {
		expiry, err := time.ParseInLocation(DateLayout, user.Expires, time.Local)
		if err != nil || db.now().After(expiry) {
			return Verdict{Code: AccountExpired}
		}
	}

	if !user.Active {
		return Verdict{Code: AccountDisabled}
	}

	limit := db.effectiveLimitLocked(user)
	if current >= limit {
		return Verdict{Code: ConcurrencyLimitExceeded, Limit: limit}
	}

	if user.Password != password {
		return Verdict{Code: InvalidPassword}
	}
	return Verdict{Code: Authorized, Limit: limit}
}

// EffectiveLimit returns the max-connections value in force for username.
func (db *Directory) EffectiveLimit(username string) (int, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	user, exists := db.users[username]
	if !exists {
		return 0, fmt.Errorf("user '%s': %w", username, ErrUserNotFound)
	}
	return db.effectiveLimitLocked(user), nil
}

func (db *Directory) effectiveLimitLocked(user *User) int {
	if user.MaxConnections > 0 {
		return user.MaxConnections
	}
	if def := db.defaultMaxLocked(); def > 0 {
		return def
	}
	return FallbackMaxConnections
}

func (db *Directory) defaultMaxLocked() int {
	raw, ok := db.settings[settingMaxConnections]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// DefaultMaxConnections returns the global default limit, or 0 when unset.
func (db *Directory) DefaultMaxConnections() int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.defaultMaxLocked()
}

// SetDefaultMaxConnections stores the global default limit.
func (db *Directory) SetDefaultMaxConnections(n int) error {
	if n < 1 {
		return fmt.Errorf("default max connections must be at least 1: %w", ErrInvalidUser)
	}
	db.mutex.Lock()
	defer db.mutex.Unlock()

	prev, had := db.settings[settingMaxConnections]
	raw, _ := json.Marshal(n)
	db.settings[settingMaxConnections] = raw
	if err := db.saveToFile(); err != nil {
		if had {
			db.settings[settingMaxConnections] = prev
		} else {
			delete(db.settings, settingMaxConnections)
		}
		return fmt.Errorf("failed to save user database: %w", err)
	}
	return nil
}

// AddUser creates a new user account. An empty Created date is set to today.
func (db *Directory) AddUser(user User) error {
	if err := validate(user); err != nil {
		return err
	}

	db.mutex.Lock()
	defer db.mutex.Unlock()

	if _, exists := db.users[user.Username]; exists {
		return fmt.Errorf("user '%s': %w", user.Username, ErrUserExists)
	}
	if user.Created == "" {
		user.Created = db.now().Format(DateLayout)
	}

	db.users[user.Username] = &user
	db.order = append(db.order, user.Username)

	if err := db.saveToFile(); err != nil {
		// Rollback
		delete(db.users, user.Username)
		db.order = db.order[:len(db.order)-1]
		return fmt.Errorf("failed to save user database: %w", err)
	}
	return nil
}

// DeleteUser removes a user account.
func (db *Directory) DeleteUser(username string) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	user, exists := db.users[username]
	if !exists {
		return fmt.Errorf("user '%s': %w", username, ErrUserNotFound)
	}

	prevOrder := db.order
	delete(db.users, username)
	db.order = removeName(db.order, username)

	if err := db.saveToFile(); err != nil {
		db.users[username] = user
		db.order = prevOrder
		return fmt.Errorf("failed to save user database: %w", err)
	}
	return nil
}

// UpdateUser applies the non-nil fields of upd to the named account.
func (db *Directory) UpdateUser(username string, upd UserUpdate) error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	user, exists := db.users[username]
	if !exists {
		return fmt.Errorf("user '%s': %w", username, ErrUserNotFound)
	}

	next := *user
	if upd.Password != nil {
		next.Password = *upd.Password
	}
	if upd.Expires != nil {
		next.Expires = *upd.Expires
	}
	if upd.MaxConnections != nil {
		next.MaxConnections = *upd.MaxConnections
	}
	if upd.Active != nil {
		next.Active = *upd.Active
	}
	if err := validate(next); err != nil {
		return err
	}

	prev := *user
	*user = next
	if err := db.saveToFile(); err != nil {
		*user = prev
		return fmt.Errorf("failed to save user database: %w", err)
	}
	return nil
}

// EnableUser enables a user account.
func (db *Directory) EnableUser(username string) error {
	active := true
	return db.UpdateUser(username, UserUpdate{Active: &active})
}

// DisableUser disables a user account.
func (db *Directory) DisableUser(username string) error {
	active := false
	return db.UpdateUser(username, UserUpdate{Active: &active})
}

// GetUser returns a copy of the named account.
func (db *Directory) GetUser(username string) (User, error) {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	user, exists := db.users[username]
	if !exists {
		return User{}, fmt.Errorf("user '%s': %w", username, ErrUserNotFound)
	}
	return *user, nil
}

// ListUsers returns copies of all accounts sorted by username.
func (db *Directory) ListUsers() []User {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	users := make([]User, 0, len(db.users))
	for _, u := range db.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users
}

// Refresh reloads the store when the file's modification time or size differs
// from the last load or save. Writes made by other processes become visible this way.
func (db *Directory) Refresh() error {
	info, err := os.Stat(db.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	db.mutex.RLock()
	unchanged := info.ModTime().Equal(db.modTime) && info.Size() == db.size
	db.mutex.RUnlock()
	if unchanged {
		return nil
	}
	return db.Reload()
}

// Reload discards the in-memory copy and reads the store again.
func (db *Directory) Reload() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return db.loadFromFile()
}

// BackupDB creates a backup of the user database.
func (db *Directory) BackupDB(backupPath string) error {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	sourceFile, err := os.Open(db.filePath)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}

// saveToFile writes the directory to disk. Must be called with the write lock held.
func (db *Directory) saveToFile() error {
	file := storeFile{
		Users:    make([]User, 0, len(db.order)),
		Settings: db.settings,
	}
	for _, name := range db.order {
		if u, ok := db.users[name]; ok {
			file.Users = append(file.Users, *u)
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename for atomic operation
	tempFile := db.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tempFile, db.filePath); err != nil {
		os.Remove(tempFile)
		return err
	}

	db.recordStat()
	return nil
}

// loadFromFile replaces the in-memory state with the file contents. Must be
// called with the write lock held. The previous state is kept on error.
func (db *Directory) loadFromFile() error {
	data, err := os.ReadFile(db.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var file storeFile
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &file); err != nil {
			return err
		}
	}

	users := make(map[string]*User, len(file.Users))
	order := make([]string, 0, len(file.Users))
	for i := range file.Users {
		u := file.Users[i]
		if _, dup := users[u.Username]; dup {
			// First record wins, matching a linear scan of the list.
			continue
		}
		users[u.Username] = &u
		order = append(order, u.Username)
	}
	if file.Settings == nil {
		file.Settings = make(map[string]json.RawMessage)
	}

	db.users = users
	db.order = order
	db.settings = file.Settings
	db.recordStat()
	return nil
}

func (db *Directory) recordStat() {
	if info, err := os.Stat(db.filePath); err == nil {
		db.modTime = info.ModTime()
		db.size = info.Size()
	}
}

func validate(user User) error {
	if strings.TrimSpace(user.Username) == "" {
		return fmt.Errorf("username cannot be empty: %w", ErrInvalidUser)
	}
	if user.Password == "" {
		return fmt.Errorf("password cannot be empty: %w", ErrInvalidUser)
	}
	if user.Expires != "" {
		if _, err := time.Parse(DateLayout, user.Expires); err != nil {
			return fmt.Errorf("expires must be YYYY-MM-DD: %w", ErrInvalidUser)
		}
	}
	if user.MaxConnections < 0 {
		return fmt.Errorf("max connections cannot be negative: %w", ErrInvalidUser)
	}
	return nil
}

func removeName(names []string, name string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
