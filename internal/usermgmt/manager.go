package usermgmt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
)

// Manager provides the command-line interface for user management.
type Manager struct {
	db  *Directory
	in  *bufio.Reader
	out io.Writer
}

// NewManager creates a manager for db reading from stdin and writing to stdout.
func NewManager(db *Directory) *Manager {
	return NewManagerIO(db, os.Stdin, os.Stdout)
}

// NewManagerIO creates a manager with explicit input and output streams.
func NewManagerIO(db *Directory, in io.Reader, out io.Writer) *Manager {
	return &Manager{db: db, in: bufio.NewReader(in), out: out}
}

// Directory returns the underlying user directory.
func (um *Manager) Directory() *Directory {
	return um.db
}

func (um *Manager) prompt(label string) (string, error) {
	fmt.Fprint(um.out, label)
	line, err := um.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// AddUserInteractive prompts for the account fields and adds the user.
func (um *Manager) AddUserInteractive() error {
	username, err := um.prompt("Enter username: ")
	if err != nil {
		return err
	}
	password, err := um.prompt("Enter password: ")
	if err != nil {
		return err
	}
	expires, err := um.prompt("Expires (YYYY-MM-DD, empty for never): ")
	if err != nil {
		return err
	}
	maxConn, err := um.prompt("Max connections (empty for default): ")
	if err != nil {
		return err
	}

	limit := 0
	if maxConn != "" {
		limit, err = strconv.Atoi(maxConn)
		if err != nil {
			return fmt.Errorf("invalid max connections %q", maxConn)
		}
	}
	return um.AddUserDirect(username, password, expires, limit)
}

// AddUserDirect adds an active user with the provided fields.
func (um *Manager) AddUserDirect(username, password, expires string, maxConnections int) error {
	return um.db.AddUser(User{
		Username:       username,
		Password:       password,
		Expires:        expires,
		MaxConnections: maxConnections,
		Active:         true,
	})
}

// RemoveUser removes a user account.
func (um *Manager) RemoveUser(username string) error {
	return um.db.DeleteUser(username)
}

// ListUsers displays all users with their information.
func (um *Manager) ListUsers() {
	users := um.db.ListUsers()
	if len(users) == 0 {
		fmt.Fprintln(um.out, "No users found.")
		return
	}

	w := tabwriter.NewWriter(um.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "Username\tStatus\tCreated\tExpires\tMax Conn\tOpen")
	for _, user := range users {
		status := "Enabled"
		if !user.Active {
			status = "Disabled"
		}
		expires := user.Expires
		if expires == "" {
			expires = "Never"
		}
		limit, _ := um.db.EffectiveLimit(user.Username)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			user.Username, status, user.Created, expires, limit, um.db.Sessions().Count(user.Username))
	}
	w.Flush()
}

// ChangePasswordInteractive prompts for username and new password.
func (um *Manager) ChangePasswordInteractive() error {
	username, err := um.prompt("Enter username: ")
	if err != nil {
		return err
	}
	password, err := um.prompt("Enter new password: ")
	if err != nil {
		return err
	}
	confirm, err := um.prompt("Confirm new password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return fmt.Errorf("passwords do not match")
	}
	return um.db.UpdateUser(username, UserUpdate{Password: &password})
}

// EnableUser enables a user account.
func (um *Manager) EnableUser(username string) error {
	return um.db.EnableUser(username)
}

// DisableUser disables a user account.
func (um *Manager) DisableUser(username string) error {
	return um.db.DisableUser(username)
}

// BackupUsers creates a backup of the user database.
func (um *Manager) BackupUsers(backupPath string) error {
	return um.db.BackupDB(backupPath)
}

// PrintHelp displays help information for user management commands.
func (um *Manager) PrintHelp() {
	fmt.Fprintln(um.out, "User Management Commands:")
	fmt.Fprintln(um.out, "  add-user             - Add a new user (interactive)")
	fmt.Fprintln(um.out, "  remove-user <user>   - Remove a user")
	fmt.Fprintln(um.out, "  list-users           - List all users")
	fmt.Fprintln(um.out, "  change-password      - Change user password (interactive)")
	fmt.Fprintln(um.out, "  enable-user <user>   - Enable a user account")
	fmt.Fprintln(um.out, "  disable-user <user>  - Disable a user account")
	fmt.Fprintln(um.out, "  set-default-max <n>  - Set the default max connections per user")
	fmt.Fprintln(um.out, "  backup-users <file>  - Backup user database")
	fmt.Fprintln(um.out, "  help                 - Show this help")
}

// CreateDefaultUserFromEnv creates a default user from GX_TUNNEL_DEFAULT_USER and
// GX_TUNNEL_DEFAULT_PASSWORD when both are set and the user does not exist yet.
func (um *Manager) CreateDefaultUserFromEnv() error {
	defaultUser := os.Getenv("GX_TUNNEL_DEFAULT_USER")
	defaultPassword := os.Getenv("GX_TUNNEL_DEFAULT_PASSWORD")
	if defaultUser == "" || defaultPassword == "" {
		return nil
	}

	if _, err := um.db.GetUser(defaultUser); err == nil {
		log.Debugf("Default user '%s' already exists, skipping creation", defaultUser)
		return nil
	}

	log.Infof("Creating default user '%s' from environment variables", defaultUser)
	if err := um.AddUserDirect(defaultUser, defaultPassword, "", 0); err != nil {
		return fmt.Errorf("failed to create default user '%s': %w", defaultUser, err)
	}
	return nil
}

// RunUserManagementCLI runs an interactive user management shell until quit or end of input.
func (um *Manager) RunUserManagementCLI() {
	fmt.Fprintln(um.out, "GX Tunnel User Management")
	fmt.Fprintln(um.out, "Type 'help' for available commands or 'quit' to exit.")

	for {
		fmt.Fprint(um.out, "gx-tunnel> ")
		input, err := um.in.ReadString('\n')
		if err != nil && input == "" {
			if err != io.EOF {
				fmt.Fprintf(um.out, "Error reading input: %v\n", err)
			}
			return
		}

		parts := strings.Fields(input)
		if len(parts) == 0 {
			continue
		}

		switch command := parts[0]; command {
		case "quit", "exit":
			fmt.Fprintln(um.out, "Goodbye!")
			return

		case "help":
			um.PrintHelp()

		case "add-user":
			if err := um.AddUserInteractive(); err != nil {
				fmt.Fprintf(um.out, "Error adding user: %v\n", err)
			} else {
				fmt.Fprintln(um.out, "User added successfully!")
			}

		case "remove-user":
			if len(parts) < 2 {
				fmt.Fprintln(um.out, "Usage: remove-user <username>")
				continue
			}
			if err := um.RemoveUser(parts[1]); err != nil {
				fmt.Fprintf(um.out, "Error removing user: %v\n", err)
			} else {
				fmt.Fprintf(um.out, "User '%s' removed successfully!\n", parts[1])
			}

		case "list-users":
			um.ListUsers()

		case "change-password":
			if err := um.ChangePasswordInteractive(); err != nil {
				fmt.Fprintf(um.out, "Error changing password: %v\n", err)
			} else {
				fmt.Fprintln(um.out, "Password changed successfully!")
			}

		case "enable-user":
			if len(parts) < 2 {
				fmt.Fprintln(um.out, "Usage: enable-user <username>")
				continue
			}
			if err := um.EnableUser(parts[1]); err != nil {
				fmt.Fprintf(um.out, "Error enabling user: %v\n", err)
			} else {
				fmt.Fprintf(um.out, "User '%s' enabled successfully!\n", parts[1])
			}

		case "disable-user":
			if len(parts) < 2 {
				fmt.Fprintln(um.out, "Usage: disable-user <username>")
				continue
			}
			if err := um.DisableUser(parts[1]); err != nil {
				fmt.Fprintf(um.out, "Error disabling user: %v\n", err)
			} else {
				fmt.Fprintf(um.out, "User '%s' disabled successfully!\n", parts[1])
			}

		case "set-default-max":
			if len(parts) < 2 {
				fmt.Fprintln(um.out, "Usage: set-default-max <n>")
				continue
			}
			n, err := strconv.Atoi(parts[1])
			if err == nil {
				err = um.db.SetDefaultMaxConnections(n)
			}
			if err != nil {
				fmt.Fprintf(um.out, "Error setting default: %v\n", err)
			} else {
				fmt.Fprintf(um.out, "Default max connections set to %d\n", n)
			}

		case "backup-users":
			if len(parts) < 2 {
				fmt.Fprintln(um.out, "Usage: backup-users <backup-file-path>")
				continue
			}
			if err := um.BackupUsers(parts[1]); err != nil {
				fmt.Fprintf(um.out, "Error backing up users: %v\n", err)
			} else {
				fmt.Fprintf(um.out, "User database backed up to '%s' successfully!\n", parts[1])
			}

		default:
			fmt.Fprintf(um.out, "Unknown command: %s\n", command)
			fmt.Fprintln(um.out, "Type 'help' for available commands.")
		}
	}
}
