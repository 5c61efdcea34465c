// Package usermgmt provides user account management and authorization for gx-tunnel.
//
// Features:
//   - Directory: thread-safe user store persisted as a JSON file shared with the admin dashboard
//   - Authorization in a fixed order: existence, expiry, active flag, concurrency limit, password
//   - SessionCounter: per-user open-session counts with an atomic check-and-increment
//   - Account operations: add, delete, update, enable, disable, backup
//   - Manager: command-line and interactive administration
//
// Usage:
//  1. Open a Directory with Open, sharing a SessionCounter with the tunnel server
//  2. Use Admit when a session starts and Release when it ends
//  3. Use AddUser, DeleteUser and UpdateUser for account management
//  4. Run Manager.RunUserManagementCLI for an interactive management shell
//
// Passwords are stored and compared verbatim. This is a known weakness kept for
// compatibility with the existing users.json format.
package usermgmt
