package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"gx-tunnel/internal/config"
	"gx-tunnel/internal/usermgmt"
)

func newUserCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage tunnel user accounts",
	}

	openManager := func(cmd *cobra.Command) (*usermgmt.Manager, error) {
		db, err := usermgmt.Open(cfg.UserDBPath, nil)
		if err != nil {
			return nil, err
		}
		return usermgmt.NewManagerIO(db, cmd.InOrStdin(), cmd.OutOrStdout()), nil
	}

	var (
		addExpires string
		addMaxConn int
	)
	add := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := openManager(cmd)
			if err != nil {
				return err
			}
			if err := um.AddUserDirect(args[0], args[1], normalizeExpires(addExpires), addMaxConn); err != nil {
				return fmt.Errorf("error adding user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' added successfully!\n", args[0])
			return nil
		},
	}
	add.Flags().StringVar(&addExpires, "expires", "", "expiry date (YYYY-MM-DD)")
	add.Flags().IntVar(&addMaxConn, "max-connections", 0, "max concurrent connections (0 uses the global default)")

	remove := &cobra.Command{
		Use:   "remove <username>",
		Short: "Remove a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := openManager(cmd)
			if err != nil {
				return err
			}
			if err := um.RemoveUser(args[0]); err != nil {
				return fmt.Errorf("error removing user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' removed successfully!\n", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := openManager(cmd)
			if err != nil {
				return err
			}
			um.ListUsers()
			return nil
		},
	}

	enable := &cobra.Command{
		Use:   "enable <username>",
		Short: "Enable a user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := openManager(cmd)
			if err != nil {
				return err
			}
			if err := um.EnableUser(args[0]); err != nil {
				return fmt.Errorf("error enabling user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' enabled successfully!\n", args[0])
			return nil
		},
	}

	disable := &cobra.Command{
		Use:   "disable <username>",
		Short: "Disable a user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := openManager(cmd)
			if err != nil {
				return err
			}
			if err := um.DisableUser(args[0]); err != nil {
				return fmt.Errorf("error disabling user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' disabled successfully!\n", args[0])
			return nil
		},
	}

	var (
		updPassword string
		updExpires  string
		updMaxConn  int
		updActive   bool
	)
	update := &cobra.Command{
		Use:   "update <username>",
		Short: "Update account fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd usermgmt.UserUpdate
			flags := cmd.Flags()
			if flags.Changed("password") {
				upd.Password = &updPassword
			}
			if flags.Changed("expires") {
				expires := normalizeExpires(updExpires)
				upd.Expires = &expires
			}
			if flags.Changed("max-connections") {
				upd.MaxConnections = &updMaxConn
			}
			if flags.Changed("active") {
				upd.Active = &updActive
			}
			if upd == (usermgmt.UserUpdate{}) {
				return fmt.Errorf("nothing to update")
			}

			um, err := openManager(cmd)
			if err != nil {
				return err
			}
			if err := um.Directory().UpdateUser(args[0], upd); err != nil {
				return fmt.Errorf("error updating user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' updated successfully!\n", args[0])
			return nil
		},
	}
	update.Flags().StringVar(&updPassword, "password", "", "new password")
	update.Flags().StringVar(&updExpires, "expires", "", "expiry date (YYYY-MM-DD, or 'never')")
	update.Flags().IntVar(&updMaxConn, "max-connections", 0, "max concurrent connections (0 uses the global default)")
	update.Flags().BoolVar(&updActive, "active", true, "account enabled")

	backup := &cobra.Command{
		Use:   "backup <file>",
		Short: "Backup the user database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := openManager(cmd)
			if err != nil {
				return err
			}
			if err := um.BackupUsers(args[0]); err != nil {
				return fmt.Errorf("error backing up users: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User database backed up to '%s' successfully!\n", args[0])
			return nil
		},
	}

	setDefault := &cobra.Command{
		Use:   "set-default-max <n>",
		Short: "Set the default max connections per user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid number %q", args[0])
			}
			um, err := openManager(cmd)
			if err != nil {
				return err
			}
			if err := um.Directory().SetDefaultMaxConnections(n); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default max connections set to %d\n", n)
			return nil
		},
	}

	shell := &cobra.Command{
		Use:   "shell",
		Short: "Interactive user management shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := openManager(cmd)
			if err != nil {
				return err
			}
			um.RunUserManagementCLI()
			return nil
		},
	}

	cmd.AddCommand(add, remove, list, enable, disable, update, backup, setDefault, shell)
	return cmd
}

// normalizeExpires maps "never" to the empty (no expiry) value.
func normalizeExpires(v string) string {
	if v == "never" {
		return ""
	}
	return v
}
