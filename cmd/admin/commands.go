package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/VitoHuang720618/bojiu/internal/audit"
	"github.com/VitoHuang720618/bojiu/internal/auth"
	"github.com/VitoHuang720618/bojiu/internal/observability"
)

const cliUserAgent = "b9-admin-cli"

type opener func(ctx context.Context, migrate bool) (*stack, error)

func newStack(database *sql.DB, bcryptCost int, logger *observability.Logger) *stack {
	auditRepo := audit.NewRepository(database)
	dispatcher := audit.NewDispatcher(auditRepo, logger, 16)
	users := auth.NewUserService(auth.NewRepository(database), auth.NewBcryptHasher(bcryptCost), dispatcher)

	return &stack{
		users: users,
		audit: auditRepo,
		close: func() error {
			dispatcher.Close()
			return database.Close()
		},
	}
}

func newRootCmd(open opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "admin",
		Short:         "B9 website manager administration tool",
		Long:          "Administrative tool for managing admin-panel users and reading the audit log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	userCmd := &cobra.Command{Use: "user", Short: "Manage users"}
	userCmd.AddCommand(newUserCreateCmd(open), newUserListCmd(open), newUserDeleteCmd(open), newUserResetPasswordCmd(open))

	auditCmd := &cobra.Command{Use: "audit", Short: "Inspect the audit log"}
	auditCmd.AddCommand(newAuditListCmd(open))

	rootCmd.AddCommand(userCmd, auditCmd, newMigrateCmd(open))
	return rootCmd
}

func withStack(cmd *cobra.Command, open opener, migrate bool, fn func(ctx context.Context, s *stack) error) error {
	ctx := audit.WithClient(cmd.Context(), audit.Client{UserAgent: cliUserAgent})
	s, err := open(ctx, migrate)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

func newUserCreateCmd(open opener) *cobra.Command {
	var in auth.NewUser
	var role string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new user",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Role = auth.Role(role)
			return withStack(cmd, open, false, func(ctx context.Context, s *stack) error {
				user, err := s.users.CreateUser(ctx, in)
				if err != nil {
					return fmt.Errorf("failed to create user: %w", err)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "User created successfully!\n")
				fmt.Fprintf(out, "User ID: %s\n", user.ID)
				fmt.Fprintf(out, "Username: %s\n", user.Username)
				fmt.Fprintf(out, "Role: %s\n", user.Role)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&in.Username, "username", "u", "", "Username (required)")
	cmd.Flags().StringVarP(&in.Email, "email", "e", "", "Email (required)")
	cmd.Flags().StringVarP(&in.Password, "password", "p", "", "Password (required)")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleUser), "Role: admin or user")
	cmd.Flags().BoolVar(&in.MustChangePassword, "must-change-password", false, "Force a password change on first login")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newUserListCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, open, false, func(ctx context.Context, s *stack) error {
				users, err := s.users.ListUsers(ctx)
				if err != nil {
					return fmt.Errorf("failed to list users: %w", err)
				}
				printUsers(cmd.OutOrStdout(), users)
				return nil
			})
		},
	}
}

func newUserDeleteCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|username>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, open, false, func(ctx context.Context, s *stack) error {
				user, err := resolveUser(ctx, s.users, args[0])
				if err != nil {
					return err
				}
				if err := s.users.DeleteUser(ctx, user.ID); err != nil {
					return fmt.Errorf("failed to delete user: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User %s deleted\n", user.Username)
				return nil
			})
		},
	}
}

func newUserResetPasswordCmd(open opener) *cobra.Command {
	var password string
	var keepFlag bool

	cmd := &cobra.Command{
		Use:   "reset-password <id|username>",
		Short: "Set a new password for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mustChange := !keepFlag
			return withStack(cmd, open, false, func(ctx context.Context, s *stack) error {
				user, err := resolveUser(ctx, s.users, args[0])
				if err != nil {
					return err
				}
				if _, err := s.users.UpdateUser(ctx, user.ID, auth.UserUpdate{
					Password:           &password,
					MustChangePassword: &mustChange,
				}); err != nil {
					return fmt.Errorf("failed to reset password: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password for %s reset\n", user.Username)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&password, "password", "p", "", "New password (required)")
	cmd.Flags().BoolVar(&keepFlag, "no-force-change", false, "Do not require a change on next login")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newAuditListCmd(open opener) *cobra.Command {
	var filter audit.ListFilter

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, open, false, func(ctx context.Context, s *stack) error {
				entries, err := s.audit.List(ctx, filter)
				if err != nil {
					return fmt.Errorf("failed to list audit entries: %w", err)
				}
				printAudit(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&filter.UserID, "user", "", "Only entries for this user id")
	cmd.Flags().StringVar(&filter.Action, "action", "", "Only entries with this action, e.g. USER_DELETED")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "Maximum entries to show")
	return cmd
}

func newMigrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, open, true, func(ctx context.Context, s *stack) error {
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
				return nil
			})
		},
	}
}

// resolveUser accepts either a user id or an active username.
func resolveUser(ctx context.Context, users *auth.UserService, ref string) (auth.User, error) {
	ref = strings.TrimSpace(ref)
	var user auth.User
	var err error
	if _, parseErr := uuid.Parse(ref); parseErr == nil {
		user, err = users.GetUserByID(ctx, ref)
	} else {
		user, err = users.GetUserByUsername(ctx, ref)
	}
	if err != nil {
		return auth.User{}, fmt.Errorf("failed to find user %q: %w", ref, err)
	}
	return user, nil
}

func printUsers(out io.Writer, users []auth.User) {
	if len(users) == 0 {
		fmt.Fprintln(out, "No users found")
		return
	}

	fmt.Fprintf(out, "Total users: %d\n\n", len(users))
	fmt.Fprintf(out, "%-36s %-20s %-6s %-7s %-12s %s\n", "ID", "Username", "Role", "Active", "Must Change", "Created")
	fmt.Fprintln(out, strings.Repeat("-", 100))
	for _, u := range users {
		fmt.Fprintf(out, "%-36s %-20s %-6s %-7s %-12s %s\n",
			u.ID,
			u.Username,
			u.Role,
			yesNo(u.IsActive),
			yesNo(u.MustChangePassword),
			u.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
}

func printAudit(out io.Writer, entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit entries found")
		return
	}

	fmt.Fprintf(out, "%-19s %-18s %-36s %-15s %s\n", "Time", "Action", "User", "IP", "Details")
	fmt.Fprintln(out, strings.Repeat("-", 120))
	for _, e := range entries {
		user := "-"
		if e.UserID != nil {
			user = *e.UserID
		}
		fmt.Fprintf(out, "%-19s %-18s %-36s %-15s %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Action,
			user,
			e.IPAddress,
			e.Details,
		)
	}
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
