package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/service"
)

// tokenCmd signs an access token offline with the shared secret.
func tokenCmd() *cobra.Command {
	var (
		secret    string
		driverID  string
		vehicleID string
		role      string
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("a signing secret is required (--secret or JWT_SECRET)")
			}
			switch role {
			case service.RoleReporter, service.RoleViewer, service.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", role)
			}

			token, err := service.NewAuthService(secret, ttl).IssueToken(driverID, vehicleID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", envOr("JWT_SECRET", ""), "HMAC signing secret")
	cmd.Flags().StringVar(&driverID, "driver", "", "Driver id claim")
	cmd.Flags().StringVar(&vehicleID, "vehicle", "", "Vehicle id claim (required for reporter tokens)")
	cmd.Flags().StringVar(&role, "role", service.RoleReporter, "Token role (reporter, viewer, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
