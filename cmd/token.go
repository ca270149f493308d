package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/credit-recovery/internal/auth"
)

var (
	tokenSubject     string
	tokenTTL         time.Duration
	tokenPermissions []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator token for the operator API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if cfg.Security.JWTPrivateKey == "" {
			return withExitCode(ExitPrerequisite, errors.New("security.jwt_private_key is required to sign tokens"))
		}
		privateKey, err := cfg.Security.GetPrivateKey()
		if err != nil {
			return withExitCode(ExitPrerequisite, err)
		}

		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.Security.OperatorTokenTTL
		}
		svc := auth.NewService(auth.NewJWTTokenGenerator(privateKey, nil, ttl))
		token, err := svc.GenerateOperatorToken(strings.TrimSpace(tokenSubject), tokenPermissions, ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}

		fprintf(cmd.OutOrStdout(), "%s\n", token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator identity recorded in logs and audit context")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to security.operator_token_ttl)")
	tokenCmd.Flags().StringSliceVar(&tokenPermissions, "permission", []string{auth.PermissionReconcile}, "permissions granted by the token")
	_ = tokenCmd.MarkFlagRequired("subject")
}
