package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pricewatch/ingestd/internal/auth"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the internal API",
	Long: `Sign a bearer token with INTERNAL_SECRET. The token is accepted by every
/internal endpoint until it expires.

Examples:
  ingestd token --subject dashboard
  ingestd token --subject ops --ttl 15m`,
	RunE: runToken,
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [secret]",
	Short: "Print the bcrypt hash of a shared secret",
	Long: `Print the bcrypt hash of the given secret, or of INTERNAL_SECRET when
none is given. Deploy the hash as INTERNAL_SECRET_HASH to keep the plain
secret out of the service's environment.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHashSecret,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "token subject (required)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime, defaults to TOKEN_TTL_SECONDS")
	_ = tokenCmd.MarkFlagRequired("subject")
}

func runToken(cmd *cobra.Command, args []string) error {
	if cfg.Auth.Secret == "" {
		return errors.New("INTERNAL_SECRET must be set to sign tokens")
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}

	token, err := auth.GenerateToken(tokenSubject, cfg.Auth.Secret, ttl)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}

	logger.Debug("Issued token", "subject", tokenSubject, "expires_at", time.Now().Add(ttl))
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runHashSecret(cmd *cobra.Command, args []string) error {
	secret := cfg.Auth.Secret
	if len(args) == 1 {
		secret = args[0]
	}
	if secret == "" {
		return errors.New("no secret given and INTERNAL_SECRET is not set")
	}

	hash, err := auth.HashSecret(secret)
	if err != nil {
		return fmt.Errorf("hash secret: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
