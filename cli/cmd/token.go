package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-audit/cli/internal/config"
)

type tokenClaims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// mintToken signs an HS256 token carrying scopes in the space-separated
// scope claim, the shape the audit service accepts.
func mintToken(secret, issuer, subject string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("a signing secret is required (--secret or jwt_secret in config)")
	}
	claims := tokenClaims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		secret  string
		subject string
		scopes  []string
		ttl     time.Duration
		save    bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Long: `Sign an HS256 bearer token with the shared secret configured on the
audit service. Intended for development and testing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = a.cfg.JWTSecret
			}
			tok, err := mintToken(secret, a.cfg.JWTIssuer, subject, scopes, ttl, time.Now())
			if err != nil {
				return err
			}

			p := a.printer(cmd)
			if save {
				path := a.cfgFile
				if path == "" {
					path = config.DefaultPath()
				}
				cfg := *a.cfg
				cfg.Token = tok
				if err := config.Save(&cfg, path); err != nil {
					return fmt.Errorf("save token: %w", err)
				}
				p.Success("Token saved to %s", path)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&secret, "secret", "", "HMAC secret (default: jwt_secret from config)")
	f.StringVar(&subject, "subject", "auditctl", "token subject")
	f.StringSliceVar(&scopes, "scopes", []string{"sys.facultad"}, "granted scopes")
	f.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	f.BoolVar(&save, "save", false, "store the token in the config file instead of printing it")
	return cmd
}
