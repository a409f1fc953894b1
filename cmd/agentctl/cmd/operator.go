package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/austindbirch/agentgate/internal/auth"
)

const operatorKeyID = "agentgate-operator-1"

// operatorCmd represents the operator command
var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Create operator credentials",
	Long: `Create the RSA key pair and RS256 JWTs accepted as the operator
credential. Point the server's operator.jwt_public_key_file at the public key.`,
}

var operatorKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RSA key pair for operator tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("out-dir")
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return fmt.Errorf("failed to generate RSA key: %w", err)
		}
		privPEM, pubPEM, err := encodeRSAKeyPair(priv)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		privPath := filepath.Join(dir, "operator.key")
		pubPath := filepath.Join(dir, "operator.pub")
		if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
			return err
		}
		if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", privPath, pubPath)
		return nil
	},
}

var operatorTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an operator JWT",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		keyPath, _ := f.GetString("private-key")
		sub, _ := f.GetString("sub")
		issuer, _ := f.GetString("issuer")
		audience, _ := f.GetString("audience")
		ttl, _ := f.GetDuration("ttl")

		b, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		priv, err := parseRSAPrivateKeyPEM(b)
		if err != nil {
			return err
		}
		token, err := mintOperatorToken(priv, sub, issuer, audience, ttl, time.Now())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd, map[string]any{
				"token":      token,
				"expires_in": int(ttl.Seconds()),
				"token_type": "Bearer",
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func encodeRSAKeyPair(priv *rsa.PrivateKey) (privPEM, pubPEM []byte, err error) {
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return privPEM, pubPEM, nil
}

func parseRSAPrivateKeyPEM(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// mintOperatorToken signs an RS256 JWT carrying role=operator.
func mintOperatorToken(priv *rsa.PrivateKey, sub, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":  issuer,
		"aud":  audience,
		"sub":  sub,
		"role": auth.OperatorRole,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	token.Header["kid"] = operatorKeyID

	s, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

func init() {
	rootCmd.AddCommand(operatorCmd)
	operatorCmd.AddCommand(operatorKeygenCmd, operatorTokenCmd)

	operatorKeygenCmd.Flags().String("out-dir", ".", "directory for operator.key and operator.pub")
	operatorTokenCmd.Flags().String("private-key", "operator.key", "RSA private key PEM")
	operatorTokenCmd.Flags().String("sub", "operator", "token subject")
	operatorTokenCmd.Flags().String("issuer", "agentgate-operator", "token issuer")
	operatorTokenCmd.Flags().String("audience", "agentgate", "token audience")
	operatorTokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
