package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/agentgate/internal/auth"
	"github.com/austindbirch/agentgate/internal/keystore"
	"github.com/austindbirch/agentgate/internal/manifest"
	"github.com/austindbirch/agentgate/internal/signing"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [manifest-url]",
	Short: "Verify a peer manifest and remember its key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkManifest(cmd, "/v1/verify", args[0])
	},
}

var handshakeCmd = &cobra.Command{
	Use:   "handshake [manifest-url]",
	Short: "Handshake with a peer: verify its manifest into the peer cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return checkManifest(cmd, "/v1/handshake", args[0])
	},
}

func checkManifest(cmd *cobra.Command, path, manifestURL string) error {
	var res manifest.Result
	if err := apiRequest(cmd.Context(), "POST", path, map[string]string{"url": manifestURL}, &res); err != nil {
		return fmt.Errorf("verification request failed: %w", err)
	}
	if outputJSON {
		return printJSON(cmd, res)
	}
	out := cmd.OutOrStdout()
	if res.Verified {
		fmt.Fprintf(out, "✓ %s verified (key %s)\n", res.Agent, res.PublicKey)
	} else {
		fmt.Fprintf(out, "✗ not verified: %s\n", res.Error)
	}
	for _, p := range res.Proofs {
		mark := "✓"
		if !p.Valid {
			mark = "✗"
		}
		fmt.Fprintf(out, "  %s %s:%s %s\n", mark, p.Platform, p.Handle, p.Error)
	}
	return nil
}

var keyCmd = &cobra.Command{
	Use:   "key [handle]",
	Short: "Show the cached key record for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec keystore.Record
		if err := apiRequest(cmd.Context(), "GET", "/v1/keys/"+url.PathEscape(args[0]), nil, &rec); err != nil {
			return fmt.Errorf("failed to get key: %w", err)
		}
		if outputJSON {
			return printJSON(cmd, rec)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  source=%s verified=%s\n",
			rec.Handle, rec.PublicKey, rec.Source, formatTime(&rec.VerifiedAt))
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 agent key",
	Long: `Generate an Ed25519 agent key. The seed is the private key: keep it
secret and pass it back with --key or --key-file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := signing.GenerateKeyPair()
		if err != nil {
			return err
		}
		if path, _ := cmd.Flags().GetString("out"); path != "" {
			if err := os.WriteFile(path, []byte(kp.SeedHex()+"\n"), 0o600); err != nil {
				return fmt.Errorf("write seed: %w", err)
			}
		}
		if outputJSON {
			return printJSON(cmd, map[string]string{"publicKey": kp.PublicKeyHex, "seed": kp.SeedHex()})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\nSeed: %s\n", kp.PublicKeyHex, kp.SeedHex())
		return nil
	},
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Work with agent manifests",
}

var manifestBuildCmd = &cobra.Command{
	Use:   "build [agent] [platform:handle...]",
	Short: "Build a self-signed manifest for your key",
	Long: `Build a manifest binding your key to platform identities. Each
platform:handle argument becomes one signed proof. When moving a handle to
a new key, --rotate-from names the seed file of the key currently on record;
it signs the handover.

Example:
  agentctl --key-file agent.seed manifest build alice github:alice-dev x:alice
  agentctl --key-file new.seed manifest build --rotate-from old.seed alice github:alice-dev`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := loadKeyPair()
		if err != nil {
			return err
		}
		if kp == nil {
			return fmt.Errorf("a key is required (--key or --key-file)")
		}
		agent := args[0]
		proofs := make([]manifest.Proof, 0, len(args)-1)
		for _, arg := range args[1:] {
			platform, handle, ok := strings.Cut(arg, ":")
			if !ok || platform == "" || handle == "" {
				return fmt.Errorf("proof %q must be platform:handle", arg)
			}
			proofs = append(proofs, manifest.NewProof(kp, agent, platform, handle, ""))
		}
		m := manifest.Build(agent, kp, proofs...)
		if path, _ := cmd.Flags().GetString("rotate-from"); path != "" {
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read previous key: %w", err)
			}
			prev, err := signing.KeyPairFromSeedHex(string(b))
			if err != nil {
				return fmt.Errorf("previous key: %w", err)
			}
			m.Identity.Rotation = manifest.NewRotation(prev, agent, kp.PublicKeyHex)
		}
		if res := manifest.Check(m); !res.Verified {
			return fmt.Errorf("built manifest does not verify: %s", res.Error)
		}
		return printJSON(cmd, m)
	},
}

var signCmd = &cobra.Command{
	Use:   "sign [method] [path]",
	Short: "Print signed-request headers for a call",
	Long: `Print the X-Agent-* headers for a request, for use with curl.

Example:
  agentctl --handle alice --key-file agent.seed sign POST /v1/webhooks --body '{"url":"https://me.example/hook","events":["*"]}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if agentHandle == "" {
			return fmt.Errorf("--handle is required")
		}
		kp, err := loadKeyPair()
		if err != nil {
			return err
		}
		if kp == nil {
			return fmt.Errorf("a key is required (--key or --key-file)")
		}
		body, _ := cmd.Flags().GetString("body")
		req, err := http.NewRequest(strings.ToUpper(args[0]), args[1], strings.NewReader(body))
		if err != nil {
			return err
		}
		auth.SignRequest(req, agentHandle, kp, []byte(body))
		h := auth.DefaultHeaders
		headers := map[string]string{
			h.Handle:    req.Header.Get(h.Handle),
			h.Timestamp: req.Header.Get(h.Timestamp),
			h.Signature: req.Header.Get(h.Signature),
		}
		if outputJSON {
			return printJSON(cmd, headers)
		}
		for _, k := range []string{h.Handle, h.Timestamp, h.Signature} {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, headers[k])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd, handshakeCmd, keyCmd, keygenCmd, manifestCmd, signCmd)
	manifestCmd.AddCommand(manifestBuildCmd)
	keygenCmd.Flags().String("out", "", "also write the seed to this file (mode 0600)")
	signCmd.Flags().String("body", "", "request body")
	manifestBuildCmd.Flags().String("rotate-from", "", "seed file of the key being replaced")
}
