package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/agentgate/internal/auth"
	"github.com/austindbirch/agentgate/internal/signing"
)

var (
	cfgFile       string
	serverAddr    string
	timeout       time.Duration
	outputJSON    bool
	prettyJSON    bool
	operatorToken string
	agentHandle   string
	keySeed       string
	keyFile       string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "agentgate CLI - manage webhooks, jobs and agent identity",
	Long: `agentctl is a command line tool for the agentgate service.

Mutating calls are signed with your agent's Ed25519 key (--handle and --key
or --key-file), or authorized with the operator token (--token).`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.agentctl.yaml)")
	pf.StringVar(&serverAddr, "server", "http://localhost:8080", "agentgate base URL")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	pf.BoolVar(&outputJSON, "json", false, "output in JSON format")
	pf.BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	pf.StringVar(&operatorToken, "token", "", "operator bearer token (overrides AGENTCTL_TOKEN)")
	pf.StringVar(&agentHandle, "handle", "", "agent handle used to sign requests")
	pf.StringVar(&keySeed, "key", "", "hex Ed25519 seed used to sign requests")
	pf.StringVar(&keyFile, "key-file", "", "file holding the hex Ed25519 seed")

	for _, name := range []string{"server", "timeout", "json", "pretty", "token", "handle", "key", "key-file"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".agentctl")
	}

	viper.SetEnvPrefix("AGENTCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	serverAddr = viper.GetString("server")
	if d := viper.GetDuration("timeout"); d > 0 {
		timeout = d
	}
	outputJSON = viper.GetBool("json")
	prettyJSON = viper.GetBool("pretty")
	operatorToken = viper.GetString("token")
	agentHandle = viper.GetString("handle")
	keySeed = viper.GetString("key")
	keyFile = viper.GetString("key-file")
}

// loadKeyPair returns the signing key from --key or --key-file, or nil.
func loadKeyPair() (*signing.KeyPair, error) {
	seed := keySeed
	if seed == "" && keyFile != "" {
		b, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		seed = string(b)
	}
	if strings.TrimSpace(seed) == "" {
		return nil, nil
	}
	return signing.KeyPairFromSeedHex(seed)
}

// apiError is the server's error body.
type apiError struct {
	Status int
	Msg    string `json:"error"`
	Reason string `json:"reason"`
}

func (e *apiError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("HTTP %d: %s (%s)", e.Status, e.Msg, e.Reason)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Msg)
}

// apiRequest calls the agentgate API. The operator token wins over agent
// signing when both are configured. out, when non-nil, receives the decoded
// response body.
func apiRequest(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(serverAddr, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	switch {
	case operatorToken != "":
		req.Header.Set("Authorization", "Bearer "+operatorToken)
	case agentHandle != "":
		kp, err := loadKeyPair()
		if err != nil {
			return err
		}
		if kp != nil {
			auth.SignRequest(req, agentHandle, kp, raw)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	c := exec.Command("jq", ".")
	c.Stdin = bytes.NewReader(jsonData)

	var out, stderr bytes.Buffer
	c.Stdout = &out
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}
	return out.String(), nil
}

// printJSON writes v as JSON to the command's output.
func printJSON(cmd *cobra.Command, v any) error {
	w := cmd.OutOrStdout()
	if prettyJSON {
		compact, err := json.Marshal(v)
		if err != nil {
			return err
		}
		formatted, err := formatWithJQ(compact)
		if err == nil {
			_, err = fmt.Fprint(w, formatted)
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v, falling back to standard formatting\n", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling to JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseJSONArg validates a JSON command-line argument. Empty is allowed.
func parseJSONArg(s string) (json.RawMessage, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("invalid JSON: %s", s)
	}
	return json.RawMessage(s), nil
}

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}
