package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rhythmchamber/internal/oauth"
	"rhythmchamber/internal/securestore"
)

// authCmd manages music-service authorization
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage music-service authorization",
	Long: `Drive the PKCE authorization flow against the music service and manage
the encrypted token vault.

Available subcommands:
  login  - Start the authorization flow and wait for the callback
  status - Show whether a valid access token is stored
  logout - Clear tokens and invalidate the secure-store session`,
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize with the music service",
	Long: `Start the PKCE flow: prints the authorization URL, runs a local
callback listener at the configured redirect URI, exchanges the code, and
stores the tokens encrypted in the vault.`,
	RunE: runAuthLogin,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authorization status",
	RunE:  runAuthStatus,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear tokens and rotate the vault session",
	RunE:  runAuthLogout,
}

func init() {
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authLogoutCmd)
}

func openVault() (*securestore.Store, *oauth.TokenStore, error) {
	vault, err := securestore.Open(filepath.Join(workspace, ".rhythm", "vault"))
	if err != nil {
		return nil, nil, err
	}
	return vault, oauth.NewTokenStore(vault), nil
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.OAuth.ClientID == "" {
		return fmt.Errorf("no client id configured (set oauth.client_id or SPOTIFY_CLIENT_ID)")
	}

	_, tokens, err := openVault()
	if err != nil {
		return err
	}

	oauthCfg := oauth.DefaultConfig(cfg.OAuth.ClientID, cfg.OAuth.RedirectURI)
	if len(cfg.OAuth.Scopes) > 0 {
		oauthCfg.Scopes = cfg.OAuth.Scopes
	}
	manager := oauth.NewManager(oauthCfg, oauth.NewMemorySession())

	authURL, err := manager.BeginAuth()
	if err != nil {
		return err
	}

	fmt.Println("Open this URL in your browser to authorize:")
	fmt.Println()
	fmt.Println("  " + authURL)
	fmt.Println()

	redirect, err := url.Parse(cfg.OAuth.RedirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}

	type callback struct {
		code, state string
	}
	callbackCh := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		select {
		case callbackCh <- callback{code: q.Get("code"), state: q.Get("state")}:
		default:
		}
		fmt.Fprintln(w, "Authorization received. You can close this window.")
	})
	server := &http.Server{Addr: redirect.Host, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go server.ListenAndServe()
	defer server.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var cb callback
	select {
	case cb = <-callbackCh:
	case <-sigCh:
		return fmt.Errorf("authorization cancelled")
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timed out waiting for the callback")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	token, err := manager.HandleCallback(ctx, cb.code, cb.state)
	if err != nil {
		return err
	}
	if err := tokens.Save(token); err != nil {
		return err
	}

	logger.Info("authorization complete", zap.Int64("expires_in", token.ExpiresIn))
	fmt.Println("✓ Authorized and tokens stored.")
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	vault, tokens, err := openVault()
	if err != nil {
		return err
	}

	fmt.Printf("Vault session version: %d\n", vault.SessionVersion())
	if tokens.HasValidToken() {
		fmt.Println("Access token:          valid")
	} else if at, _ := tokens.AccessToken(); at != "" {
		fmt.Println("Access token:          expired (or inside the 5-minute margin)")
	} else {
		fmt.Println("Access token:          none")
	}
	if rt, _ := tokens.RefreshToken(); rt != "" {
		fmt.Println("Refresh token:         present")
	} else {
		fmt.Println("Refresh token:         none")
	}
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	vault, tokens, err := openVault()
	if err != nil {
		return err
	}
	if err := tokens.Clear(); err != nil {
		return err
	}
	if err := vault.InvalidateSessions(); err != nil {
		return err
	}
	fmt.Println("✓ Tokens cleared and session invalidated.")
	return nil
}
