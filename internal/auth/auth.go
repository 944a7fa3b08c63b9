// Package auth builds authenticated HTTP clients for the two calendar
// services and persists their OAuth tokens across runs.
//
// Sync and daemon runs are strictly non-interactive: Client fails with an
// auth error when no token is stored. The interactive bootstrap lives in
// Authorize / AuthorizeManual, reached through the auth command.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"

	"github.com/bridgecal/bridgecal/internal/adapter"
	"github.com/bridgecal/bridgecal/internal/event"
)

// autoSaveTokenSource wraps an oauth2.TokenSource and persists every
// refreshed token, so a restart never has to re-run the interactive flow.
type autoSaveTokenSource struct {
	source oauth2.TokenSource
	store  TokenStore
	last   *oauth2.Token
}

func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}
	if a.last == nil || a.last.AccessToken != token.AccessToken {
		if err := a.store.SaveToken(token); err != nil {
			return nil, fmt.Errorf("save refreshed token: %w", err)
		}
		a.last = token
	}
	return token, nil
}

// googleClientSecret is the shape of the client secret JSON downloaded from
// the Google Cloud console.
type googleClientSecret struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleClientSecret reads OAuth client credentials from a Google client
// secret file, accepting both the "installed" and "web" layouts.
func LoadGoogleClientSecret(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read client secret file: %w", err)
	}

	var secret googleClientSecret
	if err := json.Unmarshal(data, &secret); err != nil {
		return "", "", fmt.Errorf("parse client secret file: %w", err)
	}

	if secret.Installed.ClientID != "" {
		return secret.Installed.ClientID, secret.Installed.ClientSecret, nil
	}
	if secret.Web.ClientID != "" {
		return secret.Web.ClientID, secret.Web.ClientSecret, nil
	}
	return "", "", fmt.Errorf("no client_id in %s (expected an \"installed\" or \"web\" section)", path)
}

// GoogleOAuthConfig builds the OAuth2 config for the Google Calendar API
// from a client secret file.
func GoogleOAuthConfig(secretPath string) (*oauth2.Config, error) {
	clientID, clientSecret, err := LoadGoogleClientSecret(secretPath)
	if err != nil {
		return nil, err
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  "http://127.0.0.1:8080", // replaced by the loopback server during Authorize
		Scopes:       []string{calendar.CalendarScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}, nil
}

// OutlookOAuthConfig builds the OAuth2 config for Microsoft Graph. Public
// client app registrations carry no secret; the nativeclient redirect shows
// the authorization code for manual entry.
func OutlookOAuthConfig(clientID, tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: "https://login.microsoftonline.com/common/oauth2/nativeclient",
		Scopes:      []string{"offline_access", "Calendars.ReadWrite"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/authorize",
			TokenURL: "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0/token",
		},
	}
}

// Client returns an authenticated HTTP client for one side. Refreshed tokens
// are saved back to the store. It never prompts: a missing token is an auth
// error telling the operator to run the auth command.
func Client(ctx context.Context, side event.Side, cfg *oauth2.Config, store TokenStore) (*http.Client, error) {
	token, err := store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("load %s token: %w", side, err)
	}
	if token == nil {
		return nil, &adapter.AuthError{
			Side: side,
			Op:   "load token",
			Err:  fmt.Errorf("no stored token, run \"bridgecal auth %s\" first", side),
		}
	}

	source := &autoSaveTokenSource{
		source: oauth2.ReuseTokenSource(token, cfg.TokenSource(ctx, token)),
		store:  store,
		last:   token,
	}
	return oauth2.NewClient(ctx, source), nil
}

// Authorize runs the interactive authorization-code flow using a loopback
// redirect: it starts a local server, prints the consent URL, waits for the
// browser to deliver the code, exchanges it, and stores the token.
func Authorize(ctx context.Context, cfg *oauth2.Config, store TokenStore, out io.Writer) error {
	redirectURL, codeChan, errChan, err := startLoopbackServer()
	if err != nil {
		return err
	}
	cfg.RedirectURL = redirectURL

	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Listening on %s for the OAuth redirect.\n", redirectURL)
	fmt.Fprintln(out, "Visit the following URL to authorize BridgeCal:")
	fmt.Fprintln(out, authURL)
	fmt.Fprintln(out, "Waiting for authorization...")

	var code string
	select {
	case code = <-codeChan:
	case err := <-errChan:
		return fmt.Errorf("receive authorization code: %w", err)
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("authorization timed out after 5 minutes")
	case <-ctx.Done():
		return ctx.Err()
	}

	return finishAuthorize(ctx, cfg, store, out, code)
}

// AuthorizeManual runs the authorization-code flow with out-of-band code
// entry: it prints the consent URL and reads the code from in. Used for
// providers whose redirect displays the code (Microsoft nativeclient) and
// in tests.
func AuthorizeManual(ctx context.Context, cfg *oauth2.Config, store TokenStore, in io.Reader, out io.Writer) error {
	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintln(out, "Visit the following URL to authorize BridgeCal:")
	fmt.Fprintln(out, authURL)
	fmt.Fprint(out, "Enter the authorization code: ")

	var code string
	if _, err := fmt.Fscanln(in, &code); err != nil {
		return fmt.Errorf("read authorization code: %w", err)
	}
	return finishAuthorize(ctx, cfg, store, out, code)
}

func finishAuthorize(ctx context.Context, cfg *oauth2.Config, store TokenStore, out io.Writer, code string) error {
	if code == "" {
		return fmt.Errorf("empty authorization code")
	}
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	if err := store.SaveToken(token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Fprintln(out, "Authorization successful.")
	return nil
}

// startLoopbackServer starts a local HTTP server to receive the OAuth
// redirect. Port 8080 is tried first so pre-registered redirect URIs keep
// working, with a random port as fallback.
func startLoopbackServer() (redirectURL string, codeChan <-chan string, errChan <-chan error, err error) {
	listener, err := net.Listen("tcp", "127.0.0.1:8080")
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, fmt.Errorf("start loopback server: %w", err)
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL = fmt.Sprintf("http://127.0.0.1:%d", port)

	codes := make(chan string, 1)
	errs := make(chan error, 1)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		switch {
		case code != "":
			fmt.Fprint(w, "<html><body><h1>Authorization successful</h1><p>You can close this window.</p></body></html>")
			codes <- code
		case r.URL.Query().Get("error") != "":
			msg := r.URL.Query().Get("error")
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>%s</p></body></html>", msg)
			errs <- fmt.Errorf("authorization error: %s", msg)
		default:
			fmt.Fprint(w, "<html><body><h1>No authorization code received</h1></body></html>")
			errs <- fmt.Errorf("no authorization code in redirect")
		}
		go func() {
			time.Sleep(time.Second)
			server.Shutdown(context.Background())
		}()
	})
	server.Handler = mux

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errs <- fmt.Errorf("loopback server: %w", err)
		}
	}()

	return redirectURL, codes, errs, nil
}
