// Package doctor validates the environment the agent needs: configuration,
// stored credentials for both calendars, and mapping-store persistence.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bridgecal/bridgecal/internal/auth"
	"github.com/bridgecal/bridgecal/internal/config"
	"github.com/bridgecal/bridgecal/internal/store"
)

// Exit codes reported by Run, matching the process-wide taxonomy.
const (
	ExitOK      = 0
	ExitConfig  = 2
	ExitAuth    = 3
	ExitRuntime = 4
)

const cursorDoctorLastWrite = "doctor.last_write"

type failure struct {
	code    int
	message string
}

// Run executes the probes in order, printing one [ok] line per passing probe
// to out, then every failure to errOut. The exit code is the most severe
// failure's: config problems beat auth problems beat runtime problems.
func Run(ctx context.Context, configPath string, out, errOut io.Writer) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Nothing else can run without configuration.
		fmt.Fprintf(errOut, "[fail] configuration: %v\n", err)
		return ExitConfig
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(errOut, "[fail] data directory %s: %v\n", cfg.DataDir, err)
		return ExitConfig
	}
	fmt.Fprintln(out, "[ok] configuration valid")

	var failures []failure

	if err := checkToken(cfg.Outlook.TokenPath); err != nil {
		failures = append(failures, failure{
			code:    ExitAuth,
			message: fmt.Sprintf("Outlook check failed: %v (run \"bridgecal auth outlook\")", err),
		})
	} else {
		fmt.Fprintln(out, "[ok] Outlook credentials")
	}

	if code, err := checkGoogle(cfg); err != nil {
		failures = append(failures, failure{
			code:    code,
			message: fmt.Sprintf("Google check failed: %v", err),
		})
	} else {
		fmt.Fprintln(out, "[ok] Google Calendar credentials")
	}

	if err := checkStore(ctx, cfg.StorePath()); err != nil {
		failures = append(failures, failure{
			code:    ExitConfig,
			message: fmt.Sprintf("SQLite check failed: %v", err),
		})
	} else {
		fmt.Fprintln(out, "[ok] SQLite state.db writable")
	}

	if len(failures) == 0 {
		fmt.Fprintln(out, "doctor: all checks passed")
		return ExitOK
	}

	code := ExitRuntime
	for _, f := range failures {
		fmt.Fprintf(errOut, "[fail] %s\n", f.message)
		if f.code == ExitConfig {
			code = ExitConfig
			continue
		}
		if f.code == ExitAuth && code != ExitConfig {
			code = ExitAuth
		}
	}
	return code
}

// checkToken verifies a stored token exists and parses.
func checkToken(path string) error {
	token, err := auth.NewFileTokenStore(path).LoadToken()
	if err != nil {
		return err
	}
	if token == nil {
		return fmt.Errorf("no stored token at %s", path)
	}
	return nil
}

// checkGoogle verifies the client secret file before the token: a missing or
// malformed secret is a prerequisite problem, a missing token an auth one.
func checkGoogle(cfg *config.Config) (int, error) {
	if _, _, err := auth.LoadGoogleClientSecret(cfg.Google.ClientSecretPath); err != nil {
		return ExitConfig, err
	}
	if err := checkToken(cfg.Google.TokenPath); err != nil {
		return ExitAuth, fmt.Errorf("%w (run \"bridgecal auth google\")", err)
	}
	return ExitOK, nil
}

// checkStore opens the mapping store and round-trips a cursor value.
func checkStore(ctx context.Context, path string) error {
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := st.SetCursor(ctx, cursorDoctorLastWrite, now); err != nil {
		return err
	}
	observed, ok, err := st.GetCursor(ctx, cursorDoctorLastWrite)
	if err != nil {
		return err
	}
	if !ok || observed != now {
		return fmt.Errorf("cursor roundtrip mismatch")
	}
	return nil
}
