package app

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"flora-session/internal/authapi"
	commonhttp "flora-session/internal/common/http"
	"flora-session/internal/session"
)

func (app *App) login(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("login", stdout)
	user := fs.String("u", "", "username or email")
	password := fs.String("p", "", "password (defaults to $FLORA_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *password == "" {
		*password = os.Getenv("FLORA_PASSWORD")
	}
	if *user == "" || *password == "" {
		return fmt.Errorf("%w: login needs -u and a password", errUsage)
	}

	if err := app.Session.Login(ctx, *user, *password); err != nil {
		var apiErr *authapi.APIError
		if stderrors.Is(err, authapi.ErrLoginRejected) && stderrors.As(err, &apiErr) {
			return fmt.Errorf("login rejected: %s", apiErr.Detail)
		}
		return err
	}

	creds := app.Session.Snapshot()
	fmt.Fprintf(stdout, "logged in, access token valid until %s\n", creds.AccessExpiry.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func (app *App) logout(ctx context.Context, stdout io.Writer) error {
	app.Session.Logout(ctx)
	fmt.Fprintln(stdout, "logged out")
	return nil
}

func (app *App) status(stdout io.Writer) error {
	st := app.Session.Status()
	out := struct {
		session.Status
		RefreshState string `json:"refresh_state"`
	}{Status: st, RefreshState: st.RefreshState.String()}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// get fetches PATH relative to the API base with the session's client and
// copies the body to stdout.
func (app *App) get(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: get needs exactly one PATH", errUsage)
	}
	target := app.Config.APIBaseURL + "/" + strings.TrimPrefix(args[0], "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := app.Session.HTTPClient().Do(req)
	if err != nil {
		if stderrors.Is(err, session.ErrUnauthenticated) {
			return fmt.Errorf("Sesión expirada: %w", err)
		}
		return err
	}
	defer commonhttp.DrainAndClose(resp)

	if resp.StatusCode >= 300 {
		body, _ := commonhttp.ReadBody(resp)
		return fmt.Errorf("GET %s: %s: %s", args[0], resp.Status, strings.TrimSpace(string(body)))
	}
	_, err = io.Copy(stdout, resp.Body)
	return err
}
