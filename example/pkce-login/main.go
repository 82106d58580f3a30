// Command pkce-login signs a user in through the browser with OAuth2 PKCE and
// keeps the backend session for later commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mnehpets/onesession/auth"
	"github.com/mnehpets/onesession/callback"
	"github.com/mnehpets/onesession/middleware"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "pkce-login",
		Usage: "browser sign-in for native clients",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files to load (default .env if present)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "login",
				Usage: "open the browser to sign in and wait for the redirect",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "prompt", Value: string(auth.PromptLogin), Usage: "login or create"},
					&cli.StringFlag{Name: "next-url", Usage: "local path the application should show after sign-in"},
					&cli.DurationFlag{Name: "wait", Value: 5 * time.Minute, Usage: "how long to wait for the redirect"},
				},
				Action: runLogin,
			},
			{
				Name:   "status",
				Usage:  "ask the backend for the current session",
				Action: runStatus,
			},
			{
				Name:  "logout",
				Usage: "forget the local session and sign out at the backend",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "no-browser", Usage: "print the logout URL instead of opening it"},
				},
				Action: runLogout,
			},
			{
				Name:      "fetch",
				Usage:     "make an authenticated request to the backend",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "method", Aliases: []string{"X"}, Value: "GET"},
					&cli.StringFlag{Name: "data", Aliases: []string{"d"}, Usage: "request body"},
				},
				Action: runFetch,
			},
			{
				Name:  "serve",
				Usage: "run the loopback server with session polling and events",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "refresh", Value: time.Minute, Usage: "session status refresh interval"},
					&cli.StringSliceFlag{Name: "cors-origin", Usage: "origin of a local UI allowed to read /session"},
				},
				Action: runServe,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runLogin(cctx *cli.Context) error {
	s, err := newStack(cctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	srv, err := callback.New(s.client, callback.WithLogger(s.logger))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("wait"))
	defer cancel()

	// Bind before the browser opens so the redirect cannot race the listener.
	ln, err := net.Listen("tcp", srv.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr(), err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	var appCtx *auth.OAuthContext
	if next := cctx.String("next-url"); next != "" {
		appCtx = &auth.OAuthContext{NextURL: auth.LocalNextURL(next)}
	}
	nav, err := s.client.Login(ctx, auth.Prompt(cctx.String("prompt")), appCtx)
	if nav != nil {
		fmt.Fprintf(os.Stderr, "If the browser did not open, visit:\n\n  %s\n\n", nav.URL)
	}
	if err != nil && nav == nil {
		return err
	}

	var res callback.Result
	select {
	case err := <-serveErr:
		return fmt.Errorf("loopback server: %w", err)
	case <-ctx.Done():
		return fmt.Errorf("waiting for the sign-in redirect: %w", ctx.Err())
	case res = <-srv.Results():
	}
	cancel()
	if serr := <-serveErr; serr != nil {
		s.logger.Warn("loopback server stopped", "err", serr)
	}
	if res.Err != nil {
		return errors.New(auth.PublicMessage(res.Err))
	}
	if !s.sess.IsAuthenticated() {
		return errors.New("sign-in completed but the backend did not confirm a session")
	}

	if res.Callback.Profile != nil {
		fmt.Printf("Signed in as %s\n", res.Callback.Profile.Email)
	} else {
		fmt.Println("Signed in")
	}
	return printJSON(s.sess.Snapshot())
}

func runStatus(cctx *cli.Context) error {
	s, err := newStack(cctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.sess.RefreshStatus(cctx.Context); err != nil {
		return err
	}
	return printJSON(s.sess.Snapshot())
}

func runLogout(cctx *cli.Context) error {
	s, err := newStack(cctx, !cctx.Bool("no-browser"))
	if err != nil {
		return err
	}
	defer s.Close()

	nav, err := s.client.Logout(cctx.Context)
	if nav != nil {
		fmt.Println(nav.URL)
	}
	return err
}

func runFetch(cctx *cli.Context) error {
	if cctx.NArg() != 1 {
		return cli.Exit("fetch takes exactly one URL", 2)
	}
	s, err := newStack(cctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	var body io.Reader
	if d := cctx.String("data"); d != "" {
		body = strings.NewReader(d)
	}
	resp, err := middleware.Fetch(cctx.Context, s.http, strings.ToUpper(cctx.String("method")), cctx.Args().First(), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Fprintln(os.Stderr, resp.Status)
	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return cli.Exit("", 1)
	}
	return nil
}

func runServe(cctx *cli.Context) error {
	s, err := newStack(cctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	var opts []callback.Option
	opts = append(opts, callback.WithLogger(s.logger))
	if origins := cctx.StringSlice("cors-origin"); len(origins) > 0 {
		opts = append(opts, callback.WithHeaders(middleware.NewLoopbackHeadersProcessor(
			middleware.WithCORS(&middleware.CORSConfig{
				AllowedOrigins: origins,
				AllowedMethods: []string{"GET"},
				MaxAge:         600,
			}),
		)))
	}
	srv, err := callback.New(s.client, opts...)
	if err != nil {
		return err
	}

	go s.sess.RunStatusLoop(cctx.Context, cctx.Duration("refresh"))
	go func() {
		for res := range srv.Results() {
			if res.Err != nil {
				s.logger.Warn("sign-in failed", "err", res.Err)
				continue
			}
			s.logger.Info("signed in")
		}
	}()

	fmt.Fprintf(os.Stderr, "Sign in at http://%s%s\n", srv.Addr(), callback.LoginPath)
	return srv.ListenAndServe(cctx.Context)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
