package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	oauth "github.com/streamplace/atproto-oauth-flow"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "atproto-oauth-helper",
		Usage:   "tools for setting up an atproto oauth client",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				EnvVars: []string{"OAUTH_HELPER_VERBOSE"},
			},
		},
		Before: func(cctx *cli.Context) error {
			level := slog.LevelInfo
			if cctx.Bool("verbose") {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
		Commands: []*cli.Command{
			runGenerateJwks,
			runResolve,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateJwks = &cli.Command{
	Name:  "generate-jwks",
	Usage: "create a new client signing key",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "prefix",
			Usage:    "prefix for the key id",
			Required: false,
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "where to write the private jwk",
			Value: "./jwks.json",
		},
	},
	Action: func(cmd *cli.Context) error {
		var prefix *string
		if cmd.String("prefix") != "" {
			inputPrefix := cmd.String("prefix")
			prefix = &inputPrefix
		}
		key, err := oauth.GenerateKey(prefix)
		if err != nil {
			return err
		}

		b, err := json.Marshal(key)
		if err != nil {
			return err
		}

		// private key material, keep it readable by the owner only
		if err := os.WriteFile(cmd.String("out"), b, 0600); err != nil {
			return err
		}

		slog.Info("wrote client key", "path", cmd.String("out"), "kid", key.KeyID())

		return nil
	},
}

var runResolve = &cli.Command{
	Name:      "resolve",
	Usage:     "resolve a handle or did to its pds and authorization server",
	ArgsUsage: "<handle-or-did>",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
		},
	},
	Action: func(cmd *cli.Context) error {
		if cmd.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one handle or did")
		}

		// resolution never signs anything, a throwaway key is enough
		key, err := oauth.GenerateKey(nil)
		if err != nil {
			return err
		}

		c, err := oauth.NewClient(oauth.ClientArgs{
			ClientJwk:   key,
			ClientId:    "https://localhost/oauth/client-metadata.json",
			RedirectUri: "https://localhost/oauth/callback",
			UserAgent:   "atproto-oauth-helper/" + versioninfo.Short(),
			Logger:      slog.Default(),
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context, cmd.Duration("timeout"))
		defer cancel()

		ident, err := c.ResolveIdentity(ctx, cmd.Args().First())
		if err != nil {
			return err
		}

		meta, err := c.Discover(ctx, ident.PdsUrl)
		if err != nil {
			return err
		}

		out := map[string]string{
			"did":                    ident.Did.String(),
			"handle":                 ident.Handle.String(),
			"pds":                    ident.PdsUrl,
			"issuer":                 meta.Issuer,
			"authorization_endpoint": meta.AuthorizationEndpoint,
			"par_endpoint":           meta.PushedAuthorizationRequestEndpoint,
			"token_endpoint":         meta.TokenEndpoint,
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}
