package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "ganymede",
		Usage:   "share a folder over HTTP(S) behind basic auth",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		Flags:   serveFlags(),
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the file server (default)",
				Flags:  serveFlags(),
				Action: serve,
			},
			{
				Name:  "passwd",
				Usage: "print a bcrypt hash for use in USER_CREDENTIALS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "password to hash", Required: true},
					&cli.IntFlag{Name: "cost", Usage: "bcrypt cost", Value: bcrypt.DefaultCost},
				},
				Action: passwd,
			},
			{
				Name:  "cert",
				Usage: "create a self-signed certificate for tls_enabled",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cert", Usage: "certificate path", Value: "certs/server.crt"},
					&cli.StringFlag{Name: "key", Usage: "private key path", Value: "certs/server.key"},
					&cli.StringSliceFlag{Name: "host", Usage: "extra host name or IP for the certificate"},
				},
				Action: genCert,
			},
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "ganymede %s\n", c.App.Version)
					return nil
				},
			},
		},
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
		&cli.IntFlag{Name: "port", Usage: "listen port (overrides PORT)"},
		&cli.StringFlag{Name: "shared-dir", Usage: "directory to share"},
		&cli.StringFlag{Name: "assets-dir", Usage: "directory with backgrounds and favicon"},
		&cli.BoolFlag{Name: "no-tunnel", Usage: "do not open a public tunnel"},
		&cli.BoolFlag{Name: "tls", Usage: "serve HTTPS (overrides TLS_ENABLED)"},
	}
}

func passwd(c *cli.Context) error {
	cost := c.Int("cost")
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("invalid cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(c.String("password")), cost)
	if err != nil {
		return fmt.Errorf("bcrypt: %w", err)
	}
	fmt.Fprintln(c.App.Writer, string(h))
	return nil
}
