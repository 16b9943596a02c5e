package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"ganymede/internal/announce"
	"ganymede/internal/certgen"
	"ganymede/internal/config"
	"ganymede/internal/fsutil"
	"ganymede/internal/httpserver"
	"ganymede/internal/logger"
	"ganymede/internal/tunnel"
	"ganymede/internal/watch"
)

// overrides maps explicitly set command-line flags onto config keys.
func overrides(c *cli.Context) map[string]any {
	m := map[string]any{}
	if c.IsSet("port") {
		m["port"] = c.Int("port")
	}
	if c.IsSet("shared-dir") {
		m["shared_dir"] = c.String("shared-dir")
	}
	if c.IsSet("assets-dir") {
		m["assets_dir"] = c.String("assets-dir")
	}
	if c.Bool("no-tunnel") {
		m["tunnel_enabled"] = false
	}
	if c.Bool("tls") {
		m["tls_enabled"] = true
	}
	return m
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(config.Options{
		File:      c.String("config"),
		Overrides: overrides(c),
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	for _, dir := range []string{cfg.SharedDir, cfg.AssetsDir} {
		created, err := fsutil.EnsureDir(dir)
		if err != nil {
			return err
		}
		if created {
			log.Info("created directory", "dir", dir)
		}
	}

	if cfg.TLSEnabled {
		cfg.TLSEnabled = prepareTLS(log, cfg)
	}

	srv, err := httpserver.New(httpserver.Options{Config: cfg, Logger: log})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting ganymede", "version", version, "addr", ln.Addr().String())
	printBanner(c.App.Writer, cfg, port)

	if err := watch.Dir(ctx, cfg.SharedDir, func(e watch.Event) {
		log.Info("shared files changed", "op", string(e.Op), "name", e.Name)
	}, func(err error) {
		log.Warn("watch shared directory", "err", err)
	}); err != nil {
		log.Warn("not watching shared directory", "err", err)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	go announce.ReportPublicIP(ctx, log, client, cfg.IPEchoURL)
	if cfg.TunnelEnabled {
		go publish(ctx, log, c.App.Writer, client, cfg, port)
	}

	return srv.Serve(ctx, ln, cfg.ShutdownTimeout)
}

// prepareTLS makes sure a certificate pair exists, generating a self-signed
// one when needed. It reports whether HTTPS can be served; on failure the
// server falls back to plain HTTP.
func prepareTLS(log logger.Logger, cfg config.Config) bool {
	hosts := []string{}
	if cfg.Host != "" {
		hosts = append(hosts, cfg.Host)
	}
	if ip, err := announce.LANAddress(); err == nil {
		hosts = append(hosts, ip)
	}
	created, err := certgen.Ensure(cfg.TLSCert, cfg.TLSKey, hosts, time.Now())
	if err != nil {
		log.Warn("cannot prepare certificate, serving plain HTTP", "cert", cfg.TLSCert, "err", err)
		return false
	}
	if created {
		log.Info("generated self-signed certificate", "cert", cfg.TLSCert, "key", cfg.TLSKey)
	}
	return true
}

func printBanner(w io.Writer, cfg config.Config, port int) {
	scheme := "http"
	if cfg.TLSEnabled {
		scheme = "https"
	}
	for _, u := range announce.LocalURLs(scheme, port) {
		fmt.Fprintf(w, "Server running at %s\n", u)
	}
	fmt.Fprintf(w, "Place files in %q to share them\n", cfg.SharedDir)
}

// publish opens the public tunnel and logs its lifecycle. It never affects
// request serving.
func publish(ctx context.Context, log logger.Logger, w io.Writer, client *http.Client, cfg config.Config, port int) {
	sess, err := tunnel.Open(ctx, tunnel.Options{
		Host:       cfg.TunnelHost,
		Subdomain:  cfg.TunnelSubdomain,
		LocalHost:  dialHost(cfg.Host),
		LocalPort:  port,
		LocalTLS:   cfg.TLSEnabled,
		HTTPClient: client,
	})
	if err != nil {
		log.Error("tunnel failed, server is only reachable locally", "err", err, "port", port)
		return
	}
	sess.OnError(func(err error) {
		log.Warn("tunnel error", "err", err)
	})
	sess.OnClose(func() {
		log.Info("tunnel closed")
	})

	log.Info("tunnel is live", "url", sess.URL())
	fmt.Fprintf(w, "Public URL: %s\n", sess.URL())
	announce.PrintQR(w, sess.URL())

	<-ctx.Done()
	_ = sess.Close()
}

// dialHost is the address the tunnel uses to reach this server.
func dialHost(bind string) string {
	if ip := net.ParseIP(bind); bind == "" || (ip != nil && ip.IsUnspecified()) {
		return "127.0.0.1"
	}
	return bind
}

func genCert(c *cli.Context) error {
	created, err := certgen.Ensure(c.String("cert"), c.String("key"), c.StringSlice("host"), time.Now())
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}
	if !created {
		fmt.Fprintf(c.App.Writer, "%s is still valid, keeping it\n", c.String("cert"))
		return nil
	}
	fmt.Fprintf(c.App.Writer, "wrote %s and %s\n", c.String("cert"), c.String("key"))
	return nil
}
