// Package announce tells the operator where the server can be reached.
package announce

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackpal/gateway"
	"github.com/mdp/qrterminal/v3"

	"ganymede/internal/logger"
)

// DefaultIPEchoURL returns the caller's public address as plain text.
const DefaultIPEchoURL = "https://api.ipify.org"

// UnknownIP is reported when the lookup fails.
const UnknownIP = "Unable to determine public IP"

// PublicIP performs one GET against an IP echo service.
func PublicIP(ctx context.Context, client *http.Client, echoURL string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if echoURL == "" {
		echoURL = DefaultIPEchoURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, echoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip echo: %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(b))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("ip echo: unexpected reply %q", ip)
	}
	return ip, nil
}

// ReportPublicIP looks up the public address and logs it. Failures are
// logged and replaced with UnknownIP; the returned value is informational.
func ReportPublicIP(ctx context.Context, log logger.Logger, client *http.Client, echoURL string) string {
	ip, err := PublicIP(ctx, client, echoURL)
	if err != nil {
		log.Warn("public ip lookup failed", "err", err)
		ip = UnknownIP
	}
	log.Info("your public IP address is: "+ip, "ip", ip)
	return ip
}

// LANAddress returns the address of the interface that holds the default
// route, which is what other machines on the LAN should use.
func LANAddress() (string, error) {
	ip, err := gateway.DiscoverInterface()
	if err != nil {
		return "", fmt.Errorf("discover interface: %w", err)
	}
	return ip.String(), nil
}

// LocalURLs lists the URLs the server answers on without the tunnel.
// scheme is "http" or "https".
func LocalURLs(scheme string, port int) []string {
	urls := []string{fmt.Sprintf("%s://localhost:%d", scheme, port)}
	if ip, err := LANAddress(); err == nil && ip != "" {
		urls = append(urls, scheme+"://"+net.JoinHostPort(ip, fmt.Sprint(port)))
	}
	return urls
}

// PrintQR renders url as a QR code for phones.
func PrintQR(w io.Writer, url string) {
	qrterminal.GenerateWithConfig(url, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    w,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
}
