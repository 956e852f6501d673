// Package torctl implements a Rotator against a Tor-style control port:
// rotation sends a circuit renewal signal and the slot's egress address is
// re-resolved through its SOCKS port.
package torctl

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// Config controls the controller.
type Config struct {
	// ControlAddr is the host:port of the control channel.
	ControlAddr string
	// ControlPassword authenticates the control session. Empty sends an
	// unauthenticated AUTHENTICATE.
	ControlPassword string
	// SocksHost is the proxy host, default 127.0.0.1.
	SocksHost string
	// SocksBasePort maps slot N to SocksBasePort+N.
	SocksBasePort int
	// EchoURL is the address-echo endpoint queried through the slot's
	// proxy to observe the current egress address.
	EchoURL string
	// SettleDelay is the wait after a renewal signal before re-resolving.
	SettleDelay time.Duration
	// Timeout bounds control-channel and echo calls.
	Timeout time.Duration
}

// Controller drives identity rotation over the control port.
type Controller struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Controller.
func New(cfg Config, logger *zap.Logger) (*Controller, error) {
	if cfg.ControlAddr == "" {
		return nil, fmt.Errorf("control address is required")
	}
	if cfg.SocksBasePort <= 0 {
		return nil, fmt.Errorf("socks base port is required")
	}
	if cfg.EchoURL == "" {
		return nil, fmt.Errorf("echo url is required")
	}
	if cfg.SocksHost == "" {
		cfg.SocksHost = "127.0.0.1"
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, logger: logger}, nil
}

// ProxyURL returns the SOCKS endpoint for the slot.
func (c *Controller) ProxyURL(slot int) string {
	return fmt.Sprintf("socks5://%s:%d", c.cfg.SocksHost, c.cfg.SocksBasePort+slot)
}

// Address resolves the slot's current egress address by querying the echo
// endpoint through the slot's proxy.
func (c *Controller) Address(ctx context.Context, slot int) (string, error) {
	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("%s:%d", c.cfg.SocksHost, c.cfg.SocksBasePort+slot), nil, proxy.Direct)
	if err != nil {
		return "", fmt.Errorf("socks dialer for slot %d: %w", slot, err)
	}
	transport := &http.Transport{}
	if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = contextDialer.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	}
	client := &http.Client{Transport: transport, Timeout: c.cfg.Timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.EchoURL, nil)
	if err != nil {
		return "", fmt.Errorf("build echo request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("echo request through slot %d: %w", slot, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("echo endpoint status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("read echo response: %w", err)
	}
	address := strings.TrimSpace(string(body))
	if address == "" {
		return "", fmt.Errorf("echo endpoint returned empty address")
	}
	return address, nil
}

// Rotate signals a circuit renewal for the slot's proxy and returns the
// re-resolved egress address.
func (c *Controller) Rotate(ctx context.Context, slot int) (string, error) {
	if err := c.signalNewCircuit(ctx); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("rotation interrupted: %w", ctx.Err())
	case <-time.After(c.cfg.SettleDelay):
	}
	return c.Address(ctx, slot)
}

func (c *Controller) signalNewCircuit(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("dial control port: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	text := textproto.NewConn(conn)
	defer text.Close()

	if err := c.command(text, fmt.Sprintf("AUTHENTICATE %s", quotePassword(c.cfg.ControlPassword))); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := c.command(text, "SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("signal newnym: %w", err)
	}
	// Best effort; the signal already landed.
	_ = text.PrintfLine("QUIT")
	return nil
}

func (c *Controller) command(text *textproto.Conn, line string) error {
	if err := text.PrintfLine("%s", line); err != nil {
		return fmt.Errorf("write control command: %w", err)
	}
	reply, err := text.ReadLine()
	if err != nil {
		return fmt.Errorf("read control reply: %w", err)
	}
	if !strings.HasPrefix(reply, "250") {
		return fmt.Errorf("control channel rejected command: %s", reply)
	}
	return nil
}

func quotePassword(password string) string {
	return `"` + strings.ReplaceAll(password, `"`, `\"`) + `"`
}
