// Package tunnel publishes the local API through a bore relay. A control
// connection reserves a port on the relay host, the relay's register
// endpoint maps that port to a subdomain, and every connection the relay
// announces afterwards is bridged to the local API.
package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/nomadflow/internal/config"
	"github.com/g960059/nomadflow/internal/security"
)

const (
	dialTimeout     = 15 * time.Second
	registerTimeout = 10 * time.Second
	maxErrorBody    = 4 << 10
)

type Options struct {
	RelayHost   string
	ControlPort int
	// Secret authenticates both the bore handshake and registration.
	Secret    string
	Subdomain string
	// LocalAddr is host:port of the API that inbound connections reach.
	LocalAddr string
	// RegisterURL defaults to https://<RelayHost>/_api/register.
	RegisterURL string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func OptionsFromConfig(cfg config.Config, logger *slog.Logger) Options {
	return Options{
		RelayHost:   cfg.Tunnel.RelayHost,
		ControlPort: cfg.Tunnel.ControlPort,
		Secret:      cfg.Tunnel.RelaySecret,
		Subdomain:   cfg.Tunnel.Subdomain,
		LocalAddr:   cfg.LocalAPIAddr(),
		Logger:      logger,
	}
}

// Info describes an established tunnel.
type Info struct {
	RemotePort int
	Subdomain  string
	PublicURL  string
}

type Tunnel struct {
	opts    Options
	control *frameConn
	info    Info

	closeOnce sync.Once
}

type registerRequest struct {
	Port      int    `json:"port"`
	Secret    string `json:"secret"`
	Subdomain string `json:"subdomain,omitempty"`
}

type registerResponse struct {
	Subdomain string `json:"subdomain"`
}

// PublicURL is https://<subdomain>.tunnel.<domain>, where domain is the
// relay host without its "relay." prefix.
func PublicURL(relayHost, subdomain string) string {
	base := strings.TrimPrefix(relayHost, "relay.")
	return "https://" + subdomain + ".tunnel." + base
}

// Open performs the control handshake and registers the reserved port.
// The returned tunnel carries no traffic until Serve runs.
func Open(ctx context.Context, opts Options) (*Tunnel, error) {
	if strings.TrimSpace(opts.RelayHost) == "" {
		return nil, errors.New("tunnel relay host is not configured")
	}
	if opts.ControlPort == 0 {
		opts.ControlPort = config.DefaultControlPort
	}
	if opts.RegisterURL == "" {
		opts.RegisterURL = "https://" + opts.RelayHost + "/_api/register"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := &Tunnel{opts: opts}

	opts.Logger.Info("connecting to tunnel relay", "relay_host", opts.RelayHost, "control_port", opts.ControlPort)
	control, err := t.dialControl(ctx)
	if err != nil {
		return nil, err
	}
	port, err := hello(control)
	if err != nil {
		_ = control.Close()
		return nil, err
	}
	t.control = control
	t.info.RemotePort = port
	opts.Logger.Info("tunnel established", "remote_port", port)

	sub, err := t.register(ctx, port)
	if err != nil {
		_ = control.Close()
		return nil, err
	}
	t.info.Subdomain = sub
	t.info.PublicURL = PublicURL(opts.RelayHost, sub)
	opts.Logger.Info("tunnel registered", "public_url", t.info.PublicURL)
	return t, nil
}

func (t *Tunnel) Info() Info { return t.info }

func (t *Tunnel) controlAddr() string {
	return net.JoinHostPort(t.opts.RelayHost, strconv.Itoa(t.opts.ControlPort))
}

// dialControl connects to the relay's control port and authenticates.
func (t *Tunnel) dialControl(ctx context.Context) (*frameConn, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", t.controlAddr())
	if err != nil {
		return nil, fmt.Errorf("connect to tunnel relay: %w", err)
	}
	fc := newFrameConn(conn)
	if deadline, ok := dctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := fc.authenticate(t.opts.Secret); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tunnel authentication: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return fc, nil
}

// hello asks the relay for any free port and returns the one assigned.
func hello(control *frameConn) (int, error) {
	_ = control.conn.SetDeadline(time.Now().Add(dialTimeout))
	defer control.conn.SetDeadline(time.Time{}) //nolint:errcheck
	if err := control.send(helloMessage(0)); err != nil {
		return 0, fmt.Errorf("tunnel hello: %w", err)
	}
	msg, err := control.recv()
	if err != nil {
		return 0, fmt.Errorf("tunnel hello: %w", err)
	}
	switch msg.kind {
	case msgHello:
		return msg.port, nil
	case msgError:
		return 0, fmt.Errorf("tunnel relay refused: %s", msg.text)
	case msgChallenge:
		return 0, errors.New("tunnel relay requires a secret, but tunnel.relay_secret is empty")
	default:
		return 0, fmt.Errorf("unexpected %s during tunnel hello", msg.kind)
	}
}

func (t *Tunnel) register(ctx context.Context, port int) (string, error) {
	raw, err := json.Marshal(registerRequest{Port: port, Secret: t.opts.Secret, Subdomain: t.opts.Subdomain})
	if err != nil {
		return "", err
	}
	rctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, t.opts.RegisterURL, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("tunnel registration: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := security.RedactSecret(strings.TrimSpace(string(body)), t.opts.Secret)
		return "", fmt.Errorf("tunnel registration failed (http %d): %s", resp.StatusCode, msg)
	}
	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode tunnel registration: %w", err)
	}
	if strings.TrimSpace(out.Subdomain) == "" {
		return "", errors.New("tunnel registration returned no subdomain")
	}
	return out.Subdomain, nil
}

// Serve reads the control channel until ctx ends or the relay closes it,
// bridging each announced connection to the local API. Bridged
// connections live until either end closes or ctx ends. Serve returns nil
// when ctx ends.
func (t *Tunnel) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	for {
		msg, err := t.control.recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("tunnel relay closed the control connection")
			}
			return fmt.Errorf("tunnel control: %w", err)
		}
		switch msg.kind {
		case msgHeartbeat:
		case msgConnection:
			go func(id uuid.UUID) {
				if err := t.accept(ctx, id); err != nil {
					t.opts.Logger.Warn("tunnel connection failed", "id", id, "error", err)
				}
			}(msg.id)
		case msgError:
			return fmt.Errorf("tunnel relay error: %s", msg.text)
		default:
			t.opts.Logger.Warn("unexpected tunnel control message", "kind", msg.kind)
		}
	}
}

// accept claims connection id on a fresh control-port stream and copies
// bytes between it and the local API until either side closes.
func (t *Tunnel) accept(ctx context.Context, id uuid.UUID) error {
	remote, err := t.dialControl(ctx)
	if err != nil {
		return err
	}
	defer remote.Close() //nolint:errcheck
	if err := remote.send(acceptMessage(id)); err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	var d net.Dialer
	local, err := d.DialContext(ctx, "tcp", t.opts.LocalAddr)
	if err != nil {
		return fmt.Errorf("dial local api: %w", err)
	}
	defer local.Close() //nolint:errcheck

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(local, remote.r)
		return closeWrite(local, err)
	})
	g.Go(func() error {
		_, err := io.Copy(remote.conn, local)
		return closeWrite(remote.conn, err)
	})
	go func() {
		<-gctx.Done()
		_ = remote.Close()
		_ = local.Close()
	}()
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// closeWrite half-closes conn after a finished copy so the peer sees EOF
// while the other direction drains.
func closeWrite(conn net.Conn, copyErr error) error {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return copyErr
}

// Close drops the control connection, which releases the remote port.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.control != nil {
			err = t.control.Close()
		}
	})
	return err
}
