// Package relay bridges a client websocket to the local ttyd websocket,
// authenticating to ttyd on the client's behalf.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/nomadflow/internal/config"
)

const (
	backendSubprotocol = "tty"
	authUser           = "nomadflow"
	dialTimeout        = 10 * time.Second
	closeWait          = time.Second
)

// AuthFailureBody is the response body for a rejected token.
const AuthFailureBody = "Authentication required"

type Relay struct {
	backendURL string
	secret     string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer
}

func New(cfg config.Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		backendURL: fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.TTYDPort),
		secret:     cfg.Secret,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			Subprotocols:     []string{backendSubprotocol},
			ReadBufferSize:   32 << 10,
			WriteBufferSize:  32 << 10,
		},
	}
}

// Authorized checks the token query parameter against the shared secret.
// Without a secret every request is authorized.
func (r *Relay) Authorized(req *http.Request) bool {
	if r.secret == "" {
		return true
	}
	token := req.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.secret)) == 1
}

func (r *Relay) backendHeader() http.Header {
	h := http.Header{}
	if r.secret != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(authUser + ":" + r.secret))
		h.Set("Authorization", "Basic "+cred)
	}
	return h
}

// ServeHTTP upgrades the client, dials ttyd and copies frames both ways
// until either side goes away. It returns only after both pumps exit.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if !r.Authorized(req) {
		http.Error(w, AuthFailureBody, http.StatusForbidden)
		return
	}

	var respHeader http.Header
	if offered := websocket.Subprotocols(req); len(offered) > 0 {
		respHeader = http.Header{"Sec-Websocket-Protocol": []string{offered[0]}}
	}
	client, err := r.upgrader.Upgrade(w, req, respHeader)
	if err != nil {
		r.logger.Warn("relay upgrade failed", "error", err)
		return
	}

	backend, resp, err := r.dialer.DialContext(req.Context(), r.backendURL, r.backendHeader())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		r.logger.Warn("relay backend dial failed", "url", r.backendURL, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "terminal backend unavailable")
		_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		_ = client.Close()
		return
	}

	r.logger.Debug("relay session started", "remote", req.RemoteAddr)
	err = r.bridge(req.Context(), client, backend)
	r.logger.Debug("relay session ended", "remote", req.RemoteAddr, "reason", err)
}

// bridge runs both pumps in one group. The first pump to stop cancels the
// group; closing both connections then unblocks the other pump's read.
func (r *Relay) bridge(ctx context.Context, client, backend *websocket.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = backend.Close()
		})
	}
	g.Go(func() error { return pump(backend, client) })
	g.Go(func() error { return pump(client, backend) })
	go func() {
		<-gctx.Done()
		closeBoth()
	}()
	err := g.Wait()
	closeBoth()
	return err
}

var errPeerClosed = errors.New("peer closed")

// pump copies frames from src to dst unchanged. It always returns a non-nil
// error so the group context is cancelled on the first exit.
func pump(dst, src *websocket.Conn) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code := ce.Code
				if code == websocket.CloseNoStatusReceived || code == websocket.CloseAbnormalClosure {
					code = websocket.CloseNormalClosure
				}
				_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ce.Text), time.Now().Add(closeWait))
				return errPeerClosed
			}
			return err
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return err
		}
	}
}
