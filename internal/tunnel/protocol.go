package tunnel

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// maxFrameSize bounds one control message, terminator included.
const maxFrameSize = 256

var errFrameTooLarge = errors.New("control frame exceeds 256 bytes")

// Server message kinds on the bore control channel.
const (
	msgChallenge  = "Challenge"
	msgHello      = "Hello"
	msgHeartbeat  = "Heartbeat"
	msgConnection = "Connection"
	msgError      = "Error"
)

type serverMessage struct {
	kind string
	port int
	id   uuid.UUID
	text string
}

// decodeServerMessage reads one externally tagged message: unit variants
// are bare JSON strings ("Heartbeat"), the rest single-key objects.
func decodeServerMessage(raw []byte) (serverMessage, error) {
	var unit string
	if err := json.Unmarshal(raw, &unit); err == nil {
		if unit != msgHeartbeat {
			return serverMessage{}, fmt.Errorf("unexpected control message %q", unit)
		}
		return serverMessage{kind: unit}, nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tagged); err != nil || len(tagged) != 1 {
		return serverMessage{}, fmt.Errorf("malformed control message %q", raw)
	}
	for kind, body := range tagged {
		msg := serverMessage{kind: kind}
		switch kind {
		case msgHello:
			if err := json.Unmarshal(body, &msg.port); err != nil {
				return serverMessage{}, fmt.Errorf("decode Hello: %w", err)
			}
		case msgChallenge, msgConnection:
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return serverMessage{}, fmt.Errorf("decode %s: %w", kind, err)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return serverMessage{}, fmt.Errorf("decode %s: %w", kind, err)
			}
			msg.id = id
		case msgError:
			if err := json.Unmarshal(body, &msg.text); err != nil {
				return serverMessage{}, fmt.Errorf("decode Error: %w", err)
			}
		default:
			return serverMessage{}, fmt.Errorf("unexpected control message %q", kind)
		}
		return msg, nil
	}
	return serverMessage{}, fmt.Errorf("malformed control message %q", raw)
}

func helloMessage(port int) any { return map[string]int{"Hello": port} }

func acceptMessage(id uuid.UUID) any { return map[string]string{"Accept": id.String()} }

func authenticateMessage(answer string) any { return map[string]string{"Authenticate": answer} }

// challengeAnswer is hex(HMAC-SHA256(sha256(secret), challenge bytes)).
func challengeAnswer(secret string, challenge uuid.UUID) string {
	key := sha256.Sum256([]byte(secret))
	mac := hmac.New(sha256.New, key[:])
	mac.Write(challenge[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// frameConn speaks null-delimited JSON over a TCP stream. After the
// handshake the buffered reader must be used for any raw reads.
type frameConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{conn: conn, r: bufio.NewReaderSize(conn, maxFrameSize)}
}

func (f *frameConn) send(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = f.conn.Write(append(raw, 0))
	return err
}

func (f *frameConn) recv() (serverMessage, error) {
	frame, err := f.r.ReadSlice(0)
	if errors.Is(err, bufio.ErrBufferFull) {
		return serverMessage{}, errFrameTooLarge
	}
	if err != nil {
		return serverMessage{}, err
	}
	return decodeServerMessage(frame[:len(frame)-1])
}

// authenticate answers the server's challenge when a secret is set.
func (f *frameConn) authenticate(secret string) error {
	if secret == "" {
		return nil
	}
	msg, err := f.recv()
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if msg.kind != msgChallenge {
		return fmt.Errorf("expected authentication challenge, got %s", msg.kind)
	}
	return f.send(authenticateMessage(challengeAnswer(secret, msg.id)))
}

func (f *frameConn) Close() error { return f.conn.Close() }
