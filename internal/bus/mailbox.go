// Package bus implements the session-local wakeup mailbox: the agent
// report handler publishes a crawl session's terminal status when its
// discover_form_pages task finishes, and a crawl status poll made with
// ?wait=1 blocks on it. Grounded on the teacher's internal/nats client
// wrapper.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer runs an in-process NATS server, matching spec.md's
// observation that the mailbox only needs to be session-local but
// should not be tied to a single in-process channel once the server
// runs as more than one replica sharing Redis/SQLite.
type EmbeddedServer struct {
	ns *server.Server
}

// StartEmbedded boots an embedded NATS server bound to port (0 picks a
// free port) and blocks until it is ready for connections.
func StartEmbedded(port int) (*EmbeddedServer, error) {
	opts := &server.Options{Port: port, NoLog: true, NoSigs: true}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bus: start embedded nats: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("bus: embedded nats not ready in time")
	}
	return &EmbeddedServer{ns: ns}, nil
}

// ClientURL returns the connection string for this embedded server.
func (e *EmbeddedServer) ClientURL() string { return e.ns.ClientURL() }

// Shutdown stops the embedded server.
func (e *EmbeddedServer) Shutdown() { e.ns.Shutdown() }

// Mailbox publishes and receives session-scoped wakeup notifications.
type Mailbox struct {
	conn *nats.Conn
}

// Connect dials the NATS server at url.
func Connect(url string) (*Mailbox, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1), nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return &Mailbox{conn: conn}, nil
}

func subject(sessionID string) string {
	return fmt.Sprintf("session.%s.ai-result", sessionID)
}

// Publish announces a notification for sessionID. The payload is an
// opaque blob; consumers re-read the authoritative state from the
// store, this is only a wakeup signal.
func (m *Mailbox) Publish(sessionID string, payload []byte) error {
	return m.conn.Publish(subject(sessionID), payload)
}

// WaitForResult blocks until a result notification for sessionID
// arrives or ctx is done, returning the payload.
func (m *Mailbox) WaitForResult(ctx context.Context, sessionID string) ([]byte, error) {
	sub, err := m.conn.SubscribeSync(subject(sessionID))
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	msg, err := sub.NextMsgWithContext(waitCtx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// Close drains and closes the underlying connection.
func (m *Mailbox) Close() {
	m.conn.Close()
}
