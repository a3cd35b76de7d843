// Package peer implements the mutually authenticated, full-duplex peer
// transport (spec §6): a TLS tunnel carried inside a WebSocket, framed per
// internal/wire.
package peer

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/netsend/perspectivedb/internal/revision"
	"github.com/netsend/perspectivedb/internal/wire"
)

// Conn wraps one established peer connection, exposing it as plain
// io.Reader/io.Writer for the wire package's framing and as the full-duplex
// revision exchange spec §6 describes.
type Conn struct {
	ws *websocket.Conn
	r  *bufio.Reader

	cur    []byte
	curOff int
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws}
	c.r = bufio.NewReader(c)
	return c
}

// Read implements io.Reader over the WebSocket's binary message stream,
// treating consecutive messages as one continuous byte stream (so the
// length-prefixed BSON framing in internal/wire reads across message
// boundaries transparently).
func (c *Conn) Read(p []byte) (int, error) {
	for c.curOff >= len(c.cur) {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.cur = data
		c.curOff = 0
	}
	n := copy(p, c.cur[c.curOff:])
	c.curOff += n
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying WebSocket.
func (c *Conn) Close() error { return c.ws.Close() }

// Dial opens a client-side peer connection to addr, completing the
// auth/data-request handshake and returning a ready-to-stream Conn plus the
// server's resume instruction.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, auth wire.AuthRequest) (*Conn, wire.DataRequest, error) {
	u := url.URL{Scheme: "wss", Host: addr, Path: "/sync"}
	dialer := websocket.Dialer{TLSClientConfig: tlsConfig}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, wire.DataRequest{}, err
	}
	c := newConn(ws)

	if err := wire.WriteAuth(c, auth); err != nil {
		c.Close()
		return nil, wire.DataRequest{}, err
	}
	dr, err := wire.ReadDataRequest(c.r)
	if err != nil {
		c.Close()
		return nil, wire.DataRequest{}, err
	}
	return c, dr, nil
}

// Authenticator resolves a client's credentials to a perspective name (the
// remote peer identity that fills `pe` on every received revision).
type Authenticator func(auth wire.AuthRequest) (pe string, ok bool)

// Server accepts inbound peer connections and dispatches each to the
// ingestion pipeline keyed by authenticated peer identity.
type Server struct {
	Upgrader websocket.Upgrader
	Auth     Authenticator

	// Resume decides where to resume a peer from, given its authenticated
	// identity; returning nil means "from the start".
	Resume func(pe string) *revision.Version
}

// ServeHTTP implements http.Handler, upgrading the connection and running
// the handshake before handing off to handle.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request, handle func(c *Conn, pe string)) {
	ws, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newConn(ws)
	defer c.Close()

	auth, err := wire.ReadAuth(c.r)
	if err != nil {
		return
	}
	pe, ok := s.Auth(auth)
	if !ok {
		return
	}
	var start *revision.Version
	if s.Resume != nil {
		start = s.Resume(pe)
	}
	if err := wire.WriteDataRequest(c, start); err != nil {
		return
	}
	handle(c, pe)
}

// Receive reads revisions off c until it closes, tagging each with pe and
// handing them to sink one at a time (typically ingest.Pipeline.Ingest
// wrapped in a single-item batch, or a batching queue per spec §4.6
// "Auto-processing").
func Receive(c *Conn, pe string, sink func(*revision.Revision) error) error {
	for {
		rev, err := wire.ReadRevision(c, pe)
		if err != nil {
			return err
		}
		if err := sink(rev); err != nil {
			return fmt.Errorf("peer %s: %w", pe, err)
		}
	}
}

// Send writes revs out on c in order, interleaving freely with any
// concurrent Receive on the same Conn (the WebSocket library allows one
// concurrent writer per connection and does not serialize writes itself,
// so callers need external mutual-exclusion around concurrent Send calls
// on one Conn).
func Send(c *Conn, revs <-chan *revision.Revision) error {
	for rev := range revs {
		if err := wire.WriteRevision(c, rev); err != nil {
			return err
		}
	}
	return nil
}
