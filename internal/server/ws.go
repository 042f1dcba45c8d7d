package server

import (
	"context"
	"net/http"

	cws "github.com/coder/websocket"
	"github.com/creachadair/jrpc2"
)

// wsChannel adapts a coder/websocket.Conn to the jrpc2 Channel interface.
type wsChannel struct {
	conn *cws.Conn
	ctx  context.Context
}

// Send writes a JSON-RPC message to the WebSocket connection.
func (c *wsChannel) Send(data []byte) error {
	return c.conn.Write(c.ctx, cws.MessageText, data)
}

// Recv reads a JSON-RPC message from the WebSocket connection.
func (c *wsChannel) Recv() ([]byte, error) {
	_, data, err := c.conn.Read(c.ctx)
	return data, err
}

// Close shuts down the WebSocket connection with a normal closure status.
func (c *wsChannel) Close() error {
	return c.conn.Close(cws.StatusNormalClosure, "")
}

// wsHandler serves JSON-RPC over a WebSocket with push enabled. Each
// connection gets its own jrpc2 server, registered with the notifier until
// the peer goes away. The current state is pushed right after connecting.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := cws.Accept(w, r, &cws.AcceptOptions{OriginPatterns: s.config.AllowedOrigins})
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket accept failed")
		return
	}

	ctx := r.Context()
	srv := jrpc2.NewServer(s.rpc.methods, &jrpc2.ServerOptions{AllowPush: true})
	srv.Start(&wsChannel{conn: conn, ctx: ctx})

	s.notifier.Register(srv, r.RemoteAddr)
	defer s.notifier.Unregister(srv)

	if err := s.notifier.Push(ctx, srv, s.sched.State()); err != nil {
		s.logger.Debug().Err(err).Msg("Initial state push failed")
	}

	if err := srv.Wait(); err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
	}
}
