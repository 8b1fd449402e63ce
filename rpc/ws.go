package rpc

import (
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/docmesh/ds"
	"github.com/docmesh/ds/dsync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  dsync.MaxFrame,
	WriteBufferSize: dsync.MaxFrame,
}

// handleSync upgrades to a websocket and runs dsync sessions on it
// until the peer hangs up.
// One connection can carry any number of back-to-back sessions.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, caller ds.DID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	stream := &wsStream{conn: conn}
	for {
		err := dsync.Serve(r.Context(), stream, s.records, caller, s.logger)
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !websocket.IsCloseError(errors.Cause(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.logger.Debug().Err(err).Str("peer", string(caller)).Msg("sync session ended")
		}
		return
	}
}

// wsStream adapts a websocket connection to the byte stream the
// dsync framing expects. Each Write is one binary message;
// Read drains messages in order.
type wsStream struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (ws *wsStream) Read(p []byte) (int, error) {
	for {
		if ws.cur == nil {
			typ, r, err := ws.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			ws.cur = r
		}
		n, err := ws.cur.Read(p)
		if err == io.EOF {
			ws.cur = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (ws *wsStream) Write(p []byte) (int, error) {
	if err := ws.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
