package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/pocket/internal/auth"
	"github.com/michaelbrown/pocket/internal/errdefs"
	"github.com/michaelbrown/pocket/internal/logging"
	"github.com/michaelbrown/pocket/internal/relay"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// handleStream upgrades to a websocket and attaches it to the session's
// terminal. Ownership and state are checked before the upgrade so the
// common failures are plain HTTP errors.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, err := s.auth.Validate(r.Context(), auth.ExtractToken(r, true))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.orch.SessionFor(id, userID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Warn().Err(err).Str(logging.FieldSessionID, id).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	stream := newWSStream(conn)
	defer stream.Close()

	if err := s.orch.AttachStreamFor(r.Context(), id, userID, stream); err != nil {
		s.logger.Debug().Err(err).Str(logging.FieldSessionID, id).Msg("attach rejected")
		_ = stream.WriteFrame(relay.ErrorFrame(errdefs.Code(err), err.Error()))
		_ = stream.WriteFrame(relay.CloseFrame())
	}
}

// wsStream adapts a websocket connection to relay.Stream. Binary messages
// are data frames; text messages are JSON frames.
type wsStream struct {
	conn *websocket.Conn

	wmu       sync.Mutex
	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) ReadFrame() (relay.Frame, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return relay.Frame{}, err
		}
		switch mt {
		case websocket.BinaryMessage:
			return relay.DataFrame(data), nil
		case websocket.TextMessage:
			return relay.DecodeText(data)
		}
	}
}

func (s *wsStream) WriteFrame(f relay.Frame) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if f.Type == relay.FrameData {
		return s.conn.WriteMessage(websocket.BinaryMessage, f.Payload)
	}
	data, err := relay.EncodeText(f)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Unblock fails a pending ReadFrame.
func (s *wsStream) Unblock() {
	s.conn.SetReadDeadline(time.Now())
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
