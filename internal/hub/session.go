package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// session is one viewer connection with a bounded outgoing queue
type session struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newSession(conn *websocket.Conn, remote string, queue int) *session {
	return &session{
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

// offer queues msg without blocking. False means the queue is full.
func (s *session) offer(msg []byte) bool {
	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// close signals the write pump to send a close frame and hang up
func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *session) writePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()
	defer s.close()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
