package stream

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// STOMP frames travel as websocket text messages. A frame may span several
// messages and one message may hold several frames, so reads go through a
// byte stream that concatenates message payloads.

const maxMessageSize = 64 << 10

// messageReader joins the payloads of consecutive websocket messages.
type messageReader struct {
	conn *websocket.Conn
	cur  io.Reader
}

func (r *messageReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			_, next, err := r.conn.NextReader()
			if err != nil {
				return 0, err
			}
			r.cur = next
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			r.cur = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// newFrameReader returns a STOMP frame reader over conn. Read returns a nil
// frame for heart-beats.
func newFrameReader(conn *websocket.Conn) *frame.Reader {
	conn.SetReadLimit(maxMessageSize)
	return frame.NewReader(&messageReader{conn: conn})
}

// writeFrame sends f as one websocket message; a nil f sends a heart-beat.
func writeFrame(conn *websocket.Conn, f *frame.Frame, timeout time.Duration) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func heartbeatHeader(every time.Duration) string {
	ms := every.Milliseconds()
	return fmt.Sprintf("%d,%d", ms, ms)
}

// negotiate returns how often the client must send heart-beats and how often
// it may expect them from the server, given the client's wish and the
// server's heart-beat header. Zero disables either direction, as does a
// header that does not parse.
func negotiate(want time.Duration, server string) (send, expect time.Duration) {
	if want <= 0 || server == "" {
		return 0, 0
	}
	serverSend, serverRecv, err := frame.ParseHeartBeat(server)
	if err != nil {
		return 0, 0
	}
	if serverRecv > 0 {
		send = max(want, serverRecv)
	}
	if serverSend > 0 {
		expect = max(want, serverSend)
	}
	return send, expect
}

func frameError(f *frame.Frame) error {
	return fmt.Errorf("%s: %s", f.Header.Get(frame.Message), f.Body)
}
