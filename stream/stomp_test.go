package stream

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// dialPair starts a websocket server that runs serve on its side of the
// connection and returns the client side.
func dialPair(t *testing.T, serve func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func encode(t *testing.T, f *frame.Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		t.Fatalf("encoding %s: %v", f.Command, err)
	}
	return buf.Bytes()
}

func readFrame(t *testing.T, r *frame.Reader) *frame.Frame {
	t.Helper()
	for {
		f, err := r.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if f != nil {
			return f
		}
	}
}

func TestFrameReader_AcrossMessages(t *testing.T) {
	first := frame.New(frame.MESSAGE, frame.Destination, "/topic/drivers")
	first.Body = []byte("7:1,2")
	second := frame.New(frame.MESSAGE, frame.Destination, "/topic/drivers")
	second.Body = []byte("8:3,4")
	a, b := encode(t, first), encode(t, second)

	conn := dialPair(t, func(conn *websocket.Conn) {
		// Heart-beat, half a frame, then its rest with a whole second frame.
		conn.WriteMessage(websocket.TextMessage, []byte("\n"))
		conn.WriteMessage(websocket.TextMessage, a[:5])
		conn.WriteMessage(websocket.TextMessage, append(append([]byte{}, a[5:]...), b...))
	})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := newFrameReader(conn)

	got := readFrame(t, r)
	if string(got.Body) != "7:1,2" || got.Header.Get(frame.Destination) != "/topic/drivers" {
		t.Fatalf("first frame: %s %q", got.Command, got.Body)
	}
	if got = readFrame(t, r); string(got.Body) != "8:3,4" {
		t.Fatalf("second frame: %s %q", got.Command, got.Body)
	}
}

func TestWriteFrame_OneMessagePerFrame(t *testing.T) {
	sent := frame.New(frame.MESSAGE, frame.Destination, "/topic/a:b\nc")
	sent.Body = []byte("1:2,3")
	conn := dialPair(t, func(conn *websocket.Conn) {
		if err := writeFrame(conn, sent, time.Second); err != nil {
			t.Errorf("writeFrame: %v", err)
		}
		if err := writeFrame(conn, nil, time.Second); err != nil {
			t.Errorf("heart-beat: %v", err)
		}
	})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil || got == nil {
		t.Fatalf("frame did not arrive whole: %v", err)
	}
	if d := got.Header.Get(frame.Destination); d != "/topic/a:b\nc" {
		t.Fatalf("escaped header came back as %q", d)
	}
	if string(got.Body) != "1:2,3" {
		t.Fatalf("body %q", got.Body)
	}

	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read heart-beat: %v", err)
	}
	if string(data) != "\n" {
		t.Fatalf("heart-beat sent as %q", data)
	}
}

func TestNegotiate(t *testing.T) {
	send, expect := negotiate(10*time.Second, "20000,5000")
	if send != 10*time.Second || expect != 20*time.Second {
		t.Fatalf("send=%v expect=%v", send, expect)
	}
	for _, server := range []string{"0,0", "garbage", ""} {
		if send, expect := negotiate(10*time.Second, server); send != 0 || expect != 0 {
			t.Errorf("server %q negotiated to send=%v expect=%v", server, send, expect)
		}
	}
	if send, expect := negotiate(0, "1000,1000"); send != 0 || expect != 0 {
		t.Errorf("client without heart-beats negotiated to send=%v expect=%v", send, expect)
	}
	if h := heartbeatHeader(10 * time.Second); h != "10000,10000" {
		t.Fatalf("heart-beat header %q", h)
	}
}
