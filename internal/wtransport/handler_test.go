package wtransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"lyricfollow/server/internal/broadcast"
	"lyricfollow/server/internal/config"
	"lyricfollow/server/internal/devtls"
	"lyricfollow/server/internal/follow"
	"lyricfollow/server/internal/protocol"
	"lyricfollow/server/internal/ratelimit"
	"lyricfollow/server/internal/registry"
	"lyricfollow/server/internal/setlist"
	"lyricfollow/server/internal/setlistsource"
	"lyricfollow/server/internal/slidecompile"
	"lyricfollow/server/internal/sttadapter"
)

var testPort atomic.Int32

func init() {
	testPort.Store(15443)
}

func getFreePort() int {
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return int(testPort.Add(1))
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return int(testPort.Add(1))
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func startTestServer(t *testing.T) string {
	t.Helper()

	tlsConfig, _, err := devtls.GenerateConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate tls config: %v", err)
	}

	reg := registry.New(nil)
	fabric := broadcast.New(reg, nil)
	setlists := setlistsource.NewMockSource()
	song := slidecompile.CompileSong("ag", "Amazing Grace", "",
		"Amazing grace how sweet the sound\nThat saved a wretch like me",
		slidecompile.Config{LinesPerSlide: 1})
	setlists.Put("event-1", setlist.Setlist{Songs: []setlist.Song{song}})
	mgr := follow.NewManager(reg, fabric, setlists, &sttadapter.MockProvider{}, func() config.Config { return config.Default() }, nil, nil)

	port := getFreePort()
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	h := NewHandler(addr, tlsConfig, reg, mgr, ratelimit.DefaultControlConfig, ratelimit.DefaultAudioConfig, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go h.ListenAndServe(ctx)
	t.Cleanup(cancel)

	time.Sleep(200 * time.Millisecond)
	return addr
}

func dialTestClient(t *testing.T, addr string) (*webtransport.Session, *webtransport.Stream) {
	t.Helper()

	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"h3"}},
		QUICConfig:      &quic.Config{EnableDatagrams: true},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, sess, err := d.Dial(ctx, "https://"+addr+"/wt", nil)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}

	stream, err := sess.OpenStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return sess, stream
}

func writeFrame(t *testing.T, stream *webtransport.Stream, msg protocol.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := stream.Write(append(data, '\n')); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, reader *bufio.Reader) protocol.Message {
	t.Helper()
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return msg
}

func encodePayload(t *testing.T, v any) []byte {
	t.Helper()
	msg, err := protocol.Encode("_", v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return msg.Payload
}

func TestStartSessionOverWebTransport(t *testing.T) {
	addr := startTestServer(t)
	sess, stream := dialTestClient(t, addr)
	defer sess.CloseWithError(0, "bye")

	writeFrame(t, stream, protocol.Message{Type: protocol.TypeStartSession, Payload: encodePayload(t, protocol.StartSessionPayload{EventID: "event-1"})})

	reader := bufio.NewReader(stream)
	for i := 0; i < 5; i++ {
		msg := readFrame(t, reader)
		if msg.Type == protocol.TypeSessionStarted {
			return
		}
	}
	t.Fatal("did not receive SESSION_STARTED")
}

func TestMalformedFrameGetsInvalidJSONOverWebTransport(t *testing.T) {
	addr := startTestServer(t)
	sess, stream := dialTestClient(t, addr)
	defer sess.CloseWithError(0, "bye")

	if _, err := stream.Write([]byte("{not valid json\n")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	reader := bufio.NewReader(stream)
	msg := readFrame(t, reader)
	if msg.Type != protocol.TypeError {
		t.Fatalf("got type %s, want ERROR", msg.Type)
	}
	var e protocol.Error
	if err := msg.Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Code != protocol.CodeInvalidJSON {
		t.Fatalf("got code %s, want INVALID_JSON", e.Code)
	}

	// Stream must still be usable afterwards.
	writeFrame(t, stream, protocol.Message{Type: protocol.TypePing})
	msg = readFrame(t, reader)
	if msg.Type != protocol.TypePong {
		t.Fatalf("got type %s, want PONG", msg.Type)
	}
}

func TestPingPongRoundTripOverWebTransport(t *testing.T) {
	addr := startTestServer(t)
	sess, stream := dialTestClient(t, addr)
	defer sess.CloseWithError(0, "bye")

	writeFrame(t, stream, protocol.Message{Type: protocol.TypePing})

	reader := bufio.NewReader(stream)
	msg := readFrame(t, reader)
	if msg.Type != protocol.TypePong {
		t.Fatalf("got type %s, want PONG", msg.Type)
	}
}
