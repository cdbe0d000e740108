// Command followbot is a scripted smoke-test client: it dials a running
// session server over websocket, starts a session, drives it with a
// periodic audio+manual-override script, and logs every inbound frame.
// It exercises the same wire protocol a real operator client speaks,
// adapted from the teacher's periodic-ticker tone-frame bot.
package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"lyricfollow/server/internal/protocol"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "websocket URL of the session server")
	eventID := flag.String("event", "", "event id to start a session for")
	insecure := flag.Bool("insecure", true, "skip TLS certificate verification (self-signed dev certs)")
	frameInterval := flag.Duration("frame-interval", 20*time.Millisecond, "interval between scripted AUDIO_DATA frames")
	overrideEvery := flag.Int("override-every", 50, "send a NEXT_SLIDE manual override every N audio frames (0 disables)")
	flag.Parse()

	if *eventID == "" {
		log.Fatal("[followbot] -event is required")
	}

	dialer := websocket.DefaultDialer
	dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: *insecure}

	conn, _, err := dialer.Dial(*addr, nil)
	if err != nil {
		log.Fatalf("[followbot] dial %s: %v", *addr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go readLoop(conn)

	send(conn, protocol.Message{Type: protocol.TypeStartSession, Payload: encode(protocol.StartSessionPayload{EventID: *eventID})})
	log.Printf("[followbot] started session for event %q", *eventID)

	runScript(ctx, conn, *frameInterval, *overrideEvery)

	send(conn, protocol.Message{Type: protocol.TypeStopSession})
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	log.Println("[followbot] stopped session, disconnecting")
}

// silentTone is a placeholder PCM16 frame: the bundled mock STT backend
// never transcribes it, but it exercises the AUDIO_DATA wire path and rate
// limiter exactly as a real microphone frame would.
var silentTone = make([]byte, 640)

func runScript(ctx context.Context, conn *websocket.Conn, frameInterval time.Duration, overrideEvery int) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	var frameCount int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frameCount++
		send(conn, protocol.Message{Type: protocol.TypeAudioData, Payload: encode(protocol.AudioDataPayload{
			Data: base64.StdEncoding.EncodeToString(silentTone),
			Format: &protocol.AudioFormat{SampleRate: 16000, Channels: 1, Encoding: "pcm16"},
		})})

		if overrideEvery > 0 && frameCount%overrideEvery == 0 {
			send(conn, protocol.Message{Type: protocol.TypeManualOverride, Payload: encode(protocol.ManualOverridePayload{Action: protocol.ActionNextSlide})})
			log.Println("[followbot] sent NEXT_SLIDE override")
		}
	}
}

func send(conn *websocket.Conn, msg protocol.Message) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[followbot] write error: %v", err)
	}
}

func encode(v any) []byte {
	msg, err := protocol.Encode("_", v)
	if err != nil {
		log.Fatalf("[followbot] encode payload: %v", err)
	}
	return msg.Payload
}

func readLoop(conn *websocket.Conn) {
	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[followbot] read error: %v", err)
			}
			return
		}
		log.Printf("[followbot] <- %s %s", msg.Type, string(msg.Payload))
	}
}
