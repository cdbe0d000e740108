package follow

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"lyricfollow/server/internal/broadcast"
	"lyricfollow/server/internal/config"
	"lyricfollow/server/internal/protocol"
	"lyricfollow/server/internal/registry"
	"lyricfollow/server/internal/setlist"
	"lyricfollow/server/internal/setlistsource"
	"lyricfollow/server/internal/sttadapter"
)

func newTestManager(t *testing.T, setlists *setlistsource.MockSource, stt sttadapter.Provider) (*Manager, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	fabric := broadcast.New(reg, nil)
	cfg := config.Default()
	clock := &fakeClock{t: time.Now()}
	return NewManager(reg, fabric, setlists, stt, func() config.Config { return cfg }, nil, clock.Now), reg
}

func recvMsg(t *testing.T, ch chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return protocol.Message{}
}

func TestHandleStartSessionHappyPath(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	setlists.Put("event-1", amazingGraceSetlist())
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})

	mgr.HandleStartSession(context.Background(), "conn-1", protocol.StartSessionPayload{EventID: "event-1"})

	ch, ok := reg.Chan("conn-1")
	if !ok {
		t.Fatal("expected conn-1 to be bound after START_SESSION")
	}

	started := recvMsg(t, ch)
	if started.Type != protocol.TypeSessionStarted {
		t.Fatalf("got type %s, want SESSION_STARTED", started.Type)
	}
	var sp protocol.SessionStartedPayload
	if err := started.Decode(&sp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sp.TotalSongs != 2 {
		t.Fatalf("got %d songs, want 2", sp.TotalSongs)
	}

	display := recvMsg(t, ch)
	if display.Type != protocol.TypeDisplayUpdate {
		t.Fatalf("got type %s, want DISPLAY_UPDATE", display.Type)
	}
}

func TestHandleStartSessionEventNotFound(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})

	mgr.HandleStartSession(context.Background(), "conn-1", protocol.StartSessionPayload{EventID: "missing"})

	ch, ok := reg.Chan("conn-1")
	if ok {
		t.Fatal("expected no session bound after EVENT_NOT_FOUND")
	}
	_ = ch
}

func TestHandleStartSessionEmptySetlist(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	setlists.Put("event-1", setlist.Setlist{})
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})

	mgr.HandleStartSession(context.Background(), "conn-1", protocol.StartSessionPayload{EventID: "event-1"})
	if _, ok := mgr.sessionFor("conn-1"); ok {
		t.Fatal("expected no session for an empty setlist")
	}
	_, bound := reg.Chan("conn-1")
	if bound {
		t.Fatal("expected connection to remain unbound on EMPTY_SETLIST")
	}
}

func TestHandleStartSessionRejectsDoubleStart(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	setlists.Put("event-1", amazingGraceSetlist())
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})

	mgr.HandleStartSession(context.Background(), "conn-1", protocol.StartSessionPayload{EventID: "event-1"})
	ch, _ := reg.Chan("conn-1")
	recvMsg(t, ch) // SESSION_STARTED
	recvMsg(t, ch) // DISPLAY_UPDATE

	mgr.HandleStartSession(context.Background(), "conn-1", protocol.StartSessionPayload{EventID: "event-1"})
	errMsg := recvMsg(t, ch)
	if errMsg.Type != protocol.TypeError {
		t.Fatalf("got type %s, want ERROR", errMsg.Type)
	}
	var e protocol.Error
	if err := errMsg.Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Code != protocol.CodeSessionExists {
		t.Fatalf("got code %s, want SESSION_EXISTS", e.Code)
	}
}

func TestHandleStartSessionSyncsSecondJoiner(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	setlists.Put("event-1", amazingGraceSetlist())
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})

	mgr.HandleStartSession(context.Background(), "conn-1", protocol.StartSessionPayload{EventID: "event-1"})
	ch1, _ := reg.Chan("conn-1")
	recvMsg(t, ch1)
	recvMsg(t, ch1)

	sess1, _ := mgr.sessionFor("conn-1")
	sess1.ApplyManualOverride("NEXT_SLIDE", 0, "", nil)

	mgr.HandleStartSession(context.Background(), "conn-2", protocol.StartSessionPayload{EventID: "event-1"})
	ch2, _ := reg.Chan("conn-2")
	started := recvMsg(t, ch2)
	var sp protocol.SessionStartedPayload
	started.Decode(&sp)
	if sp.CurrentSlideIndex != 1 {
		t.Fatalf("got CurrentSlideIndex=%d, want synced to 1", sp.CurrentSlideIndex)
	}
}

func TestHandleAudioDataRejectsUnsupportedFormat(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	setlists.Put("event-1", amazingGraceSetlist())
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})

	mgr.HandleStartSession(context.Background(), "conn-1", protocol.StartSessionPayload{EventID: "event-1"})
	ch, _ := reg.Chan("conn-1")
	recvMsg(t, ch)
	recvMsg(t, ch)

	mgr.HandleAudioData(context.Background(), "conn-1", protocol.AudioDataPayload{
		Data:   base64.StdEncoding.EncodeToString([]byte("fake")),
		Format: &protocol.AudioFormat{SampleRate: 44100, Channels: 2},
	})

	errMsg := recvMsg(t, ch)
	var e protocol.Error
	errMsg.Decode(&e)
	if e.Code != protocol.CodeAudioFormatUnsupported {
		t.Fatalf("got code %s, want AUDIO_FORMAT_UNSUPPORTED", e.Code)
	}
}

func TestHandleAudioDataForwardsToSharedSTT(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	setlists.Put("event-1", amazingGraceSetlist())
	provider := &sttadapter.MockProvider{}
	mgr, reg := newTestManager(t, setlists, provider)

	mgr.HandleStartSession(context.Background(), "conn-1", protocol.StartSessionPayload{EventID: "event-1"})
	ch, _ := reg.Chan("conn-1")
	recvMsg(t, ch)
	recvMsg(t, ch)

	mgr.HandleAudioData(context.Background(), "conn-1", protocol.AudioDataPayload{
		Data: base64.StdEncoding.EncodeToString([]byte("pcmbytes")),
	})

	sessions := provider.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("got %d stt sessions, want 1", len(sessions))
	}
	received := sessions[0].AudioReceived()
	if len(received) != 1 || string(received[0]) != "pcmbytes" {
		t.Fatalf("unexpected audio forwarded: %v", received)
	}
}

func TestHandlePingRepliesPong(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})
	reg.Bind("conn-1", "sess-1", "event-1")

	mgr.HandlePing("conn-1")
	ch, _ := reg.Chan("conn-1")
	msg := recvMsg(t, ch)
	if msg.Type != protocol.TypePong {
		t.Fatalf("got type %s, want PONG", msg.Type)
	}
}

func TestHandleStopSessionEndsSessionAndUnbinds(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	setlists.Put("event-1", amazingGraceSetlist())
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})

	mgr.HandleStartSession(context.Background(), "conn-1", protocol.StartSessionPayload{EventID: "event-1"})
	ch, _ := reg.Chan("conn-1")
	recvMsg(t, ch)
	recvMsg(t, ch)

	mgr.HandleStopSession("conn-1")
	ended := recvMsg(t, ch)
	if ended.Type != protocol.TypeSessionEnded {
		t.Fatalf("got type %s, want SESSION_ENDED", ended.Type)
	}
	if _, ok := mgr.sessionFor("conn-1"); ok {
		t.Fatal("expected session to be removed after STOP_SESSION")
	}
	if _, ok := reg.Chan("conn-1"); ok {
		t.Fatal("expected connection to be unbound after STOP_SESSION")
	}
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	// A nil *MockSource makes the setlist lookup inside START_SESSION panic
	// (nil pointer dereference); Dispatch must recover and reply
	// INTERNAL_ERROR instead of crashing.
	var setlists *setlistsource.MockSource
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})
	reg.Bind("conn-1", "sess-1", "event-1")

	msg, _ := protocol.Encode(protocol.TypeStartSession, protocol.StartSessionPayload{EventID: "event-1"})
	mgr.Dispatch(context.Background(), "conn-1", msg)

	ch, _ := reg.Chan("conn-1")
	got := recvMsg(t, ch)
	if got.Type != protocol.TypeError {
		t.Fatalf("got type %s, want ERROR", got.Type)
	}
	var e protocol.Error
	if err := got.Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Code != protocol.CodeInternalError {
		t.Fatalf("got code %s, want INTERNAL_ERROR", e.Code)
	}
}

func TestDispatchUnknownTypeRepliesError(t *testing.T) {
	setlists := setlistsource.NewMockSource()
	mgr, reg := newTestManager(t, setlists, &sttadapter.MockProvider{})
	reg.Bind("conn-1", "sess-1", "event-1")

	mgr.Dispatch(context.Background(), "conn-1", protocol.Message{Type: "NOT_A_REAL_TYPE"})
	ch, _ := reg.Chan("conn-1")
	got := recvMsg(t, ch)
	if got.Type != protocol.TypeError {
		t.Fatalf("got type %s, want ERROR", got.Type)
	}
}
