// Package follow implements the per-connection lyric-follow session
// pipeline: the INIT/READY/STREAMING state machine, transcript-driven
// matching and slide advance, manual override handling, and the wiring
// between the session registry, the broadcast fabric, the setlist source,
// and the speech-to-text adapter.
package follow

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"lyricfollow/server/internal/broadcast"
	"lyricfollow/server/internal/config"
	"lyricfollow/server/internal/matcher"
	"lyricfollow/server/internal/metrics"
	"lyricfollow/server/internal/protocol"
	"lyricfollow/server/internal/registry"
	"lyricfollow/server/internal/setlist"
	"lyricfollow/server/internal/setlistsource"
	"lyricfollow/server/internal/sttadapter"
)

// sharedSTT is one event's lazily-created, reference-counted STT backend
// plus the bookkeeping needed to route its transcripts and errors to the
// right session.
type sharedSTT struct {
	handle *sttadapter.Shared

	mu         sync.Mutex
	subID      int
	lastDriver string // connID whose AUDIO_DATA is currently being forwarded
	lastAudioAt map[string]time.Time
}

// Manager owns every live session and the shared infrastructure (registry,
// broadcast fabric, setlist source, STT provider) they are built from.
type Manager struct {
	reg       *registry.Registry
	fabric    *broadcast.Fabric
	setlists  setlistsource.Source
	sttProv   sttadapter.Provider
	cfg       func() config.Config
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session // by connID
	stt      map[string]*sharedSTT // by eventID
}

// NewManager wires a Manager over the given dependencies. cfg is called
// fresh every time a tunable knob is needed (new session, new shared STT
// handle), so a config.Holder passed here keeps every new session following
// the live hot-reloaded configuration without restarting the process. now
// is injectable for deterministic debounce/cooldown tests; pass nil to use
// time.Now.
func NewManager(reg *registry.Registry, fabric *broadcast.Fabric, setlists setlistsource.Source, sttProv sttadapter.Provider, cfg func() config.Config, logger *slog.Logger, now func() time.Time) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		reg: reg, fabric: fabric, setlists: setlists, sttProv: sttProv,
		cfg: cfg, logger: logger, now: now,
		sessions: make(map[string]*Session),
		stt:      make(map[string]*sharedSTT),
	}
}

func (m *Manager) tuning() Tuning {
	cfg := m.cfg()
	return Tuning{
		SongSwitchDebounceMatches: cfg.SongSwitchDebounceMatches,
		SongSwitchCooldown:        cfg.SongSwitchCooldown,
		AutoSwitchFloor:           cfg.AutoSwitchFloor,
		EndTriggerDebounceMatches: cfg.EndTriggerDebounceMatches,
		EndTriggerDebounceWindow:  cfg.EndTriggerDebounceWindow,
		AllowPartialMatching:      cfg.AllowPartialMatching,
	}
}

func (m *Manager) matcherConfig() matcher.Config {
	cfg := m.cfg()
	return matcher.NewConfig(matcher.Config{
		SimilarityThreshold: cfg.MatcherSimilarityThreshold,
		MinBufferWords:      cfg.MatcherMinBufferWords,
		BufferWindow:        cfg.MatcherBufferWindow,
		LookAhead:           matcher.DefaultConfig().LookAhead,
		UseBigramEndOfSlide: cfg.EndOfSlideBigram,
	})
}

func (m *Manager) reply(connID string, msg protocol.Message) {
	m.stampSent(&msg)
	m.reg.SendTo(connID, msg)
}

func (m *Manager) broadcastToEvent(eventID string, msg protocol.Message, exceptConnID string) {
	m.stampSent(&msg)
	m.fabric.Publish(eventID, msg, exceptConnID)
}

func (m *Manager) stampSent(msg *protocol.Message) {
	if msg.Timing == nil {
		msg.Timing = &protocol.Timing{}
	}
	msg.Timing.ServerSentAt = m.now().UnixMilli()
}

func (m *Manager) replyError(connID string, err *protocol.Error) {
	m.reply(connID, err.ToMessage())
}

func (m *Manager) sessionFor(connID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[connID]
	return s, ok
}

// Stats reports the manager's current load, for the periodic stats logger
// and the prometheus gauges it updates.
func (m *Manager) Stats() metrics.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return metrics.Stats{Sessions: len(m.sessions), STTStreams: len(m.stt)}
}

// HandleStartSession implements the START_SESSION transition.
func (m *Manager) HandleStartSession(ctx context.Context, connID string, payload protocol.StartSessionPayload) {
	if _, exists := m.sessionFor(connID); exists {
		m.replyError(connID, protocol.NewError(protocol.CodeSessionExists, "connection already has an active session"))
		return
	}

	sl, err := m.setlists.Setlist(ctx, payload.EventID)
	if err == setlistsource.ErrEventNotFound {
		m.replyError(connID, protocol.NewError(protocol.CodeEventNotFound, fmt.Sprintf("no setlist configured for event %q", payload.EventID)))
		return
	}
	if err != nil {
		m.replyError(connID, protocol.NewError(protocol.CodeInternalError, "failed to load setlist"))
		return
	}
	if len(sl.Songs) == 0 {
		m.replyError(connID, protocol.NewError(protocol.CodeEmptySetlist, "event has no songs in its setlist"))
		return
	}

	songIndex, lineIndex := 0, 0
	var syncSnap *Snapshot
	if src, ok := m.reg.FindSyncSource(payload.EventID, connID); ok {
		if existing, ok := m.sessionFor(src.ConnID); ok {
			snap := existing.Snapshot()
			syncSnap = &snap
			songIndex, _, lineIndex = existing.Positions()
		}
	}

	sessionID := uuid.NewString()
	sess := NewSession(sessionID, connID, payload.EventID, sl, songIndex, lineIndex, true, m.matcherConfig(), m.tuning(), m.now)
	if syncSnap != nil {
		sess.mu.Lock()
		sess.buffer = syncSnap.Buffer
		sess.lastConfidence = syncSnap.LastConfidence
		sess.autoFollowing = syncSnap.AutoFollowing
		sess.mu.Unlock()
	}

	if _, err := m.reg.Bind(connID, sessionID, payload.EventID); err != nil {
		m.replyError(connID, protocol.NewError(protocol.CodeSessionExists, "connection already has an active session"))
		return
	}

	m.mu.Lock()
	m.sessions[connID] = sess
	m.mu.Unlock()

	curSongIdx, curSlideIdx, curLineIdx := sess.Positions()
	started := protocol.SessionStartedPayload{
		SessionID:         sessionID,
		EventID:           payload.EventID,
		TotalSongs:        len(sl.Songs),
		CurrentSongIndex:  curSongIdx,
		CurrentSlideIndex: curSlideIdx,
		Setlist:           setlistPayload(sl),
	}
	msg, _ := protocol.Encode(protocol.TypeSessionStarted, started)
	m.reply(connID, msg)

	m.sendDisplayUpdate(connID, sess, curSongIdx, curSlideIdx, curLineIdx, false)
}

func setlistPayload(sl setlist.Setlist) []protocol.SetlistSongPayload {
	out := make([]protocol.SetlistSongPayload, len(sl.Songs))
	for i, song := range sl.Songs {
		slides := make([]protocol.SlidePayload, len(song.Slides))
		for j, sd := range song.Slides {
			slides[j] = protocol.SlidePayload{Lines: sd.Lines, SlideText: sd.SlideText}
		}
		out[i] = protocol.SetlistSongPayload{
			ID: song.ID, Title: song.Title, Artist: song.Artist,
			Lines: song.Lines, Slides: slides, LineToSlideIdx: song.LineToSlideIdx,
		}
	}
	return out
}

func (m *Manager) sendDisplayUpdate(connID string, sess *Session, songIndex, slideIndex, lineIndex int, autoAdvance bool) {
	song := sess.CurrentSong()
	slide := song.Slides[slideIndex]
	li := lineIndex
	payload := protocol.DisplayUpdatePayload{
		LineText:      song.Lines[lineIndex],
		SlideText:     slide.SlideText,
		SlideLines:    slide.Lines,
		SlideIndex:    slideIndex,
		LineIndex:     &li,
		SongID:        song.ID,
		SongTitle:     song.Title,
		IsAutoAdvance: autoAdvance,
	}
	msg, _ := protocol.Encode(protocol.TypeDisplayUpdate, payload)
	m.reply(connID, msg)
}

func (m *Manager) broadcastDisplayUpdate(sess *Session, songIndex, slideIndex, lineIndex int, autoAdvance bool) {
	song := sess.CurrentSong()
	slide := song.Slides[slideIndex]
	li := lineIndex
	payload := protocol.DisplayUpdatePayload{
		LineText:      song.Lines[lineIndex],
		SlideText:     slide.SlideText,
		SlideLines:    slide.Lines,
		SlideIndex:    slideIndex,
		LineIndex:     &li,
		SongID:        song.ID,
		SongTitle:     song.Title,
		IsAutoAdvance: autoAdvance,
	}
	msg, _ := protocol.Encode(protocol.TypeDisplayUpdate, payload)
	m.broadcastToEvent(sess.EventID, msg, "")
}

// HandleUpdateEventSettings implements UPDATE_EVENT_SETTINGS.
func (m *Manager) HandleUpdateEventSettings(connID string, payload protocol.UpdateEventSettingsPayload) {
	sess, ok := m.sessionFor(connID)
	if !ok {
		m.replyError(connID, protocol.NewError(protocol.CodeNoSession, "no active session on this connection"))
		return
	}
	merged := sess.UpdateSettings(EventSettingsUpdate{
		ProjectorFont:  payload.ProjectorFont,
		BibleMode:      payload.BibleMode,
		BibleVersionID: payload.BibleVersionID,
		BibleFollow:    payload.BibleFollow,
	})
	out := protocol.EventSettingsUpdatedPayload{
		ProjectorFont: merged.ProjectorFont, BibleMode: merged.BibleMode,
		BibleVersionID: merged.BibleVersionID, BibleFollow: merged.BibleFollow,
	}
	msg, _ := protocol.Encode(protocol.TypeEventSettingsUpdated, out)
	m.broadcastToEvent(sess.EventID, msg, "")
}

// HandleAudioData implements AUDIO_DATA, including lazy STT handle
// creation/sharing and the format gate.
func (m *Manager) HandleAudioData(ctx context.Context, connID string, payload protocol.AudioDataPayload) {
	sess, ok := m.sessionFor(connID)
	if !ok {
		m.replyError(connID, protocol.NewError(protocol.CodeNoSession, "no active session on this connection"))
		return
	}

	if payload.Format != nil {
		if payload.Format.SampleRate != 0 && payload.Format.SampleRate != 16000 ||
			payload.Format.Channels != 0 && payload.Format.Channels != 1 {
			m.replyError(connID, protocol.NewErrorWithDetails(protocol.CodeAudioFormatUnsupported,
				"audio format must be 16kHz mono PCM",
				protocol.AudioFormatDetails{
					Observed: *payload.Format,
					Expected: protocol.AudioFormat{SampleRate: 16000, Channels: 1, Encoding: "pcm_s16le"},
				}))
			return
		}
	}

	raw, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		m.replyError(connID, protocol.NewError(protocol.CodeValidationError, "audio data is not valid base64"))
		return
	}

	sess.mu.Lock()
	sess.Phase = PhaseStreaming
	sess.mu.Unlock()

	shared := m.sharedSTTFor(ctx, sess.EventID)
	shared.mu.Lock()
	shared.lastDriver = connID
	shared.mu.Unlock()

	if err := shared.handle.SendAudio(raw); err != nil {
		m.replyError(connID, protocol.NewError(protocol.CodeSTTError, "failed to forward audio to speech recognizer"))
	}
}

func (m *Manager) sharedSTTFor(ctx context.Context, eventID string) *sharedSTT {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.stt[eventID]; ok {
		return existing
	}
	cfg := m.cfg()
	handle := sttadapter.NewShared(m.sttProv, sttadapter.StreamConfig{SampleRate: 16000, Channels: 1}, cfg.STTStaleWindow, cfg.STTRestartCooldown, m.logger)
	shared := &sharedSTT{handle: handle, lastAudioAt: make(map[string]time.Time)}
	m.stt[eventID] = shared

	subID, transcripts, err := handle.Acquire(ctx)
	if err != nil {
		m.logger.Error("failed to start stt session", "event_id", eventID, "error", err)
		return shared
	}
	shared.subID = subID
	go m.pumpTranscripts(eventID, shared, transcripts)
	return shared
}

func (m *Manager) pumpTranscripts(eventID string, shared *sharedSTT, transcripts <-chan sttadapter.Transcript) {
	for t := range transcripts {
		m.handleTranscript(eventID, shared, t)
	}
}

func (m *Manager) handleTranscript(eventID string, shared *sharedSTT, t sttadapter.Transcript) {
	connIDs := m.reg.ConnIDsForEvent(eventID)

	conf := t.Confidence
	tp := protocol.TranscriptUpdatePayload{Text: t.Text, IsFinal: t.IsFinal, Confidence: &conf}
	msg, _ := protocol.Encode(protocol.TypeTranscriptUpdate, tp)
	m.broadcastToEvent(eventID, msg, "")
	m.reg.TouchTranscript(shared.lastDriver)

	if !t.IsFinal && !m.tuning().AllowPartialMatching {
		return
	}

	for _, connID := range connIDs {
		sess, ok := m.sessionFor(connID)
		if !ok {
			continue
		}
		beforeSong, beforeSlide, _ := sess.Positions()
		outcome := sess.Ingest(t.Text, t.IsFinal)

		if outcome.Suggestion != nil {
			sp := protocol.SongSuggestionPayload{
				SuggestedSongID: outcome.Suggestion.SongID, SuggestedSongTitle: outcome.Suggestion.SongTitle,
				SuggestedSongIndex: outcome.Suggestion.SongIndex, Confidence: outcome.Suggestion.Confidence,
				MatchedLine: outcome.Suggestion.MatchedLine,
			}
			smsg, _ := protocol.Encode(protocol.TypeSongSuggestion, sp)
			m.reply(connID, smsg)
		}

		if outcome.SongChanged {
			song := sess.CurrentSong()
			cp := protocol.SongChangedPayload{SongID: song.ID, SongTitle: song.Title, SongIndex: outcome.NewSongIndex, TotalSlides: len(song.Slides)}
			cmsg, _ := protocol.Encode(protocol.TypeSongChanged, cp)
			m.broadcastToEvent(eventID, cmsg, "")
		}
		if outcome.SongChanged || (outcome.SlideChanged && outcome.NewSlideIndex != beforeSlide) || outcome.NewSongIndex != beforeSong {
			m.broadcastDisplayUpdate(sess, outcome.NewSongIndex, outcome.NewSlideIndex, outcome.NewLineIndex, true)
		}
	}
}

// HandleManualOverride implements MANUAL_OVERRIDE.
func (m *Manager) HandleManualOverride(connID string, payload protocol.ManualOverridePayload) {
	sess, ok := m.sessionFor(connID)
	if !ok {
		m.replyError(connID, protocol.NewError(protocol.CodeNoSession, "no active session on this connection"))
		return
	}

	slideIndex := 0
	if payload.SlideIndex != nil {
		slideIndex = *payload.SlideIndex
	}
	songID := ""
	if payload.SongID != nil {
		songID = *payload.SongID
	}

	beforeSong, beforeSlide, _ := sess.Positions()
	songChanged, newSongIdx, newSlideIdx := sess.ApplyManualOverride(payload.Action, slideIndex, songID, payload.ItemIndex)
	if !songChanged && newSongIdx == beforeSong && newSlideIdx == beforeSlide {
		// Target is the current position: no-op, no DISPLAY_UPDATE.
		return
	}
	_, _, lineIdx := sess.Positions()

	if songChanged {
		song := sess.CurrentSong()
		cp := protocol.SongChangedPayload{SongID: song.ID, SongTitle: song.Title, SongIndex: newSongIdx, TotalSlides: len(song.Slides)}
		cmsg, _ := protocol.Encode(protocol.TypeSongChanged, cp)
		m.broadcastToEvent(sess.EventID, cmsg, "")
	}
	m.broadcastDisplayUpdate(sess, newSongIdx, newSlideIdx, lineIdx, false)
}

// HandleStopSession implements STOP_SESSION.
func (m *Manager) HandleStopSession(connID string) {
	sess, ok := m.sessionFor(connID)
	if !ok {
		return
	}

	ep := protocol.SessionEndedPayload{SessionID: sess.ID, Reason: protocol.ReasonUserStopped}
	msg, _ := protocol.Encode(protocol.TypeSessionEnded, ep)
	m.reply(connID, msg)

	m.teardownSession(connID, sess)
}

// HandleDisconnect releases a connection's session without sending a
// SESSION_ENDED frame (there is nothing left to send it to).
func (m *Manager) HandleDisconnect(connID string) {
	sess, ok := m.sessionFor(connID)
	if !ok {
		return
	}
	m.teardownSession(connID, sess)
}

func (m *Manager) teardownSession(connID string, sess *Session) {
	m.mu.Lock()
	delete(m.sessions, connID)
	remaining := 0
	for _, s := range m.sessions {
		if s.EventID == sess.EventID {
			remaining++
		}
	}
	var shared *sharedSTT
	if remaining == 0 {
		shared = m.stt[sess.EventID]
		delete(m.stt, sess.EventID)
	}
	m.mu.Unlock()

	if shared != nil {
		shared.handle.Release(shared.subID)
		shared.handle.Shutdown()
	}

	m.fabric.Forget(connID)
	m.reg.Unbind(connID)
}

// HandlePing implements PING.
func (m *Manager) HandlePing(connID string) {
	pp := protocol.PongPayload{Timestamp: m.now().UnixMilli()}
	msg, _ := protocol.Encode(protocol.TypePong, pp)
	m.reply(connID, msg)
}

// Dispatch decodes and routes one inbound frame, recovering from any panic
// in a handler and converting it into an INTERNAL_ERROR frame rather than
// tearing down the connection's goroutine.
func (m *Manager) Dispatch(ctx context.Context, connID string, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic handling message", "conn_id", connID, "type", msg.Type, "panic", r)
			m.replyError(connID, protocol.NewError(protocol.CodeInternalError, "internal error handling message"))
		}
	}()

	if verr := msg.Validate(); verr != nil {
		m.replyError(connID, verr)
		return
	}

	switch msg.Type {
	case protocol.TypeStartSession:
		var p protocol.StartSessionPayload
		_ = msg.Decode(&p)
		m.HandleStartSession(ctx, connID, p)
	case protocol.TypeUpdateEventSettings:
		var p protocol.UpdateEventSettingsPayload
		_ = msg.Decode(&p)
		m.HandleUpdateEventSettings(connID, p)
	case protocol.TypeAudioData:
		var p protocol.AudioDataPayload
		_ = msg.Decode(&p)
		m.HandleAudioData(ctx, connID, p)
	case protocol.TypeManualOverride:
		var p protocol.ManualOverridePayload
		_ = msg.Decode(&p)
		m.HandleManualOverride(connID, p)
	case protocol.TypeStopSession:
		m.HandleStopSession(connID)
	case protocol.TypePing:
		m.HandlePing(connID)
	default:
		m.replyError(connID, protocol.NewError(protocol.CodeUnknownType, "unrecognized message type: "+msg.Type))
	}
}
