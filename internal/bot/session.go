package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/audio"
	"github.com/user/discord-voicechat/internal/metrics"
	"github.com/user/discord-voicechat/internal/reasoning"
	"github.com/user/discord-voicechat/internal/segment"
	"github.com/user/discord-voicechat/internal/stt"
	"github.com/user/discord-voicechat/internal/tts"
	"github.com/user/discord-voicechat/internal/turn"
	"golang.org/x/sync/errgroup"
)

const voiceReadyTimeout = 10 * time.Second

type SessionConfig struct {
	ID            string
	GuildID       string
	ChannelID     string
	TextChannelID string
	UserID        string // User who issued !join; the only voice followed

	SystemPrompt string
	ThinkStart   string
	ThinkEnd     string
	SegmentChars int
	Endpoint     audio.EndpointConfig
}

type VoiceSession struct {
	ID            string
	GuildID       string
	ChannelID     string
	TextChannelID string
	UserID        string
	StartedAt     time.Time

	cfg    SessionConfig
	logger zerolog.Logger

	// Audio pipeline
	decoder    audio.Decoder
	encoder    tts.Encoder
	vad        audio.VAD
	endpointer *audio.Endpointer
	pool       *stt.Pool

	// Conversation
	generator  turn.Generator
	voice      tts.Source
	player     *tts.Player
	controller *turn.Controller
	metrics    *metrics.Recorder

	// Observed state for !status, written from callbacks
	sttStatus atomic.Value // stt.Status
	turnState atomic.Int32

	// SSRC -> UserID mapping
	speakerMap map[uint32]string
	speakerMux sync.RWMutex

	// Discord
	session   *discordgo.Session
	voiceConn *discordgo.VoiceConnection
	notices   chan string

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
	history []turn.Message
	mutex   sync.Mutex
}

func NewVoiceSession(
	cfg SessionConfig,
	session *discordgo.Session,
	decoder audio.Decoder,
	encoder tts.Encoder,
	vad audio.VAD,
	pool *stt.Pool,
	generator turn.Generator,
	voice tts.Source,
	rec *metrics.Recorder,
) *VoiceSession {
	ctx, cancel := context.WithCancel(context.Background())

	vs := &VoiceSession{
		ID:            cfg.ID,
		GuildID:       cfg.GuildID,
		ChannelID:     cfg.ChannelID,
		TextChannelID: cfg.TextChannelID,
		UserID:        cfg.UserID,
		cfg:           cfg,
		logger:        log.With().Str("session_id", cfg.ID).Logger(),
		decoder:       decoder,
		encoder:       encoder,
		vad:           vad,
		pool:          pool,
		generator:     generator,
		voice:         voice,
		metrics:       rec,
		speakerMap:    make(map[uint32]string),
		session:       session,
		notices:       make(chan string, 16),
		ctx:           ctx,
		cancel:        cancel,
	}
	vs.sttStatus.Store(stt.StatusLoading)
	return vs
}

func (vs *VoiceSession) Start() error {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()

	if vs.stopped {
		return fmt.Errorf("session already stopped")
	}

	// mute: false (the bot speaks its replies)
	// deaf: false (the bot must hear the user)
	voiceConn, err := vs.session.ChannelVoiceJoin(vs.GuildID, vs.ChannelID, false, false)
	if err != nil {
		return fmt.Errorf("failed to join voice channel: %w", err)
	}
	vs.voiceConn = voiceConn

	// Register before audio arrives so SSRCs can be mapped to users.
	vs.voiceConn.AddHandler(vs.handleSpeakingUpdate)

	if err := waitReady(vs.ctx, voiceConn, voiceReadyTimeout); err != nil {
		voiceConn.Disconnect()
		return err
	}

	if err := vs.voiceConn.Speaking(false); err != nil {
		vs.logger.Warn().Err(err).Msg("Failed to send initial speaking state")
	}

	vs.player = tts.NewPlayer(vs.voice, vs.encoder, &discordSink{vc: voiceConn, logger: vs.logger})
	vs.controller = turn.New(vs.generator, vs.player, turn.Options{
		SystemPrompt: vs.cfg.SystemPrompt,
		Markers:      reasoning.Markers{Start: vs.cfg.ThinkStart, End: vs.cfg.ThinkEnd},
		Segment:      segment.Config{MaxChars: vs.cfg.SegmentChars},
		Logger:       &vs.logger,
		Metrics:      vs.metrics,
		OnStatus:     vs.onTurnStatus,
		OnMessage:    vs.onMessage,
	})
	vs.endpointer = audio.NewEndpointer(vs.cfg.Endpoint, vs.vad, vs.UserID, vs.onSpeechStart)
	vs.StartedAt = time.Now()

	group, gctx := errgroup.WithContext(vs.ctx)
	vs.group = group

	if err := vs.pool.Start(gctx); err != nil {
		vs.cancel()
		voiceConn.Disconnect()
		return fmt.Errorf("failed to start transcriber pool: %w", err)
	}

	group.Go(func() error {
		if err := vs.controller.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	group.Go(func() error { return vs.loadVoice(gctx) })
	group.Go(func() error { return vs.processAudioLoop(gctx) })
	group.Go(func() error { return vs.processChunks(gctx) })
	group.Go(func() error { return vs.processTranscripts(gctx) })
	group.Go(func() error { return vs.postNotices(gctx) })

	vs.logger.Info().
		Str("guild_id", vs.GuildID).
		Str("channel_id", vs.ChannelID).
		Str("user_id", vs.UserID).
		Msg("Voice session started")

	return nil
}

func waitReady(ctx context.Context, vc *discordgo.VoiceConnection, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		vc.RLock()
		ready := vc.Ready
		vc.RUnlock()
		if ready {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("voice connection not ready after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// loadVoice prepares the synthesizer. Without a voice the session cannot
// answer, so a failure marks it unavailable until the user rejoins.
func (vs *VoiceSession) loadVoice(ctx context.Context) error {
	err := vs.player.Load(ctx, func(pct int) {
		vs.logger.Debug().Int("progress", pct).Str("tts_backend", vs.voice.Name()).Msg("Loading voice")
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		vs.controller.SetUnavailable(fmt.Errorf("voice unavailable: %w", err))
		return nil
	}
	vs.logger.Info().Str("tts_backend", vs.voice.Name()).Msg("Voice ready")
	return nil
}

const endpointTick = 50 * time.Millisecond

func (vs *VoiceSession) processAudioLoop(ctx context.Context) error {
	defer vs.logger.Debug().Msg("Audio processing stopped")

	// Discord sends nothing while the user is silent; the ticker ends
	// utterances that no further packet would.
	ticker := time.NewTicker(endpointTick)
	defer ticker.Stop()

	for {
		select {
		case packet, ok := <-vs.voiceConn.OpusRecv:
			if !ok {
				vs.logger.Info().Msg("Voice receive channel closed")
				return nil
			}
			vs.processAudioPacket(packet)
		case now := <-ticker.C:
			vs.endpointer.Tick(now)
		case <-ctx.Done():
			return nil
		}
	}
}

func (vs *VoiceSession) processAudioPacket(packet *discordgo.Packet) {
	if vs.speakerFor(packet.SSRC) != vs.UserID {
		return
	}

	pcm, err := vs.decoder.Decode(packet.Opus)
	if err != nil {
		vs.logger.Warn().
			Uint32("ssrc", packet.SSRC).
			Err(err).
			Msg("Failed to decode opus packet")
		return
	}

	vs.endpointer.AddFrame(pcm, time.Now())
}

func (vs *VoiceSession) processChunks(ctx context.Context) error {
	defer vs.logger.Debug().Msg("Chunk processing stopped")

	for {
		select {
		case chunk, ok := <-vs.endpointer.Chunks():
			if !ok {
				return nil
			}
			if err := vs.pool.Submit(chunk); err != nil {
				vs.logger.Warn().
					Err(err).
					Str("chunk_id", chunk.ID.String()).
					Msg("Failed to submit utterance for transcription")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (vs *VoiceSession) processTranscripts(ctx context.Context) error {
	defer vs.logger.Debug().Msg("Transcript processing stopped")

	for {
		select {
		case ev, ok := <-vs.pool.Events():
			if !ok {
				return nil
			}
			vs.handleSTTEvent(ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (vs *VoiceSession) handleSTTEvent(ev stt.Event) {
	if tr := ev.Transcript; tr != nil {
		vs.logger.Debug().
			Str("chunk_id", tr.ChunkID.String()).
			Bool("final", tr.IsFinal).
			Str("text", tr.Text).
			Msg("Transcript")
		if vs.controller.AdmitTranscript(tr.Text, tr.IsFinal) {
			vs.logger.Info().
				Str("chunk_id", tr.ChunkID.String()).
				Str("source", tr.Source).
				Msg("Admitted utterance")
		}
		return
	}

	vs.sttStatus.Store(ev.Status)
	if ev.Status == stt.StatusError && ev.Err != nil {
		vs.notify(fmt.Sprintf("⚠️ Didn't catch that: %v", ev.Err))
	}
}

func (vs *VoiceSession) onSpeechStart() {
	vs.sttStatus.Store(stt.StatusRecording)
}

// onTurnStatus runs on the controller's goroutine.
func (vs *VoiceSession) onTurnStatus(s turn.Status) {
	vs.turnState.Store(int32(s.State))
	switch s.Kind {
	case turn.ErrorTransport:
		vs.notify(fmt.Sprintf("⚠️ Reply failed: %v", s.Err))
	case turn.ErrorUnavailable:
		vs.notify(fmt.Sprintf("⛔ %v. Use `!leave` and `!join` to try again.", s.Err))
	}
}

func (vs *VoiceSession) onMessage(m turn.Message) {
	vs.logger.Debug().
		Str("role", string(m.Role)).
		Int("length", len(m.Content)).
		Bool("thinking", m.Thinking != nil).
		Msg("Conversation message")
}

// notify queues a message for the text channel without blocking.
func (vs *VoiceSession) notify(msg string) {
	select {
	case vs.notices <- msg:
	default:
		vs.logger.Warn().Str("notice", msg).Msg("Notice queue full, dropping message")
	}
}

func (vs *VoiceSession) postNotices(ctx context.Context) error {
	for {
		select {
		case msg := <-vs.notices:
			if _, err := vs.session.ChannelMessageSend(vs.TextChannelID, msg); err != nil {
				vs.logger.Warn().Err(err).Msg("Failed to post notice")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (vs *VoiceSession) handleSpeakingUpdate(vc *discordgo.VoiceConnection, update *discordgo.VoiceSpeakingUpdate) {
	if update == nil {
		return
	}

	vs.speakerMux.Lock()
	defer vs.speakerMux.Unlock()

	if update.Speaking {
		vs.speakerMap[uint32(update.SSRC)] = update.UserID
		vs.logger.Debug().
			Uint32("ssrc", uint32(update.SSRC)).
			Str("user_id", update.UserID).
			Msg("Mapped SSRC to user")
	}
}

// speakerFor returns the user behind ssrc, or "" if unknown.
func (vs *VoiceSession) speakerFor(ssrc uint32) string {
	vs.speakerMux.RLock()
	speaker, ok := vs.speakerMap[ssrc]
	vs.speakerMux.RUnlock()
	if ok {
		return speaker
	}
	return vs.autoMapSSRC(ssrc, vs.usersInChannel())
}

func (vs *VoiceSession) usersInChannel() []string {
	guild, err := vs.session.State.Guild(vs.GuildID)
	if err != nil {
		return nil
	}
	var botID string
	if vs.session.State.User != nil {
		botID = vs.session.State.User.ID
	}

	var users []string
	for _, voiceState := range guild.VoiceStates {
		if voiceState.ChannelID == vs.ChannelID && voiceState.UserID != botID {
			users = append(users, voiceState.UserID)
		}
	}
	return users
}

// autoMapSSRC assigns an unmapped SSRC to the followed user when audio arrives
// before the speaking update and that user is the only one in the channel
// without an SSRC.
func (vs *VoiceSession) autoMapSSRC(ssrc uint32, users []string) string {
	vs.speakerMux.Lock()
	defer vs.speakerMux.Unlock()

	if speaker, ok := vs.speakerMap[ssrc]; ok {
		return speaker
	}

	mapped := make(map[string]bool, len(vs.speakerMap))
	for _, userID := range vs.speakerMap {
		mapped[userID] = true
	}
	var unmapped []string
	for _, userID := range users {
		if !mapped[userID] {
			unmapped = append(unmapped, userID)
		}
	}
	if len(unmapped) != 1 || unmapped[0] != vs.UserID {
		return ""
	}

	vs.speakerMap[ssrc] = vs.UserID
	vs.logger.Info().
		Uint32("ssrc", ssrc).
		Str("user_id", vs.UserID).
		Msg("Auto-mapped SSRC to followed user")
	return vs.UserID
}

func (vs *VoiceSession) SetMuted(muted bool) {
	vs.player.SetMuted(muted)
	vs.logger.Info().Bool("muted", muted).Msg("Changed mute state")
}

type SessionStatus struct {
	ID        string
	UserID    string
	State     turn.State
	Pending   bool
	Muted     bool
	Listening stt.Status
	Messages  int
	Uptime    time.Duration
}

func (vs *VoiceSession) Snapshot() SessionStatus {
	_, pending := vs.controller.Pending()
	return SessionStatus{
		ID:        vs.ID,
		UserID:    vs.UserID,
		State:     turn.State(vs.turnState.Load()),
		Pending:   pending,
		Muted:     vs.player.Muted(),
		Listening: vs.sttStatus.Load().(stt.Status),
		Messages:  len(vs.controller.History()),
		Uptime:    time.Since(vs.StartedAt),
	}
}

func formatStatus(s SessionStatus) string {
	voice := "🔊 on"
	if s.Muted {
		voice = "🔇 muted"
	}
	msg := fmt.Sprintf("📊 Following <@%s> for %s\nTurn: %s\nTranscriber: %s\nVoice: %s\nMessages: %d",
		s.UserID, s.Uptime.Round(time.Second), s.State, s.Listening, voice, s.Messages)
	if s.Pending {
		msg += "\nAn interruption is waiting to be answered."
	}
	return msg
}

// Stop shuts the pipeline down and returns the conversation. Calling it again
// returns the same conversation.
func (vs *VoiceSession) Stop() []turn.Message {
	vs.mutex.Lock()
	defer vs.mutex.Unlock()

	if vs.stopped {
		return vs.history
	}
	vs.stopped = true
	vs.cancel()

	if vs.endpointer != nil {
		vs.endpointer.Stop()
	}
	vs.pool.Stop()
	if vs.group != nil {
		if err := vs.group.Wait(); err != nil {
			vs.logger.Warn().Err(err).Msg("Session loop exited with error")
		}
	}
	if vs.controller != nil {
		vs.history = vs.controller.History()
	}

	if vs.voiceConn != nil {
		vs.voiceConn.Disconnect()
	}
	vs.vad.Close()

	vs.logger.Info().
		Int("messages", len(vs.history)).
		Msg("Voice session stopped")

	return vs.history
}
