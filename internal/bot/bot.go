package bot

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
	"github.com/user/discord-voicechat/internal/audio"
	"github.com/user/discord-voicechat/internal/config"
	"github.com/user/discord-voicechat/internal/llm/gemini"
	"github.com/user/discord-voicechat/internal/llm/openai"
	"github.com/user/discord-voicechat/internal/metrics"
	"github.com/user/discord-voicechat/internal/store"
	"github.com/user/discord-voicechat/internal/stt"
	"github.com/user/discord-voicechat/internal/stt/deepgram"
	"github.com/user/discord-voicechat/internal/stt/vosk"
	"github.com/user/discord-voicechat/internal/stt/whisper"
	"github.com/user/discord-voicechat/internal/tts"
	ttsdeepgram "github.com/user/discord-voicechat/internal/tts/deepgram"
	"github.com/user/discord-voicechat/internal/tts/supertonic"
	"github.com/user/discord-voicechat/internal/turn"
)

// generator is a turn.Generator that holds resources until Close.
type generator interface {
	turn.Generator
	Close() error
}

type Bot struct {
	config      *config.Config
	session     *discordgo.Session
	store       *store.FileStore
	metrics     *metrics.Recorder
	generator   generator
	transcriber stt.Transcriber
	voice       tts.Source

	// Active sessions, keyed by guild
	sessions map[string]*VoiceSession
	mutex    sync.RWMutex
}

func NewBot(cfg *config.Config, rec *metrics.Recorder) (*Bot, error) {
	// Create Discord session
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	// Set intents
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsMessageContent

	// Create store
	store, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	gen, err := newGenerator(cfg, rec)
	if err != nil {
		return nil, err
	}

	transcriber, err := newTranscriber(cfg)
	if err != nil {
		gen.Close()
		return nil, err
	}

	bot := &Bot{
		config:      cfg,
		session:     session,
		store:       store,
		metrics:     rec,
		generator:   gen,
		transcriber: transcriber,
		voice:       newVoice(cfg),
		sessions:    make(map[string]*VoiceSession),
	}

	// Register handlers
	session.AddHandler(bot.onReady)
	session.AddHandler(bot.onMessageCreate)

	return bot, nil
}

type openaiGenerator struct{ *openai.Client }

func (openaiGenerator) Close() error { return nil }

func newGenerator(cfg *config.Config, rec *metrics.Recorder) (generator, error) {
	switch cfg.LLMBackend {
	case "openai":
		return openaiGenerator{openai.NewClient(openai.Config{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.LLMModel,
			Timeout: cfg.LLMTimeout,
			Metrics: rec,
		})}, nil
	case "gemini":
		gen, err := gemini.NewGenerator(context.Background(), cfg.GenAIAPIKey, cfg.GenAIModel, cfg.LLMTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini generator: %w", err)
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("unsupported LLM backend: %s", cfg.LLMBackend)
	}
}

func newTranscriber(cfg *config.Config) (stt.Transcriber, error) {
	switch cfg.STTBackend {
	case "vosk":
		transcriber, err := vosk.NewVoskTranscriber(cfg.VoskModelPath, audio.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to create Vosk transcriber: %w", err)
		}
		return transcriber, nil
	case "deepgram":
		return deepgram.NewDeepgramTranscriber(
			cfg.DeepgramAPIKey,
			cfg.DeepgramTier,
			"en",
			cfg.DeepgramPunctuate,
		), nil
	case "whisper":
		return whisper.NewWhisperTranscriber(cfg.WhisperURL, nil), nil
	default:
		return nil, fmt.Errorf("unsupported STT backend: %s", cfg.STTBackend)
	}
}

func newVoice(cfg *config.Config) tts.Source {
	if cfg.TTSBackend == "supertonic" {
		return supertonic.NewSource(supertonic.Config{
			BaseURL: cfg.SupertonicURL,
			Voice:   cfg.SupertonicVoice,
			Speed:   cfg.SupertonicSpeed,
			Quality: cfg.SupertonicQuality,
		}, nil)
	}
	return ttsdeepgram.NewSource(cfg.DeepgramAPIKey, cfg.DeepgramVoice)
}

func (b *Bot) Start() error {
	// Open connection
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}

	log.Info().
		Str("llm_backend", b.config.LLMBackend).
		Str("stt_backend", b.config.STTBackend).
		Str("tts_backend", b.voice.Name()).
		Msg("Discord bot started")
	return nil
}

func (b *Bot) Stop() error {
	// Stop all active sessions and keep their conversations
	b.mutex.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*VoiceSession)
	b.mutex.Unlock()

	for _, session := range sessions {
		// A join still in progress finds its slot gone and stops itself.
		if session == nil {
			continue
		}
		history := session.Stop()
		if _, err := b.store.SaveConversation(session.ID, history); err != nil {
			log.Error().Err(err).Str("session_id", session.ID).Msg("Failed to save conversation")
		}
	}

	// Close Discord session
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("failed to close Discord session: %w", err)
	}

	if b.transcriber != nil {
		b.transcriber.Close()
	}
	if b.generator != nil {
		b.generator.Close()
	}

	log.Info().Msg("Discord bot stopped")
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	log.Info().
		Str("username", event.User.Username).
		Int("guilds", len(event.Guilds)).
		Msg("Bot is ready")
}

type command int

const (
	commandNone command = iota
	commandJoin
	commandLeave
	commandMute
	commandUnmute
	commandStatus
)

func parseCommand(content string) command {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return commandNone
	}
	switch strings.ToLower(fields[0]) {
	case "!join":
		return commandJoin
	case "!leave":
		return commandLeave
	case "!mute":
		return commandMute
	case "!unmute":
		return commandUnmute
	case "!status":
		return commandStatus
	default:
		return commandNone
	}
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore bot messages
	if m.Author == nil || m.Author.Bot {
		return
	}

	switch parseCommand(m.Content) {
	case commandJoin:
		b.handleJoin(s, m)
	case commandLeave:
		b.handleLeave(s, m)
	case commandMute:
		b.handleMute(s, m, true)
	case commandUnmute:
		b.handleMute(s, m, false)
	case commandStatus:
		b.handleStatus(s, m)
	}
}

func (b *Bot) handleJoin(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Find user's voice channel
	guild, err := s.State.Guild(m.GuildID)
	if err != nil {
		b.sendError(s, m.ChannelID, "Failed to get guild information")
		return
	}

	var voiceChannelID string
	for _, voiceState := range guild.VoiceStates {
		if voiceState.UserID == m.Author.ID {
			voiceChannelID = voiceState.ChannelID
			break
		}
	}

	if voiceChannelID == "" {
		b.sendError(s, m.ChannelID, "You need to be in a voice channel to use this command")
		return
	}

	if !b.reserveGuild(m.GuildID) {
		b.sendError(s, m.ChannelID, "Already in a conversation in this server")
		return
	}
	joined := false
	defer func() {
		if !joined {
			b.releaseGuild(m.GuildID)
		}
	}()

	// Create audio components
	decoder, err := audio.NewOpusDecoder()
	if err != nil {
		b.sendError(s, m.ChannelID, "Failed to create audio decoder")
		return
	}

	encoder, err := audio.NewOpusEncoder()
	if err != nil {
		b.sendError(s, m.ChannelID, "Failed to create audio encoder")
		return
	}

	vad, err := audio.NewWebRTCVAD(b.config.VADMode)
	if err != nil {
		b.sendError(s, m.ChannelID, "Failed to create voice activity detector")
		return
	}

	endpoint := audio.DefaultEndpointConfig()
	endpoint.Silence = b.config.VADSilence
	endpoint.MaxUtterance = b.config.VADMaxUtterance

	session := NewVoiceSession(SessionConfig{
		ID:            store.GenerateSessionID(),
		GuildID:       m.GuildID,
		ChannelID:     voiceChannelID,
		TextChannelID: m.ChannelID,
		UserID:        m.Author.ID,
		SystemPrompt:  b.config.LLMSystemPrompt,
		ThinkStart:    b.config.ThinkStartTag,
		ThinkEnd:      b.config.ThinkEndTag,
		SegmentChars:  b.config.SegmentMaxChars,
		Endpoint:      endpoint,
	},
		s,
		decoder,
		encoder,
		vad,
		stt.NewPool(b.transcriber, b.config.MaxParallelSTT, b.metrics),
		b.generator,
		b.voice,
		b.metrics,
	)

	// Start session
	if err := session.Start(); err != nil {
		vad.Close()
		b.sendError(s, m.ChannelID, fmt.Sprintf("Failed to start conversation: %v", err))
		return
	}

	if !b.attachSession(m.GuildID, session) {
		session.Stop()
		b.sendError(s, m.ChannelID, "Conversation was cancelled while joining")
		return
	}
	joined = true

	s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("🎙️ Listening to <@%s> in <#%s>. Use `!leave` to stop.", m.Author.ID, voiceChannelID))

	log.Info().
		Str("session_id", session.ID).
		Str("guild_id", m.GuildID).
		Str("channel_id", voiceChannelID).
		Str("user_id", m.Author.ID).
		Msg("Started voice conversation session")
}

func (b *Bot) handleLeave(s *discordgo.Session, m *discordgo.MessageCreate) {
	b.mutex.Lock()
	session, ok := b.sessions[m.GuildID]
	if session != nil {
		delete(b.sessions, m.GuildID)
	}
	b.mutex.Unlock()

	if !ok {
		b.sendError(s, m.ChannelID, "No active conversation in this server")
		return
	}
	if session == nil {
		b.sendError(s, m.ChannelID, "Still joining, try again in a moment")
		return
	}

	history := session.Stop()

	path, err := b.store.SaveConversation(session.ID, history)
	if err != nil {
		b.sendError(s, m.ChannelID, fmt.Sprintf("Failed to save conversation: %v", err))
		return
	}

	b.sendConversation(s, m.ChannelID, path, len(history))

	log.Info().
		Str("session_id", session.ID).
		Str("conversation_path", path).
		Int("messages", len(history)).
		Msg("Completed voice conversation session")
}

func (b *Bot) handleMute(s *discordgo.Session, m *discordgo.MessageCreate, muted bool) {
	session := b.guildSession(m.GuildID)
	if session == nil {
		b.sendError(s, m.ChannelID, "No active conversation in this server")
		return
	}

	session.SetMuted(muted)
	if muted {
		s.ChannelMessageSend(m.ChannelID, "🔇 Muted. Replies are still generated but not spoken.")
	} else {
		s.ChannelMessageSend(m.ChannelID, "🔊 Unmuted.")
	}
}

func (b *Bot) handleStatus(s *discordgo.Session, m *discordgo.MessageCreate) {
	session := b.guildSession(m.GuildID)
	if session == nil {
		s.ChannelMessageSend(m.ChannelID, "💤 Not in a conversation. Use `!join` to start one.")
		return
	}
	s.ChannelMessageSend(m.ChannelID, formatStatus(session.Snapshot()))
}

// guildSession returns the running session of a guild. A guild that is still
// joining has a nil entry.
func (b *Bot) guildSession(guildID string) *VoiceSession {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.sessions[guildID]
}

// reserveGuild claims the guild's slot for a join in progress.
func (b *Bot) reserveGuild(guildID string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if _, taken := b.sessions[guildID]; taken {
		return false
	}
	b.sessions[guildID] = nil
	return true
}

func (b *Bot) releaseGuild(guildID string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if session, ok := b.sessions[guildID]; ok && session == nil {
		delete(b.sessions, guildID)
	}
}

// attachSession fills a reserved slot. It fails if the reservation was
// dropped meanwhile, e.g. by Stop.
func (b *Bot) attachSession(guildID string, session *VoiceSession) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if current, ok := b.sessions[guildID]; !ok || current != nil {
		return false
	}
	b.sessions[guildID] = session
	return true
}

func (b *Bot) sendError(s *discordgo.Session, channelID, message string) {
	s.ChannelMessageSend(channelID, "❌ "+message)
	log.Warn().Str("channel_id", channelID).Str("error", message).Msg("Sent error message")
}

func (b *Bot) sendConversation(s *discordgo.Session, channelID, path string, messages int) {
	data, err := os.ReadFile(path)
	if err != nil {
		b.sendError(s, channelID, "Failed to read conversation file")
		return
	}

	_, err = s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: fmt.Sprintf("👋 Left the voice channel. Conversation log (%d messages):", messages),
		Files: []*discordgo.File{
			{
				Name:        "conversation.jsonl",
				ContentType: "application/jsonl",
				Reader:      strings.NewReader(string(data)),
			},
		},
	})

	if err != nil {
		b.sendError(s, channelID, "Failed to send conversation log")
	}
}
