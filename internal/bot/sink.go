package bot

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// discordSink feeds opus packets to a voice connection. discordgo paces
// OpusSend at one frame per 20ms, so Send blocks at playback speed.
type discordSink struct {
	vc     *discordgo.VoiceConnection
	logger zerolog.Logger
}

func (s *discordSink) Send(ctx context.Context, packet []byte) error {
	select {
	case s.vc.OpusSend <- packet:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *discordSink) SetSpeaking(speaking bool) {
	if err := s.vc.Speaking(speaking); err != nil {
		s.logger.Debug().Err(err).Bool("speaking", speaking).Msg("Failed to update speaking state")
	}
}
