package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// ErrEmptyText is returned when asked to speak nothing.
var ErrEmptyText = errors.New("speech: empty text")

// ESpeakConfig configures the espeak-ng | aplay renderer.
type ESpeakConfig struct {
	Binary string // espeak-ng executable (default: "espeak-ng")
	Player string // audio player fed from espeak stdout (default: "aplay")
	Rate   int    // words per minute (default: 160)
	Voice  string // espeak voice (default: "en")
	Device string // optional aplay -D device
}

// ESpeak renders text with espeak-ng and plays the WAV stream through aplay.
// The two processes are joined by a pipe; no shell is involved.
type ESpeak struct {
	cfg ESpeakConfig
}

// NewESpeak creates a renderer with defaults applied.
func NewESpeak(cfg ESpeakConfig) *ESpeak {
	if cfg.Binary == "" {
		cfg.Binary = "espeak-ng"
	}
	if cfg.Player == "" {
		cfg.Player = "aplay"
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 160
	}
	if cfg.Voice == "" {
		cfg.Voice = "en"
	}
	return &ESpeak{cfg: cfg}
}

// Args returns the synthesizer and player argument lists for text.
func (e *ESpeak) Args(text string) (synth []string, player []string) {
	synth = []string{"-s", strconv.Itoa(e.cfg.Rate), "-v", e.cfg.Voice, "--stdout", text}
	player = []string{"-q"}
	if e.cfg.Device != "" {
		player = append(player, "-D", e.cfg.Device)
	}
	return synth, player
}

// Speak blocks until playback finishes or ctx is cancelled.
func (e *ESpeak) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	synthArgs, playerArgs := e.Args(text)
	synth := exec.CommandContext(ctx, e.cfg.Binary, synthArgs...)
	player := exec.CommandContext(ctx, e.cfg.Player, playerArgs...)

	pipe, err := synth.StdoutPipe()
	if err != nil {
		return fmt.Errorf("speech: stdout pipe: %w", err)
	}
	player.Stdin = pipe

	var synthErr, playerErr bytes.Buffer
	synth.Stderr = &synthErr
	player.Stderr = &playerErr

	if err := player.Start(); err != nil {
		return fmt.Errorf("speech: start %s: %w", e.cfg.Player, err)
	}
	if err := synth.Start(); err != nil {
		player.Process.Kill()
		player.Wait()
		return fmt.Errorf("speech: start %s: %w", e.cfg.Binary, err)
	}

	// aplay holds its own copy of the pipe, so closing ours in Wait is safe
	serr := synth.Wait()
	perr := player.Wait()

	if serr != nil {
		return fmt.Errorf("speech: %s: %w: %s", e.cfg.Binary, serr, strings.TrimSpace(synthErr.String()))
	}
	if perr != nil {
		return fmt.Errorf("speech: %s: %w: %s", e.cfg.Player, perr, strings.TrimSpace(playerErr.String()))
	}

	slog.Debug("speech rendered", "engine", e.cfg.Binary, "chars", len(text))
	return nil
}
