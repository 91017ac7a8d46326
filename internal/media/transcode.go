// Package media prepares inbound platform media for the LLM provider.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrConversionFailed wraps any ffmpeg failure. Prepare never returns it; it
// falls back to the original bytes instead.
var ErrConversionFailed = errors.New("media conversion failed")

// voiceNoteTypes are the audio containers the provider does not accept as-is.
var voiceNoteTypes = map[string]bool{
	"audio/ogg":  true,
	"audio/opus": true,
	"audio/amr":  true,
	"audio/webm": true,
	"audio/3gpp": true,
}

// Transcoder converts voice notes to MP3 with an ffmpeg subprocess.
type Transcoder struct {
	ffmpegPath string
	timeout    time.Duration
	run        func(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error)
}

// NewTranscoder creates a Transcoder. An empty path disables conversion.
func NewTranscoder(ffmpegPath string) *Transcoder {
	return &Transcoder{ffmpegPath: ffmpegPath, timeout: 30 * time.Second, run: runCommand}
}

// NeedsConversion reports whether mimeType is a voice-note container.
func NeedsConversion(mimeType string) bool {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")
	return voiceNoteTypes[strings.TrimSpace(base)]
}

// Prepare returns data in a provider-compatible format. Anything that is not
// a voice note, or that fails to convert, is returned unchanged.
func (t *Transcoder) Prepare(ctx context.Context, data []byte, mimeType string) ([]byte, string) {
	if t == nil || t.ffmpegPath == "" || len(data) == 0 || !NeedsConversion(mimeType) {
		return data, mimeType
	}
	out, err := t.toMP3(ctx, data)
	if err != nil {
		log.Warn().Err(err).Str("mime", mimeType).Int("bytes", len(data)).
			Msg("Voice note conversion failed, forwarding original")
		return data, mimeType
	}
	log.Debug().Str("from", mimeType).Int("in", len(data)).Int("out", len(out)).Msg("Voice note converted")
	return out, "audio/mpeg"
}

func (t *Transcoder) toMP3(ctx context.Context, data []byte) ([]byte, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0", "-vn", "-f", "mp3", "-ac", "1", "pipe:1"}
	out, err := t.run(ctx, t.ffmpegPath, args, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrConversionFailed)
	}
	return out, nil
}

func runCommand(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}
