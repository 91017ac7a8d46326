package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsConversion(t *testing.T) {
	cases := map[string]bool{
		"audio/ogg":              true,
		"audio/ogg; codecs=opus": true,
		"AUDIO/AMR":              true,
		"audio/mpeg":             false,
		"image/jpeg":             false,
		"":                       false,
	}
	for mt, want := range cases {
		if got := NeedsConversion(mt); got != want {
			t.Errorf("NeedsConversion(%q) = %v, want %v", mt, got, want)
		}
	}
}

func TestPrepare_ConvertsVoiceNote(t *testing.T) {
	tr := NewTranscoder("ffmpeg")
	var gotArgs []string
	tr.run = func(_ context.Context, name string, args []string, stdin []byte) ([]byte, error) {
		gotArgs = args
		assert.Equal(t, "ffmpeg", name)
		assert.Equal(t, []byte("OggS"), stdin)
		return []byte("ID3mp3"), nil
	}

	data, mt := tr.Prepare(context.Background(), []byte("OggS"), "audio/ogg; codecs=opus")
	assert.Equal(t, []byte("ID3mp3"), data)
	assert.Equal(t, "audio/mpeg", mt)
	assert.Contains(t, gotArgs, "mp3")
}

func TestPrepare_FallsBackOnFailure(t *testing.T) {
	tr := NewTranscoder("ffmpeg")
	tr.run = func(context.Context, string, []string, []byte) ([]byte, error) {
		return nil, errors.New("exec: \"ffmpeg\": executable file not found")
	}

	data, mt := tr.Prepare(context.Background(), []byte("OggS"), "audio/ogg")
	assert.Equal(t, []byte("OggS"), data)
	assert.Equal(t, "audio/ogg", mt)
}

func TestPrepare_PassThrough(t *testing.T) {
	tr := NewTranscoder("ffmpeg")
	tr.run = func(context.Context, string, []string, []byte) ([]byte, error) {
		t.Fatal("ffmpeg must not run for non voice-note media")
		return nil, nil
	}
	data, mt := tr.Prepare(context.Background(), []byte{0xff, 0xd8}, "image/jpeg")
	assert.Equal(t, []byte{0xff, 0xd8}, data)
	assert.Equal(t, "image/jpeg", mt)

	// Disabled transcoder.
	data, mt = NewTranscoder("").Prepare(context.Background(), []byte("OggS"), "audio/ogg")
	assert.Equal(t, "audio/ogg", mt)
	assert.Equal(t, []byte("OggS"), data)
}

func TestFetcher_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/typed":
			w.Header().Set("Content-Type", "image/png; charset=binary")
			w.Write([]byte("png-bytes"))
		case "/sniff":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write([]byte("%PDF-1.4 hello"))
		case "/big":
			w.Write([]byte(strings.Repeat("x", 64)))
		}
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), 32, time.Second)
	hdr := map[string]string{"Authorization": "Bearer tok"}

	data, mt, err := f.Get(context.Background(), srv.URL+"/typed", hdr)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
	assert.Equal(t, "image/png", mt)

	_, mt, err = f.Get(context.Background(), srv.URL+"/sniff", hdr)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", mt)

	_, _, err = f.Get(context.Background(), srv.URL+"/big", hdr)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, _, err = f.Get(context.Background(), srv.URL+"/typed", nil)
	assert.ErrorContains(t, err, "http 401")
}
