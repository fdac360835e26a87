package stream

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestFFmpegRunner_Args(t *testing.T) {
	r := NewFFmpegRunner("ffmpeg", nil, testLogger())

	t.Run("copy_profile", func(t *testing.T) {
		args, err := r.Args(InputSpec{Source: "rtp://239.0.0.1:5000", Profile: "copy"})
		if err != nil {
			t.Fatal(err)
		}
		got := strings.Join(args, " ")
		want := "-hide_banner -loglevel error -i rtp://239.0.0.1:5000 -c:v copy -c:a copy -f mpegts pipe:1"
		if got != want {
			t.Errorf("args = %q, want %q", got, want)
		}
	})

	t.Run("scaled_profile", func(t *testing.T) {
		args, err := r.Args(InputSpec{Source: "http://src/stream", Profile: "720p"})
		if err != nil {
			t.Fatal(err)
		}
		joined := strings.Join(args, " ")
		for _, frag := range []string{"scale=-2:720", "libx264", "-f mpegts pipe:1"} {
			if !strings.Contains(joined, frag) {
				t.Errorf("args missing %q: %q", frag, joined)
			}
		}
	})

	t.Run("unknown_profile", func(t *testing.T) {
		if _, err := r.Args(InputSpec{Source: "x", Profile: "8k"}); err == nil {
			t.Error("expected error for unknown profile")
		}
	})
}

func TestFFmpegRunner_Start_missing_binary(t *testing.T) {
	r := NewFFmpegRunner("/nonexistent/path/to/ffmpeg", nil, testLogger())
	if _, err := r.Start(InputSpec{Source: "rtp://x", Profile: "copy"}); err == nil {
		t.Fatal("expected spawn error for a missing binary")
	}
}

func TestDefaultProfiles(t *testing.T) {
	profiles := DefaultProfiles()
	for _, name := range []string{"copy", "720p", "480p"} {
		if _, ok := profiles[name]; !ok {
			t.Errorf("missing built-in profile %q", name)
		}
	}
}

func TestLineLogger_splits_lines(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	w := &lineLogger{log: log, source: "rtp://x"}

	n, err := w.Write([]byte("first line\nsecond line\n\npartial"))
	if err != nil || n != len("first line\nsecond line\n\npartial") {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	out := buf.String()
	for _, want := range []string{"first line", "second line", "partial"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
