package whisper_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/types"
)

// testModelPath reads WHISPER_MODEL_PATH and skips the test when unset.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_IsCapabilityError(t *testing.T) {
	t.Parallel()
	_, err := whisper.NewNative("/nonexistent/path/to/model.bin")
	if !errors.Is(err, types.ErrCapabilityUnavailable) {
		t.Fatalf("NewNative error = %v, want ErrCapabilityUnavailable", err)
	}
}

func TestNativeSilenceThenClose(t *testing.T) {
	p, err := whisper.NewNative(testModelPath(t), whisper.WithNativeSilenceThresholdMs(100))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	h, err := p.StartStream(context.Background(), cfg16k)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	_ = h.SendAudio(makeSilencePCM(16000))
	time.Sleep(100 * time.Millisecond)
	_ = h.Close()
	for tr := range h.Finals() {
		t.Errorf("unexpected final %q for silence", tr.Text)
	}
}
