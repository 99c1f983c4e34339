package tts_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

var testVoices = []types.VoiceProfile{
	{ID: "en_US-amy-medium", Name: "Amy", Language: "en-US"},
	{ID: "de_DE-thorsten", Name: "Thorsten", Language: "de-DE"},
	{ID: "en_GB-alan", Name: "Alan (British)", Language: "en-GB"},
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
	endErr error
}

func (r *hookRecorder) hooks() tts.Hooks {
	return tts.Hooks{
		OnStart: func() {
			r.mu.Lock()
			r.events = append(r.events, "start")
			r.mu.Unlock()
		},
		OnEnd: func(err error) {
			r.mu.Lock()
			r.events = append(r.events, "end")
			r.endErr = err
			r.mu.Unlock()
		},
	}
}

func (r *hookRecorder) snapshot() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), r.endErr
}

// ─── voice selection ─────────────────────────────────────────────────────────

func TestSelectVoice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		preferred []string
		language  string
		wantID    string
	}{
		{name: "first preference wins", preferred: []string{"thorsten", "amy"}, wantID: "de_DE-thorsten"},
		{name: "case-insensitive name match", preferred: []string{"BRITISH"}, wantID: "en_GB-alan"},
		{name: "skips missing preference", preferred: []string{"samantha", "alan"}, wantID: "en_GB-alan"},
		{name: "language fallback", preferred: []string{"samantha"}, language: "de", wantID: "de_DE-thorsten"},
		{name: "first available", preferred: []string{"samantha"}, wantID: "en_US-amy-medium"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := &ttsmock.Provider{ListVoicesResult: testVoices}
			s := tts.NewSynthesizer(p, &audiomock.Speaker{}, tts.SynthConfig{
				PreferredVoices: tc.preferred,
				Language:        tc.language,
				Rate:            1.25,
				Pitch:           2,
			})
			v, err := s.SelectVoice(context.Background())
			if err != nil {
				t.Fatalf("SelectVoice: %v", err)
			}
			if v.ID != tc.wantID {
				t.Errorf("voice = %q, want %q", v.ID, tc.wantID)
			}
			if v.SpeedFactor != 1.25 || v.PitchShift != 2 {
				t.Errorf("speed/pitch = %v/%v, want 1.25/2", v.SpeedFactor, v.PitchShift)
			}
		})
	}
}

func TestSelectVoice_CachedUntilConfigure(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{ListVoicesResult: testVoices}
	s := tts.NewSynthesizer(p, &audiomock.Speaker{}, tts.SynthConfig{PreferredVoices: []string{"amy"}})

	for range 3 {
		if _, err := s.SelectVoice(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if p.ListVoicesCalls != 1 {
		t.Errorf("ListVoices called %d times, want 1", p.ListVoicesCalls)
	}

	s.Configure(tts.SynthConfig{PreferredVoices: []string{"alan"}})
	v, err := s.SelectVoice(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.ID != "en_GB-alan" {
		t.Errorf("voice after Configure = %q, want en_GB-alan", v.ID)
	}
	if v.SpeedFactor != 1 {
		t.Errorf("default SpeedFactor = %v, want 1", v.SpeedFactor)
	}
}

func TestSelectVoice_NoVoices(t *testing.T) {
	t.Parallel()

	s := tts.NewSynthesizer(&ttsmock.Provider{}, &audiomock.Speaker{}, tts.SynthConfig{})
	if _, err := s.SelectVoice(context.Background()); !errors.Is(err, types.ErrCapabilityUnavailable) {
		t.Errorf("SelectVoice() = %v, want ErrCapabilityUnavailable", err)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       *ttsmock.Provider
		speaker *audiomock.Speaker
		wantErr bool
	}{
		{name: "ready", p: &ttsmock.Provider{ListVoicesResult: testVoices}, speaker: &audiomock.Speaker{}},
		{name: "engine down", p: &ttsmock.Provider{ProbeErr: types.Unavailable("tts:mock", nil)}, speaker: &audiomock.Speaker{}, wantErr: true},
		{name: "no speaker", p: &ttsmock.Provider{ListVoicesResult: testVoices}, speaker: &audiomock.Speaker{ProbeErr: types.Unavailable("speaker", nil)}, wantErr: true},
		{name: "no voices", p: &ttsmock.Provider{}, speaker: &audiomock.Speaker{}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tts.NewSynthesizer(tc.p, tc.speaker, tts.SynthConfig{}).Probe(context.Background())
			if (err != nil) != tc.wantErr {
				t.Errorf("Probe() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// ─── Speak ───────────────────────────────────────────────────────────────────

func TestSpeak(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{
		ListVoicesResult: testVoices,
		Chunks:           [][]byte{{0x10, 0x00}, {0x20, 0x00}},
	}
	speaker := &audiomock.Speaker{}
	s := tts.NewSynthesizer(p, speaker, tts.SynthConfig{Volume: 2})

	var rec hookRecorder
	if err := s.Speak(context.Background(), "Welcome to your interview.", rec.hooks()); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	events, endErr := rec.snapshot()
	if len(events) != 2 || events[0] != "start" || events[1] != "end" {
		t.Errorf("hook events = %v, want [start end]", events)
	}
	if endErr != nil {
		t.Errorf("OnEnd err = %v, want nil", endErr)
	}

	// Volume 2 doubles each sample.
	got := speaker.Written()
	want := []byte{0x20, 0x00, 0x40, 0x00}
	if string(got) != string(want) {
		t.Errorf("written = %v, want %v", got, want)
	}
	if speaker.Closes() != 1 {
		t.Errorf("playback closes = %d, want 1", speaker.Closes())
	}

	calls := p.Calls()
	if len(calls) != 1 || calls[0].Text != "Welcome to your interview." {
		t.Errorf("synthesized text = %+v", calls)
	}
}

func TestSpeak_StreamError(t *testing.T) {
	t.Parallel()

	boom := errors.New("vocoder crashed")
	p := &ttsmock.Provider{ListVoicesResult: testVoices, Chunks: [][]byte{{1, 0}}, StreamErr: boom}
	s := tts.NewSynthesizer(p, &audiomock.Speaker{}, tts.SynthConfig{})

	var rec hookRecorder
	err := s.Speak(context.Background(), "Hello.", rec.hooks())
	if !errors.Is(err, types.ErrSynthesis) || !errors.Is(err, boom) {
		t.Fatalf("Speak() = %v, want ErrSynthesis wrapping %v", err, boom)
	}
	events, endErr := rec.snapshot()
	if len(events) != 2 || !errors.Is(endErr, types.ErrSynthesis) {
		t.Errorf("events = %v endErr = %v, want [start end] with ErrSynthesis", events, endErr)
	}
}

func TestSpeak_SpeakerFailure(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{ListVoicesResult: testVoices, Chunks: [][]byte{{1, 0}}}
	s := tts.NewSynthesizer(p, &audiomock.Speaker{OpenErr: errors.New("device busy")}, tts.SynthConfig{})

	var rec hookRecorder
	err := s.Speak(context.Background(), "Hello.", rec.hooks())
	if !errors.Is(err, types.ErrSynthesis) {
		t.Fatalf("Speak() = %v, want ErrSynthesis", err)
	}
	events, endErr := rec.snapshot()
	if len(events) != 1 || events[0] != "end" || endErr == nil {
		t.Errorf("events = %v endErr = %v, want only a failed end", events, endErr)
	}
}

func TestSpeak_Cancelled(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{ListVoicesResult: testVoices, Chunks: [][]byte{{1, 0}}, Hold: make(chan struct{})}
	s := tts.NewSynthesizer(p, &audiomock.Speaker{}, tts.SynthConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	var rec hookRecorder
	done := make(chan error, 1)
	go func() { done <- s.Speak(ctx, "A long answer.", rec.hooks()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if events, _ := rec.snapshot(); len(events) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("speech never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Speak() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Speak did not return after cancel")
	}
	events, endErr := rec.snapshot()
	if len(events) != 2 || endErr != nil {
		t.Errorf("events = %v endErr = %v, want [start end] with nil", events, endErr)
	}
}
