package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	// defaultRMSThreshold is the energy level (in s16 units) below which a
	// chunk counts as silence. 300 is near-silence for 16-bit audio.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	// closeFlushTimeout bounds the inference of audio still buffered at Close.
	closeFlushTimeout = 30 * time.Second
)

var errSessionEnded = errors.New("whisper: session has ended")

// inferFunc transcribes one complete utterance of s16le PCM.
type inferFunc func(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (string, error)

// segmentConfig holds the energy-based segmentation parameters shared by both
// engines.
type segmentConfig struct {
	sampleRate          int
	channels            int
	language            string
	silenceThresholdMs  int
	maxBufferDurationMs int
	rmsThreshold        float64
	singleUtterance     bool
	noSpeechMs          int
}

func newSegmentConfig(cfg stt.StreamConfig, lang string, rate, silenceMs, maxMs int) segmentConfig {
	sc := segmentConfig{
		sampleRate:          rate,
		channels:            1,
		language:            lang,
		silenceThresholdMs:  silenceMs,
		maxBufferDurationMs: maxMs,
		rmsThreshold:        defaultRMSThreshold,
		singleUtterance:     cfg.SingleUtterance,
		noSpeechMs:          int(cfg.NoSpeechTimeout / time.Millisecond),
	}
	if cfg.Language != "" {
		sc.language = cfg.Language
	}
	if cfg.SampleRate > 0 {
		sc.sampleRate = cfg.SampleRate
	}
	if cfg.Channels > 0 {
		sc.channels = cfg.Channels
	}
	return sc
}

// session simulates streaming on top of a batch engine: it buffers audio,
// segments utterances on trailing silence and submits each one to infer. All
// buffer state is confined to the processLoop goroutine.
type session struct {
	cfg   segmentConfig
	infer inferFunc

	audioCh  chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript

	done  chan struct{}
	ended chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	errMu sync.Mutex
	err   error
}

var _ stt.SessionHandle = (*session)(nil)

func startSession(ctx context.Context, cfg segmentConfig, infer inferFunc) *session {
	s := &session{
		cfg:      cfg,
		infer:    infer,
		audioCh:  make(chan []byte, 256),
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		done:     make(chan struct{}),
		ended:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errSessionEnded
	case <-s.ended:
		return errSessionEnded
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errSessionEnded
	case <-s.ended:
		return errSessionEnded
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }

func (s *session) Finals() <-chan types.Transcript { return s.finals }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close flushes buffered speech for a last transcription, then closes the
// output channels.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) finish(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.ended)
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer        []byte
		hadSpeech     bool
		silenceMs     int
		quietMs       int // audio received since the last utterance without any speech
		elapsedMs     int
		utteranceFrom int
	)

	bytesPerMs := s.cfg.sampleRate * s.cfg.channels * 2 / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.cfg.maxBufferDurationMs * bytesPerMs

	reset := func() {
		buffer = nil
		hadSpeech = false
		silenceMs = 0
		quietMs = 0
	}

	// flush transcribes the buffered utterance. It reports whether the loop
	// should stop.
	flush := func(flushCtx context.Context, blocking bool) (stop bool) {
		if len(buffer) == 0 || !hadSpeech {
			reset()
			return false
		}
		pcm := buffer
		start := time.Duration(utteranceFrom) * time.Millisecond
		dur := time.Duration(len(pcm)/bytesPerMs) * time.Millisecond
		reset()

		text, err := s.infer(flushCtx, pcm, s.cfg.sampleRate, s.cfg.channels, s.cfg.language)
		if err != nil {
			if flushCtx.Err() != nil {
				s.finish(flushCtx.Err())
			} else {
				s.finish(fmt.Errorf("whisper: %w", err))
			}
			return true
		}
		text = strings.TrimSpace(text)
		if text == "" || isNonSpeech(text) {
			if s.cfg.singleUtterance {
				s.finish(fmt.Errorf("%w: no speech recognized", types.ErrRecognitionTransient))
				return true
			}
			return false
		}

		t := types.Transcript{Text: text, Timestamp: start, Duration: dur}
		final := t
		final.IsFinal = true
		if blocking {
			if !s.emit(flushCtx, s.partials, t) || !s.emit(flushCtx, s.finals, final) {
				return true
			}
		} else {
			// Close-time flush: the consumer may have stopped reading.
			select {
			case s.partials <- t:
			default:
			}
			select {
			case s.finals <- final:
			default:
				slog.Warn("whisper: dropping final transcript at close", "text", text)
			}
		}
		return s.cfg.singleUtterance
	}

	for {
		select {
		case <-ctx.Done():
			s.finish(ctx.Err())
			return

		case <-s.done:
			fc, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
			flush(fc, false)
			cancel()
			return

		case chunk := <-s.audioCh:
			chunkMs := len(chunk) / bytesPerMs
			elapsedMs += chunkMs

			if audio.RMS(chunk) < s.cfg.rmsThreshold {
				if !hadSpeech {
					quietMs += chunkMs
					if s.cfg.noSpeechMs > 0 && quietMs >= s.cfg.noSpeechMs {
						s.finish(fmt.Errorf("%w: no speech within %dms", types.ErrRecognitionTransient, s.cfg.noSpeechMs))
						return
					}
					continue
				}
				silenceMs += chunkMs
				buffer = append(buffer, chunk...)
				if silenceMs >= s.cfg.silenceThresholdMs && flush(ctx, true) {
					return
				}
				continue
			}

			if !hadSpeech {
				utteranceFrom = elapsedMs - chunkMs
			}
			hadSpeech = true
			silenceMs = 0
			buffer = append(buffer, chunk...)
			if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes && flush(ctx, true) {
				return
			}
		}
	}
}

func (s *session) emit(ctx context.Context, ch chan<- types.Transcript, t types.Transcript) bool {
	select {
	case ch <- t:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		s.finish(ctx.Err())
		return false
	}
}

// isNonSpeech reports whether text is a whisper annotation such as
// "[BLANK_AUDIO]" or "(wind blowing)" rather than recognized words.
func isNonSpeech(text string) bool {
	t := strings.TrimSpace(text)
	if len(t) < 2 {
		return false
	}
	return (t[0] == '[' && t[len(t)-1] == ']') || (t[0] == '(' && t[len(t)-1] == ')')
}
