// Package coqui provides a TTS engine backed by a locally running Coqui TTS
// server. It implements [tts.Provider].
//
// Two server APIs are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is GET /api/tts with query
//     parameters; voices come from GET /details.
//
//   - APIModeXTTS: the XTTS v2 API server. Synthesis is POST /tts_to_audio/
//     with a JSON body; voices come from GET /studio_speakers.
//
// Both servers answer one WAV file per request, so SynthesizeStream splits the
// incoming text into sentences and keeps a few requests in flight to hide
// latency while preserving sentence order. Every WAV is converted to the
// provider's output format (mono, 22050 Hz unless configured otherwise).
//
//	p, _ := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	stream, err := p.SynthesizeStream(ctx, textCh, voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage   = "en"
	defaultTimeout    = 30 * time.Second
	defaultOutputRate = 22050

	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	// sentenceLookahead is how many synthesis requests may be in flight.
	sentenceLookahead = 4

	audioChanBuf = 256
	pcmChunkSize = 4096
)

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	APIModeXTTS     APIMode = "xtts"
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode selects the server API. Defaults to [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputSampleRate sets the sample rate of emitted PCM. Defaults to 22050.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.outputRate = rate
		}
	}
}

// Provider implements [tts.Provider] against a Coqui TTS server.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int
}

// New creates a Provider for the server at serverURL (e.g.
// "http://localhost:5002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		apiMode:    APIModeStandard,
		outputRate: defaultOutputRate,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format implements [tts.Provider].
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.outputRate, Channels: 1}
}

// Probe checks that the server answers its voice catalogue endpoint.
func (p *Provider) Probe(ctx context.Context) error {
	if _, err := p.ListVoices(ctx); err != nil {
		return types.Unavailable("tts:coqui", err)
	}
	return nil
}

type ttsRequest struct {
	Text       string  `json:"text"`
	SpeakerWav string  `json:"speaker_wav"`
	Language   string  `json:"language"`
	Speed      float64 `json:"speed,omitempty"`
}

type audioResult struct {
	pcm []byte
	err error
}

// SynthesizeStream implements [tts.Provider]. The stream ends with an error on
// the first failed sentence.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (tts.Stream, error) {
	if voice.ID == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice.ID must not be empty (required for XTTS mode)")
	}

	out := tts.NewPipe(audioChanBuf)
	sentences := tts.Sentences(ctx, text)

	// Dispatcher: one request per sentence, results queued in order.
	queue := make(chan chan audioResult, sentenceLookahead)
	go func() {
		defer close(queue)
		for sentence := range sentences {
			ch := make(chan audioResult, 1)
			select {
			case queue <- ch:
			case <-ctx.Done():
				return
			}
			go func(s string) {
				pcm, err := p.synthesize(ctx, s, voice)
				ch <- audioResult{pcm: pcm, err: err}
			}(sentence)
		}
	}()

	// Collector: emits PCM in sentence order.
	go func() {
		for ch := range queue {
			var res audioResult
			select {
			case res = <-ch:
			case <-ctx.Done():
				out.Close(nil)
				return
			}
			if res.err != nil {
				if ctx.Err() != nil {
					out.Close(nil)
				} else {
					out.Close(res.err)
				}
				// Let the dispatcher finish so its goroutines exit.
				go func() {
					for range queue {
					}
				}()
				return
			}
			for pcm := res.pcm; len(pcm) > 0; {
				n := min(pcmChunkSize, len(pcm))
				if !out.Send(ctx, pcm[:n]) {
					out.Close(nil)
					return
				}
				pcm = pcm[n:]
			}
		}
		out.Close(nil)
	}()

	return out, nil
}

func (p *Provider) synthesize(ctx context.Context, sentence string, voice types.VoiceProfile) ([]byte, error) {
	var req *http.Request
	var err error
	if p.apiMode == APIModeStandard {
		params := url.Values{}
		params.Set("text", sentence)
		if voice.ID != "" {
			params.Set("speaker_id", voice.ID)
		}
		if p.language != "" {
			params.Set("language_id", p.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	} else {
		body, merr := json.Marshal(ttsRequest{
			Text:       sentence,
			SpeakerWav: voice.ID,
			Language:   p.language,
			Speed:      voice.SpeedFactor,
		})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}

	pcm := wav[info.DataOffset:]
	if info.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	return audio.Resample16(pcm, 1, info.SampleRate, p.outputRate), nil
}

type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ListVoices implements [tts.Provider]. Standard mode returns one voice per
// speaker of a multi-speaker model, or a single voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if p.apiMode == APIModeXTTS {
		var raw map[string]json.RawMessage
		if err := p.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(raw))
		for name := range raw {
			names = append(names, name)
		}
		return p.profiles(names, map[string]string{"type": "studio"}), nil
	}

	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	if len(details.Speakers) > 0 {
		return p.profiles(details.Speakers, map[string]string{"type": "speaker", "model_name": details.ModelName}), nil
	}
	name := details.ModelName
	if name == "" {
		name = "default"
	}
	return p.profiles([]string{name}, map[string]string{"type": "single-speaker", "model_name": name}), nil
}

// profiles maps sorted speaker names to voice profiles sharing meta.
func (p *Provider) profiles(names []string, meta map[string]string) []types.VoiceProfile {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	out := make([]types.VoiceProfile, 0, len(sorted))
	for _, n := range sorted {
		md := make(map[string]string, len(meta))
		for k, v := range meta {
			md[k] = v
		}
		out = append(out, types.VoiceProfile{ID: n, Name: n, Provider: "coqui", Language: p.language, Metadata: md})
	}
	return out
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", endpoint, err)
	}
	return nil
}

type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks of wav and returns the data offset and the
// format from the "fmt " chunk.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: response is not a RIFF/WAVE file")
	}

	info := wavInfo{SampleRate: defaultOutputRate, Channels: 1}
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		switch id {
		case "fmt ":
			if size >= 16 && off+8+16 <= len(wav) {
				f := wav[off+8:]
				info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			}
		case "data":
			info.DataOffset = off + 8
			return info, nil
		}
		off += 8 + size + size%2
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
