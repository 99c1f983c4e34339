package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

// chain builds a group of named string engines sharing one breaker config.
func chain(cb CircuitBreakerConfig, names ...string) *FallbackGroup[string] {
	fg := NewFallbackGroup(names[0], names[0], FallbackConfig{CircuitBreaker: cb})
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestExecuteWithResult(t *testing.T) {
	t.Parallel()

	errNative := errors.New("model not loaded")
	errServer := errors.New("connection refused")

	tests := []struct {
		name      string
		failing   map[string]error
		want      string
		wantTried []string
		wantErrs  []error
	}{
		{
			name:      "primary serves",
			want:      "whisper-native",
			wantTried: []string{"whisper-native"},
		},
		{
			name:      "fails over in order",
			failing:   map[string]error{"whisper-native": errNative},
			want:      "whisper",
			wantTried: []string{"whisper-native", "whisper"},
		},
		{
			name:      "all fail",
			failing:   map[string]error{"whisper-native": errNative, "whisper": errServer},
			wantTried: []string{"whisper-native", "whisper"},
			wantErrs:  []error{ErrAllFailed, errNative, errServer},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fg := chain(CircuitBreakerConfig{MaxFailures: 3}, "whisper-native", "whisper")

			var tried []string
			got, err := ExecuteWithResult(fg, func(v string) (string, error) {
				tried = append(tried, v)
				if err := tc.failing[v]; err != nil {
					return "", err
				}
				return v, nil
			})
			if !slices.Equal(tried, tc.wantTried) {
				t.Errorf("tried = %v, want %v", tried, tc.wantTried)
			}
			if len(tc.wantErrs) == 0 {
				if err != nil {
					t.Fatalf("ExecuteWithResult: %v", err)
				}
				if got != tc.want {
					t.Errorf("result = %q, want %q", got, tc.want)
				}
				return
			}
			for _, want := range tc.wantErrs {
				if !errors.Is(err, want) {
					t.Errorf("err = %v, want it to wrap %v", err, want)
				}
			}
		})
	}
}

func TestExecuteWithResult_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := chain(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}, "piper", "coqui")

	primaryDown := func(v string) (string, error) {
		if v == "piper" {
			return "", errTest
		}
		return v, nil
	}
	for range 2 {
		if _, err := ExecuteWithResult(fg, primaryDown); err != nil {
			t.Fatalf("warm-up call: %v", err)
		}
	}

	var tried []string
	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		tried = append(tried, v)
		return v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "coqui" || !slices.Equal(tried, []string{"coqui"}) {
		t.Errorf("result = %q after trying %v, want coqui only", got, tried)
	}
}

func TestExecuteWithResult_CancellationStopsChain(t *testing.T) {
	t.Parallel()
	fg := chain(CircuitBreakerConfig{}, "ollama", "openai")

	var tried []string
	_, err := ExecuteWithResult(fg, func(v string) (int, error) {
		tried = append(tried, v)
		return 0, context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, want only the primary", tried)
	}
}

func TestFallbackGroup_Primary(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(1, "whisper-native", FallbackConfig{})
	fg.AddFallback("whisper", 2)
	if fg.Primary() != 1 {
		t.Errorf("Primary = %d, want 1", fg.Primary())
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	t.Run("first healthy engine wins", func(t *testing.T) {
		fg := chain(CircuitBreakerConfig{}, "piper", "coqui")
		var probed []string
		err := Probe(context.Background(), fg, func(_ context.Context, v string) error {
			probed = append(probed, v)
			if v == "piper" {
				return errTest
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Probe: %v", err)
		}
		if !slices.Equal(probed, []string{"piper", "coqui"}) {
			t.Errorf("probed = %v", probed)
		}
	})

	t.Run("open breakers are skipped", func(t *testing.T) {
		fg := chain(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}, "piper", "coqui")
		_, _ = ExecuteWithResult(fg, func(v string) (string, error) {
			if v == "piper" {
				return "", errTest
			}
			return v, nil
		})

		var probed []string
		err := Probe(context.Background(), fg, func(_ context.Context, v string) error {
			probed = append(probed, v)
			return errTest
		})
		if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, errTest) {
			t.Errorf("Probe = %v, want both the open circuit and the probe failure", err)
		}
		if !slices.Equal(probed, []string{"coqui"}) {
			t.Errorf("probed = %v, want only coqui", probed)
		}
	})
}
