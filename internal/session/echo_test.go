package session

import "testing"

func TestEchoFilter_Check(t *testing.T) {
	t.Parallel()

	lastQuestion := "What was the biggest challenge at your last job?"

	tests := []struct {
		name   string
		cfg    EchoConfig
		text   string
		recent []string
		want   EchoReason
	}{
		{
			name: "genuine answer",
			cfg:  DefaultEchoConfig(),
			text: "I rebuilt our deployment pipeline from scratch",
			want: EchoAccepted,
		},
		{
			name: "opening line heard back",
			cfg:  DefaultEchoConfig(),
			text: "Hello, welcome to your interview!",
			want: EchoRiskPhrase,
		},
		{
			name: "fragment of a risk phrase",
			cfg:  DefaultEchoConfig(),
			text: "Move on to the next question",
			want: EchoRiskPhrase,
		},
		{
			name:   "assistant question repeated",
			cfg:    DefaultEchoConfig(),
			text:   "what was the biggest challenge at your last job",
			recent: []string{lastQuestion},
			want:   EchoSelfReference,
		},
		{
			name:   "assistant question misrecognized",
			cfg:    DefaultEchoConfig(),
			text:   "what was the biggest challange at your last jobs",
			recent: []string{lastQuestion},
			want:   EchoSelfReference,
		},
		{
			name:   "self reference disabled",
			cfg:    EchoConfig{},
			text:   "what was the biggest challenge at your last job",
			recent: []string{lastQuestion},
			want:   EchoAccepted,
		},
		{
			name: "only recent assistant turns count",
			cfg:  DefaultEchoConfig(),
			text: "what was the biggest challenge at your last job",
			recent: []string{
				lastQuestion,
				"How large was your team?",
				"Which languages do you use most?",
				"Why are you leaving?",
			},
			want: EchoAccepted,
		},
		{
			name: "repetitive words",
			cfg:  DefaultEchoConfig(),
			text: "yes yes yes yes yes yes",
			want: EchoRepetition,
		},
		{
			name: "five repeated words are below the ratio check",
			cfg:  EchoConfig{MinChars: 1},
			text: "no no no no no",
			want: EchoAccepted,
		},
		{
			name: "nine characters",
			cfg:  DefaultEchoConfig(),
			text: "I am good",
			want: EchoTooShort,
		},
		{
			name: "ten characters",
			cfg:  DefaultEchoConfig(),
			text: "I am great",
			want: EchoAccepted,
		},
		{
			name: "length counts runes not bytes",
			cfg:  DefaultEchoConfig(),
			text: "ändere es",
			want: EchoTooShort,
		},
		{
			name: "surrounding whitespace ignored for length",
			cfg:  DefaultEchoConfig(),
			text: "   I am good   ",
			want: EchoTooShort,
		},
		{
			name: "punctuation does not count toward length",
			cfg:  DefaultEchoConfig(),
			text: "ok, ok, ok",
			want: EchoTooShort,
		},
		{
			name: "only punctuation",
			cfg:  DefaultEchoConfig(),
			text: "..........",
			want: EchoTooShort,
		},
		{
			name: "only punctuation below any minimum",
			cfg:  EchoConfig{MinChars: 1},
			text: "?!",
			want: EchoTooShort,
		},
		{
			name: "ten characters once punctuation is stripped",
			cfg:  DefaultEchoConfig(),
			text: "I am great!!!",
			want: EchoAccepted,
		},
		{
			name: "nine characters padded with punctuation",
			cfg:  DefaultEchoConfig(),
			text: "I am good...",
			want: EchoTooShort,
		},
		{
			name: "custom risk phrase",
			cfg:  EchoConfig{RiskPhrases: []string{"Great, thanks!"}},
			text: "great thanks for asking me that",
			want: EchoRiskPhrase,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := NewEchoFilter(tt.cfg)
			if got := f.Check(tt.text, tt.recent); got != tt.want {
				t.Errorf("Check(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestEchoFilter_Defaults(t *testing.T) {
	t.Parallel()

	cfg := NewEchoFilter(EchoConfig{}).Config()
	if cfg.MinChars != 10 {
		t.Errorf("MinChars = %d, want 10", cfg.MinChars)
	}
	if cfg.RatioMinWords != 5 {
		t.Errorf("RatioMinWords = %d, want 5", cfg.RatioMinWords)
	}
	if cfg.MinTypeTokenRatio != 0.6 {
		t.Errorf("MinTypeTokenRatio = %v, want 0.6", cfg.MinTypeTokenRatio)
	}
	if cfg.RecentAssistant != 3 {
		t.Errorf("RecentAssistant = %d, want 3", cfg.RecentAssistant)
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Hello, World!", "hello world"},
		{"  let's   get\tstarted ", "lets get started"},
		{"...", ""},
		{"Version 2.0", "version 20"},
	}
	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
