package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// EchoChanged is set when any echo filter setting changed. The live
	// session picks up the new filter immediately.
	EchoChanged bool

	// VoiceChanged is set when the fallback voice changed. It applies from
	// the next utterance.
	VoiceChanged bool

	// TurnChanged is set when the turn defaults changed. They apply to the
	// next session.
	TurnChanged bool

	// RestartRequired lists top-level sections that changed but cannot be
	// applied without a restart.
	RestartRequired []string
}

// Changed reports whether d carries any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.EchoChanged || d.VoiceChanged || d.TurnChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.EchoChanged = !echoEqual(old.Echo, new.Echo)
	d.VoiceChanged = !voiceEqual(old.Fallback.Voice, new.Fallback.Voice)
	d.TurnChanged = old.Turn != new.Turn

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Descriptor != new.Descriptor {
		d.RestartRequired = append(d.RestartRequired, "descriptor")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if !reflect.DeepEqual(old.Remote, new.Remote) {
		d.RestartRequired = append(d.RestartRequired, "remote")
	}
	oldFallback, newFallback := old.Fallback, new.Fallback
	oldFallback.Voice, newFallback.Voice = VoiceConfig{}, VoiceConfig{}
	if !reflect.DeepEqual(oldFallback, newFallback) {
		d.RestartRequired = append(d.RestartRequired, "fallback")
	}

	return d
}

func echoEqual(a, b EchoConfig) bool {
	return slices.Equal(a.RiskPhrases, b.RiskPhrases) &&
		slices.Equal(a.ExtraRiskPhrases, b.ExtraRiskPhrases) &&
		a.MinChars == b.MinChars &&
		a.MinTypeTokenRatio == b.MinTypeTokenRatio &&
		boolPtrEqual(a.SelfReference, b.SelfReference) &&
		a.RecentAssistant == b.RecentAssistant &&
		a.SimilarityThreshold == b.SimilarityThreshold
}

func voiceEqual(a, b VoiceConfig) bool {
	return slices.Equal(a.Preferred, b.Preferred) &&
		a.Rate == b.Rate && a.Pitch == b.Pitch && a.Volume == b.Volume
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
