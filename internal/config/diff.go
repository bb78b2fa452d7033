package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TuningChanged is set when any threshold changed. Running sessions keep
	// their values; the next session and the learner's promotion rules pick
	// up NewTuning.
	TuningChanged bool
	NewTuning     TuningConfig

	// LessonsChanged is set when the course catalog changed.
	LessonsChanged bool

	// RestartRequired lists sections that changed but only take effect after
	// a restart (server address, providers, store, learner id).
	RestartRequired []string
}

// Empty reports whether nothing hot-reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TuningChanged && !d.LessonsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Tuning != new.Tuning {
		d.TuningChanged = true
		d.NewTuning = new.Tuning
	}

	if !reflect.DeepEqual(old.Catalog(), new.Catalog()) {
		d.LessonsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if old.Learner != new.Learner {
		d.RestartRequired = append(d.RestartRequired, "learner")
	}

	return d
}
