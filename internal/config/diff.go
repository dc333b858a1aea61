package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PolicyChanged is true when the session or relay sections differ. The
	// new policy applies to sessions created afterwards.
	PolicyChanged bool

	// RestartRequired lists changed fields that only take effect after a
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session || old.Relay != new.Relay {
		d.PolicyChanged = true
	}

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("discord", old.Discord != new.Discord)
	restart("backend.gateway_url", old.Backend.GatewayURL != new.Backend.GatewayURL)
	restart("backend.fallback_urls", !slices.Equal(old.Backend.FallbackURLs, new.Backend.FallbackURLs))
	restart("backend.device_name", old.Backend.DeviceName != new.Backend.DeviceName)
	restart("accounts", old.Accounts.DatabaseURL != new.Accounts.DatabaseURL ||
		!slices.Equal(old.Accounts.Links, new.Accounts.Links))
	restart("stats", old.Stats != new.Stats)

	return d
}
