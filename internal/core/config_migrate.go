package core

import "fmt"

// CurrentConfigVersion is the latest config schema version.
const CurrentConfigVersion = 2

// configMigration defines a single config migration step.
type configMigration struct {
	FromVersion int
	Migrate     func(raw map[string]interface{}) error
}

// configMigrations is the ordered list of all migrations.
// Each migration transforms raw YAML map from FromVersion to FromVersion+1.
var configMigrations = []configMigration{
	{FromVersion: 0, Migrate: migrateV0toV1},
	{FromVersion: 1, Migrate: migrateV1toV2},
}

// MigrateConfig applies all pending migrations to a raw YAML config map.
// Returns the final version number and whether any migration was applied.
func MigrateConfig(raw map[string]interface{}) (version int, migrated bool, err error) {
	// Extract current version (0 if missing, pre-versioned config).
	switch v := raw["version"].(type) {
	case int:
		version = v
	case float64:
		version = int(v)
	default:
		version = 0
	}

	startVersion := version
	for _, m := range configMigrations {
		if m.FromVersion == version {
			if err := m.Migrate(raw); err != nil {
				return version, version != startVersion,
					fmt.Errorf("migration v%d→v%d failed: %w", m.FromVersion, m.FromVersion+1, err)
			}
			version++
			raw["version"] = version
		}
	}
	return version, version != startVersion, nil
}

// flatProxyKeys are the top-level keys of the pre-versioned layout that
// belong to the proxy section.
var flatProxyKeys = []string{"host", "port", "username", "password"}

// migrateV0toV1 moves flat host/port/username/password keys into proxy.
func migrateV0toV1(raw map[string]interface{}) error {
	proxy, _ := raw["proxy"].(map[string]interface{})
	for _, k := range flatProxyKeys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if proxy == nil {
			proxy = make(map[string]interface{})
		}
		if _, exists := proxy[k]; !exists {
			proxy[k] = v
		}
		delete(raw, k)
	}
	if proxy != nil {
		raw["proxy"] = proxy
	}
	return nil
}

// migrateV1toV2 moves allowed_apps and app_selective_mode into tunnel.
func migrateV1toV2(raw map[string]interface{}) error {
	apps, hasApps := raw["allowed_apps"]
	sel, hasSel := raw["app_selective_mode"]
	if !hasApps && !hasSel {
		return nil
	}
	tunnel, _ := raw["tunnel"].(map[string]interface{})
	if tunnel == nil {
		tunnel = make(map[string]interface{})
	}
	if hasApps {
		if _, exists := tunnel["allowed_apps"]; !exists {
			tunnel["allowed_apps"] = apps
		}
		delete(raw, "allowed_apps")
	}
	if hasSel {
		if _, exists := tunnel["selective_mode"]; !exists {
			tunnel["selective_mode"] = sel
		}
		delete(raw, "app_selective_mode")
	}
	raw["tunnel"] = tunnel
	return nil
}
