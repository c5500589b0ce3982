package storage

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// parseAndMigrate decodes raw file bytes into the current schema,
// running the v1 -> v2 -> v3 migration chain unconditionally. Unknown
// versions yield an empty root.
func parseAndMigrate(data []byte) (*Root, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	version := 1
	if raw, ok := doc["version"]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, fmt.Errorf("bad version field: %w", err)
		}
	}

	if version > CurrentVersion {
		log.Warnf("[Storage] Unknown schema version %d, treating as empty", version)
		return EmptyRoot(), nil
	}

	var accounts []map[string]json.RawMessage
	if raw, ok := doc["accounts"]; ok {
		if err := json.Unmarshal(raw, &accounts); err != nil {
			return nil, fmt.Errorf("bad accounts field: %w", err)
		}
	}

	if version < 2 {
		migrateV1toV2(accounts)
	}
	if version < 3 {
		migrateV2toV3(accounts)
	}

	root := EmptyRoot()
	if raw, ok := doc["activeIndex"]; ok {
		_ = json.Unmarshal(raw, &root.ActiveIndex)
	}
	if raw, ok := doc["activeIndexByFamily"]; ok {
		_ = json.Unmarshal(raw, &root.ActiveIndexByFamily)
	}

	for _, entry := range accounts {
		remarshaled, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		var acc Account
		if err := json.Unmarshal(remarshaled, &acc); err != nil {
			log.Warnf("[Storage] Dropping unreadable account entry: %v", err)
			continue
		}
		root.Accounts = append(root.Accounts, &acc)
	}

	if version != CurrentVersion {
		log.Infof("[Storage] Migrated accounts file from schema v%d to v%d", version, CurrentVersion)
	}
	return root, nil
}

// migrateV1toV2 lifts the v1 single rateLimitResetTime field into the
// per-key map introduced in v2, under the then-only "gemini" key.
func migrateV1toV2(accounts []map[string]json.RawMessage) {
	for _, entry := range accounts {
		raw, ok := entry["rateLimitResetTime"]
		if !ok {
			continue
		}
		var reset int64
		if err := json.Unmarshal(raw, &reset); err != nil || reset <= 0 {
			delete(entry, "rateLimitResetTime")
			continue
		}
		m, _ := json.Marshal(map[string]int64{"gemini": reset})
		entry["rateLimitResetTimes"] = m
		delete(entry, "rateLimitResetTime")
	}
}

// migrateV2toV3 re-keys the gemini rate limit under the header-style
// aware "gemini-antigravity" key.
func migrateV2toV3(accounts []map[string]json.RawMessage) {
	for _, entry := range accounts {
		raw, ok := entry["rateLimitResetTimes"]
		if !ok {
			continue
		}
		var resets map[string]int64
		if err := json.Unmarshal(raw, &resets); err != nil {
			continue
		}
		if reset, ok := resets["gemini"]; ok {
			resets["gemini-antigravity"] = reset
			delete(resets, "gemini")
			m, _ := json.Marshal(resets)
			entry["rateLimitResetTimes"] = m
		}
	}
}
