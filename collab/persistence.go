package collab

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultAcceptedCachePath is the default location of the accepted transform cache
const DefaultAcceptedCachePath = ".accepted-transforms.json"

// AcceptedCache is the on-disk form of a session's accepted transforms.
// Provisional clusters are never persisted.
type AcceptedCache struct {
	SessionID  string              `json:"sessionId"`
	SavedAt    int64               `json:"savedAt"`
	Transforms []AcceptedTransform `json:"transforms"`
}

// LoadAcceptedCache reads a cache file. A missing file yields nil, nil.
func LoadAcceptedCache(path string) (*AcceptedCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading accepted cache: %w", err)
	}

	var cache AcceptedCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing accepted cache: %w", err)
	}
	for i, at := range cache.Transforms {
		if at.Pair.A == "" || at.Pair.B == "" || at.Pair.A == at.Pair.B {
			return nil, fmt.Errorf("parsing accepted cache: transforms[%d] has invalid pair %s", i, at.Pair)
		}
		cache.Transforms[i].Transform = NewPose(at.Transform.Rotation, at.Transform.Translation)
	}
	return &cache, nil
}

// SaveAcceptedCache writes the accepted transforms of a session
func SaveAcceptedCache(path, sessionID string, transforms []AcceptedTransform) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	cache := AcceptedCache{
		SessionID:  sessionID,
		SavedAt:    time.Now().Unix(),
		Transforms: transforms,
	}
	if cache.Transforms == nil {
		cache.Transforms = []AcceptedTransform{}
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling accepted cache: %w", err)
	}

	// Write then rename so a crash never leaves a truncated cache.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing accepted cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing accepted cache: %w", err)
	}
	return nil
}
