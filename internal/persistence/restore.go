package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/homeguard/troubled/internal/trouble"
)

// nonDeviceExportFile is the file name a restore bundle carries the
// non-device trouble namespace under.
const nonDeviceExportFile = "non_device_troubles.json"

// ExportNonDeviceTroubles writes the entire non-device namespace as a
// flat JSON object (raw key -> raw encoded trouble bytes) into dir, for
// inclusion in a backup bundle.
func (a *Adapter) ExportNonDeviceTroubles(dir string) error {
	raw := make(map[string]json.RawMessage)
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nonDeviceBucket)
		return b.ForEach(func(k, v []byte) error {
			raw[string(k)] = append(json.RawMessage(nil), v...)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("persistence.ExportNonDeviceTroubles: read: %w", err)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("persistence.ExportNonDeviceTroubles: marshal: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, nonDeviceExportFile), data, 0644)
}

// RestoreNonDeviceTroubles replaces the non-device namespace atomically
// from a backup bundle directory (spec §4.5 "Restore"). Per the legacy-
// format open question (spec §9(b)), the bundle is loosely treated as a
// JSON object whose values are either encoded troubles or JSON strings
// wrapping them; see decodeLegacyOrCurrentFormat for which entries are
// skipped (without reporting).
func (a *Adapter) RestoreNonDeviceTroubles(dir string) error {
	path := filepath.Join(dir, nonDeviceExportFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("dir", dir).Msg("no non-device trouble export in restore bundle, skipping")
			return nil
		}
		return fmt.Errorf("persistence.RestoreNonDeviceTroubles: read %s: %w", path, err)
	}

	entries := decodeLegacyOrCurrentFormat(data)

	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(nonDeviceBucket)
		if err := deleteAllInBucket(b); err != nil {
			return err
		}
		for key, value := range entries {
			if err := b.Put([]byte(key), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// decodeLegacyOrCurrentFormat accepts either the current export shape
// (object of raw encoded-trouble bytes) or the legacy pre-restructure
// shape (object of JSON strings containing the same payload, double-
// encoded). A legacy string entry whose content does not decode as a
// trouble is dropped silently; any other value is stored as given,
// without checking that it decodes. If data is not a JSON object at all,
// the result is empty.
func decodeLegacyOrCurrentFormat(data []byte) map[string][]byte {
	out := make(map[string][]byte)

	var current map[string]json.RawMessage
	if err := json.Unmarshal(data, &current); err == nil {
		for key, raw := range current {
			var asString string
			if err := json.Unmarshal(raw, &asString); err == nil {
				// legacy: value was a JSON string wrapping the payload
				var probe trouble.Trouble
				if json.Unmarshal([]byte(asString), &probe) == nil {
					out[key] = []byte(asString)
				}
				continue
			}
			out[key] = append([]byte(nil), raw...)
		}
	}
	return out
}

func deleteAllInBucket(b *bolt.Bucket) error {
	c := b.Cursor()
	var keys [][]byte
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
