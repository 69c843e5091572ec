// Package persistence implements the Persistence Adapter (spec §4.5):
// read-modify-write of per-device trouble metadata through the injected
// device service, and a dedicated bbolt-backed key-value namespace for
// non-device (System/Network/Power) troubles. Grounded on
// IAmSoThirsty-Project-AI/octoreflex's internal/storage/bolt.go for the
// bbolt bucket layout. Restore replaces the non-device namespace in a
// single bbolt transaction; it keeps no backup and does not retry.
package persistence

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/homeguard/troubled/internal/codec"
	"github.com/homeguard/troubled/internal/collaborators"
	"github.com/homeguard/troubled/internal/trouble"
)

// metadataTag is the device-metadata slot the §6.6 JSON shape lives in.
const metadataTag = "troubles"

// nonDeviceBucket is the bbolt bucket holding System/Network/Power
// troubles, keyed by "<type>_<reason>" (spec §4.5).
var nonDeviceBucket = []byte("non_device_troubles")

// schemaBucket and schemaKey guard the on-disk layout the way
// octoreflex's bolt.go checks a schema version on Open.
var schemaBucket = []byte("meta")

const (
	schemaKey     = "schema_version"
	schemaVersion = "1"
)

// Adapter implements trouble.PersistenceAdapter.
type Adapter struct {
	devices collaborators.DeviceService
	db      *bolt.DB
}

// Open opens (creating if needed) the bbolt database at path and verifies
// its schema version.
func Open(path string, devices collaborators.DeviceService) (*Adapter, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence.Open: open bbolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(schemaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(nonDeviceBucket); err != nil {
			return err
		}
		if v := meta.Get([]byte(schemaKey)); v == nil {
			return meta.Put([]byte(schemaKey), []byte(schemaVersion))
		} else if string(v) != schemaVersion {
			return fmt.Errorf("unsupported schema version %q (want %q)", v, schemaVersion)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persistence.Open: initialize schema: %w", err)
	}

	return &Adapter{devices: devices, db: db}, nil
}

// Close releases the underlying bbolt handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

func nonDeviceKey(t *trouble.Trouble) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.Type, t.Reason))
}

// PersistDeviceTrouble read-modify-writes the device's `troubles`
// metadata object, replacing missing or malformed payloads with an empty
// object (spec §4.5). Failure is logged and non-fatal.
func (a *Adapter) PersistDeviceTrouble(ctx context.Context, t *trouble.Trouble) error {
	ownerURI := t.Payload.URI()
	if ownerURI == "" {
		return fmt.Errorf("persistence: device trouble %d has no owner_uri: %w", t.TroubleID, trouble.ErrInvalidInput)
	}

	current, _ := a.devices.ReadMetadataByOwner(ctx, ownerURI, metadataTag)
	existing, err := codec.DecodeDeviceMetadata([]byte(current))
	if err != nil || existing == nil {
		if current != "" {
			log.Warn().Str("ownerUri", ownerURI).Err(err).Msg("malformed device trouble metadata, replacing with empty object")
		}
		existing = make(map[uint64]*trouble.Trouble)
	}

	existing[t.TroubleID] = t

	data, err := codec.EncodeDeviceMetadata(existing)
	if err != nil {
		return fmt.Errorf("persistence.PersistDeviceTrouble: encode: %w", err)
	}
	if err := a.devices.WriteMetadataByOwner(ctx, ownerURI, metadataTag, string(data)); err != nil {
		return fmt.Errorf("persistence.PersistDeviceTrouble: write metadata: %w", err)
	}
	return nil
}

// DeleteDeviceTrouble removes one trouble_id from the device's metadata
// object.
func (a *Adapter) DeleteDeviceTrouble(ctx context.Context, t *trouble.Trouble) error {
	ownerURI := t.Payload.URI()
	if ownerURI == "" {
		return nil
	}

	current, ok := a.devices.ReadMetadataByOwner(ctx, ownerURI, metadataTag)
	if !ok {
		return nil
	}
	existing, err := codec.DecodeDeviceMetadata([]byte(current))
	if err != nil {
		log.Warn().Str("ownerUri", ownerURI).Err(err).Msg("malformed device trouble metadata on delete, dropping")
		existing = make(map[uint64]*trouble.Trouble)
	}
	delete(existing, t.TroubleID)

	data, err := codec.EncodeDeviceMetadata(existing)
	if err != nil {
		return fmt.Errorf("persistence.DeleteDeviceTrouble: encode: %w", err)
	}
	if err := a.devices.WriteMetadataByOwner(ctx, ownerURI, metadataTag, string(data)); err != nil {
		return fmt.Errorf("persistence.DeleteDeviceTrouble: write metadata: %w", err)
	}
	return nil
}

// PersistNonDeviceTrouble writes one System/Network/Power trouble into
// the bbolt non-device namespace under "<type>_<reason>".
func (a *Adapter) PersistNonDeviceTrouble(_ context.Context, t *trouble.Trouble) error {
	data, err := codec.Encode(t)
	if err != nil {
		return fmt.Errorf("persistence.PersistNonDeviceTrouble: encode: %w", err)
	}
	err = a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nonDeviceBucket).Put(nonDeviceKey(t), data)
	})
	if err != nil {
		return fmt.Errorf("persistence.PersistNonDeviceTrouble: bolt put: %w", err)
	}
	return nil
}

// DeleteNonDeviceTrouble removes a System/Network/Power trouble entry.
func (a *Adapter) DeleteNonDeviceTrouble(_ context.Context, t *trouble.Trouble) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nonDeviceBucket).Delete(nonDeviceKey(t))
	})
	if err != nil {
		return fmt.Errorf("persistence.DeleteNonDeviceTrouble: bolt delete: %w", err)
	}
	return nil
}

// LoadNonDeviceTroubles reads every persisted System/Network/Power
// trouble back, for use at startup (spec §4.2 "Load").
func (a *Adapter) LoadNonDeviceTroubles() ([]*trouble.Trouble, error) {
	var out []*trouble.Trouble
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(nonDeviceBucket)
		return b.ForEach(func(_, v []byte) error {
			t, err := codec.Decode(v)
			if err != nil {
				log.Warn().Err(err).Msg("skipping malformed non-device trouble record")
				return nil
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("persistence.LoadNonDeviceTroubles: %w", err)
	}
	return out, nil
}

// LoadDeviceTroubles reads the `troubles` metadata blob for a single
// device/owner_uri and decodes it into troubles (spec §4.2 "Load"). It
// returns an empty slice, not an error, for malformed or absent metadata.
func (a *Adapter) LoadDeviceTroubles(ctx context.Context, ownerURI string) []*trouble.Trouble {
	current, ok := a.devices.ReadMetadataByOwner(ctx, ownerURI, metadataTag)
	if !ok || current == "" {
		return nil
	}
	decoded, err := codec.DecodeDeviceMetadata([]byte(current))
	if err != nil {
		log.Warn().Str("ownerUri", ownerURI).Err(err).Msg("skipping malformed device trouble metadata on load")
		return nil
	}
	out := make([]*trouble.Trouble, 0, len(decoded))
	for _, t := range decoded {
		out = append(out, t)
	}
	return out
}
