package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/Homegear/Homegear-MAX/packet"
)

var (
	bucketDevices  = []byte("devices")
	bucketCentral  = []byte("central_vars")
	bucketPeerVars = []byte("peer_vars") // one bucket keyed by peer id + variable id
)

// BoltStore is the default Store, backed by a single bbolt file. Bolt's
// single-writer, nested-bucket model is a natural fit for the
// id-keyed, transactional-at-variable-granularity persistence §6 and §5
// call for.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at path and
// ensures the top-level buckets exist.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketCentral, bucketPeerVars} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

type deviceRowJSON struct {
	ID       uint64
	ParentID uint64
	Address  uint32
	Serial   string
	Type     uint32
	Value    []byte
}

func idKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// SaveDevice upserts row, assigning a fresh id from the bucket sequence
// when row.ID is zero.
func (s *BoltStore) SaveDevice(row DeviceRow) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		id = row.ID
		if id == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			id = seq
		}
		enc, err := json.Marshal(deviceRowJSON{
			ID: id, ParentID: row.ParentID, Address: uint32(row.Address),
			Serial: row.Serial, Type: row.Type, Value: row.Value,
		})
		if err != nil {
			return err
		}
		return b.Put(idKey(id), enc)
	})
	if err != nil {
		return 0, fmt.Errorf("store: save device: %w", err)
	}
	return id, nil
}

func (s *BoltStore) DeleteDevice(id uint64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete(idKey(id))
	})
	if err != nil {
		return fmt.Errorf("store: delete device %d: %w", id, err)
	}
	return nil
}

func (s *BoltStore) LoadDevices() ([]DeviceRow, error) {
	var rows []DeviceRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var j deviceRowJSON
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			rows = append(rows, DeviceRow{
				ID: j.ID, ParentID: j.ParentID, Address: packet.Addr(j.Address),
				Serial: j.Serial, Type: j.Type, Value: j.Value,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: load devices: %w", err)
	}
	return rows, nil
}

func centralVarKey(id int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

func (s *BoltStore) SaveCentralVariable(id int, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCentral).Put(centralVarKey(id), value)
	})
	if err != nil {
		return fmt.Errorf("store: save central var %d: %w", id, err)
	}
	return nil
}

func (s *BoltStore) LoadCentralVariable(id int) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketCentral).Get(centralVarKey(id))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: load central var %d: %w", id, err)
	}
	return value, value != nil, nil
}

func peerVarKey(peerID uint64, varID int) []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], peerID)
	binary.BigEndian.PutUint32(b[8:], uint32(varID))
	return b[:]
}

func (s *BoltStore) SavePeerVariable(peerID uint64, varID int, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeerVars).Put(peerVarKey(peerID, varID), value)
	})
	if err != nil {
		return fmt.Errorf("store: save peer %d var %d: %w", peerID, varID, err)
	}
	return nil
}

func (s *BoltStore) LoadPeerVariable(peerID uint64, varID int) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPeerVars).Get(peerVarKey(peerID, varID))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: load peer %d var %d: %w", peerID, varID, err)
	}
	return value, value != nil, nil
}

func (s *BoltStore) DeletePeerVariables(peerID uint64) error {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, peerID)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPeerVars)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: delete peer %d vars: %w", peerID, err)
	}
	return nil
}

var _ Store = (*BoltStore)(nil)
