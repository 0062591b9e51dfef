// Package storage persists nonces, ledger state and settlement receipts in a
// bolt database.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"github.com/kaifufi/asset-exchange-go/ledger"
	"github.com/kaifufi/asset-exchange-go/logging"
	"github.com/kaifufi/asset-exchange-go/settlement"
)

var log = logging.NewLog("storage")

const (
	boltAllocSize = 8 * 1024 * 1024
	boltName      = "exchange.db"

	NonceBucket        = "nonce-bucket"         // key: signer address, val: uint64 big endian
	ReceiptBucket      = "receipt-bucket"       // key: sequence, val: json receipt
	ReceiptIndexBucket = "receipt-index-bucket" // key: receipt id, val: sequence
	LedgerBucket       = "ledger-bucket"        // key: record key, val: json ledger.Record
)

// ErrNotExist is returned for unknown receipt ids.
var ErrNotExist = errors.New("storage: not exist")

// BoltDB implements nonce.Backend, ledger.Backend and settlement.ReceiptLog.
type BoltDB struct {
	Db *bolt.DB
}

// NewBoltDB opens or creates the database under boltDirPath.
func NewBoltDB(boltDirPath string) (*BoltDB, error) {
	if len(boltDirPath) == 0 {
		return nil, errors.New("boltDb dir path can not null")
	}
	if err := os.MkdirAll(boltDirPath, os.ModePerm); err != nil {
		return nil, err
	}

	Db, err := bolt.Open(path.Join(boltDirPath, boltName), 0660, &bolt.Options{Timeout: 2 * time.Second, InitialMmapSize: 10e6})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	Db.AllocSize = boltAllocSize
	boltDB := &BoltDB{
		Db: Db,
	}
	if err := boltDB.Db.Update(func(tx *bolt.Tx) error {
		return createBuckets(tx, []string{NonceBucket, ReceiptBucket, ReceiptIndexBucket, LedgerBucket})
	}); err != nil {
		Db.Close()
		return nil, err
	}
	return boltDB, nil
}

// LoadNonces returns every committed nonce.
func (s *BoltDB) LoadNonces() (map[common.Address]uint64, error) {
	nonces := make(map[common.Address]uint64)
	err := s.Db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(NonceBucket)).ForEach(func(k, v []byte) error {
			if len(k) != common.AddressLength || len(v) != 8 {
				return fmt.Errorf("corrupt nonce entry %x", k)
			}
			nonces[common.BytesToAddress(k)] = binary.BigEndian.Uint64(v)
			return nil
		})
	})
	return nonces, err
}

// SaveNonces writes updates in a single transaction.
func (s *BoltDB) SaveNonces(updates map[common.Address]uint64) error {
	return s.Db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(NonceBucket))
		for addr, n := range updates {
			if err := bkt.Put(addr.Bytes(), encodeUint64(n)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadLedger returns every stored ledger record.
func (s *BoltDB) LoadLedger() ([]ledger.Record, error) {
	var records []ledger.Record
	err := s.Db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(LedgerBucket)).ForEach(func(k, v []byte) error {
			r := ledger.Record{}
			if err := json.Unmarshal(v, &r); err != nil {
				log.Error("json.Unmarshal(ledger record)", "key", string(k), "err", err)
				return err
			}
			records = append(records, r)
			return nil
		})
	})
	return records, err
}

// SaveLedger writes records in a single transaction. Deleted records remove
// their entry.
func (s *BoltDB) SaveLedger(records []ledger.Record) error {
	return s.Db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(LedgerBucket))
		for _, r := range records {
			key := []byte(r.Key())
			if r.Deleted {
				if err := bkt.Delete(key); err != nil {
					return err
				}
				continue
			}
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := bkt.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendReceipt stores r after every receipt already appended.
func (s *BoltDB) AppendReceipt(r *settlement.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.Db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(ReceiptBucket))
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		key := encodeUint64(seq)
		if err := bkt.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket([]byte(ReceiptIndexBucket)).Put([]byte(r.ID), key)
	})
}

// GetReceipt returns the receipt with the given id.
func (s *BoltDB) GetReceipt(id string) (*settlement.Receipt, error) {
	var data []byte
	err := s.Db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(ReceiptIndexBucket)).Get([]byte(id))
		if key == nil {
			return ErrNotExist
		}
		val := tx.Bucket([]byte(ReceiptBucket)).Get(key)
		if val == nil {
			return ErrNotExist
		}
		data = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r := &settlement.Receipt{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// LatestReceipts returns up to limit receipts, newest first.
func (s *BoltDB) LatestReceipts(limit int) ([]*settlement.Receipt, error) {
	receipts := make([]*settlement.Receipt, 0, limit)
	if limit <= 0 {
		return receipts, nil
	}
	err := s.Db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(ReceiptBucket)).Cursor()
		for k, v := c.Last(); k != nil && len(receipts) < limit; k, v = c.Prev() {
			r := &settlement.Receipt{}
			if err := json.Unmarshal(v, r); err != nil {
				log.Error("json.Unmarshal(receipt)", "seq", binary.BigEndian.Uint64(k), "err", err)
				return err
			}
			receipts = append(receipts, r)
		}
		return nil
	})
	return receipts, err
}

// Close releases the database file lock.
func (s *BoltDB) Close() (err error) {
	return s.Db.Close()
}

func createBuckets(tx *bolt.Tx, buckets []string) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
			return err
		}
	}
	return nil
}

func encodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}
