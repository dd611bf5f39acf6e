// Package storage persists vaultd state in a Bolt database: the engine
// snapshot, the external token ledger backing the transfer gateway, and the
// pricer bindings needed to rebuild pools after a restart.
package storage

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	bolt "go.etcd.io/bbolt"

	"tokenvault/vault"
)

var (
	bucketState    = []byte("state")
	bucketExternal = []byte("external")
	bucketPricers  = []byte("pricers")

	// ErrInsufficientFunds is returned when a pull exceeds the payer's
	// external balance.
	ErrInsufficientFunds = errors.New("storage: insufficient external balance")
)

// Store wraps the Bolt database. It implements vault.Storage for snapshot
// persistence and vault.TransferGateway against the external ledger bucket.
type Store struct {
	db *bolt.DB
}

// Open initialises (and migrates) the Bolt-backed store.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketState, bucketExternal, bucketPricers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// KVGet implements vault.Storage, rlp-decoding the stored value into out.
func (s *Store) KVGet(key []byte, out interface{}) (bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketState).Get(key)
		if raw != nil {
			value = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if value == nil {
		return false, nil
	}
	if err := rlp.DecodeBytes(value, out); err != nil {
		return false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut implements vault.Storage, rlp-encoding the value.
func (s *Store) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(key, encoded)
	})
}

func externalKey(token string, owner vault.Address) []byte {
	key := make([]byte, 0, len(token)+1+len(owner))
	key = append(key, token...)
	key = append(key, 0)
	key = append(key, owner[:]...)
	return key
}

// ExternalBalance reports the external ledger balance of owner for token.
func (s *Store) ExternalBalance(token string, owner vault.Address) (*big.Int, error) {
	balance := new(big.Int)
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketExternal).Get(externalKey(token, owner)); raw != nil {
			balance.SetBytes(raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// CreditExternal adds amount to owner's external balance for token.
func (s *Store) CreditExternal(token string, owner vault.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: credit amount must be non-negative")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketExternal)
		key := externalKey(token, owner)
		balance := new(big.Int)
		if raw := bucket.Get(key); raw != nil {
			balance.SetBytes(raw)
		}
		balance.Add(balance, amount)
		return bucket.Put(key, balance.Bytes())
	})
}

func (s *Store) debitExternal(token string, owner vault.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("storage: debit amount must be non-negative")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketExternal)
		key := externalKey(token, owner)
		balance := new(big.Int)
		if raw := bucket.Get(key); raw != nil {
			balance.SetBytes(raw)
		}
		if balance.Cmp(amount) < 0 {
			return ErrInsufficientFunds
		}
		balance.Sub(balance, amount)
		if balance.Sign() == 0 {
			return bucket.Delete(key)
		}
		return bucket.Put(key, balance.Bytes())
	})
}

// Pull implements vault.TransferGateway by debiting the payer's external
// balance; the funds are thereafter accounted by the engine.
func (s *Store) Pull(token string, from vault.Address, amount *big.Int) error {
	return s.debitExternal(token, from, amount)
}

// Push implements vault.TransferGateway by crediting the recipient's
// external balance.
func (s *Store) Push(token string, to vault.Address, amount *big.Int) error {
	return s.CreditExternal(token, to, amount)
}

// PutPricer records the pricer name bound to a pool so the binding can be
// rebuilt after a restart.
func (s *Store) PutPricer(id vault.PoolID, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPricers).Put(id[:], []byte(name))
	})
}

// EachPricer visits every recorded pool-to-pricer binding.
func (s *Store) EachPricer(fn func(id vault.PoolID, name string) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPricers).ForEach(func(k, v []byte) error {
			if len(k) != len(vault.PoolID{}) {
				return fmt.Errorf("storage: malformed pricer key")
			}
			var id vault.PoolID
			copy(id[:], k)
			return fn(id, string(v))
		})
	})
}
