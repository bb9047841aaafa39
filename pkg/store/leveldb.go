package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/koprogo/greengrid/pkg/models"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	proof:<seq big-endian uint64> -> JSON proof
//	task:<task id>                -> seq of the first proof for the task
//	head                          -> seq of the chain head
var (
	proofPrefix = []byte("proof:")
	taskPrefix  = []byte("task:")
	headKey     = []byte("head")
)

// LevelDBProofStore keeps the green proof chain in an embedded LevelDB
type LevelDBProofStore struct {
	db *leveldb.DB
	mu sync.Mutex
}

// NewLevelDBProofStore opens (or creates) a proof chain at path
func NewLevelDBProofStore(path string) (*LevelDBProofStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open proof database: %w", err)
	}
	return &LevelDBProofStore{db: db}, nil
}

func proofKey(seq int64) []byte {
	key := make([]byte, len(proofPrefix)+8)
	copy(key, proofPrefix)
	binary.BigEndian.PutUint64(key[len(proofPrefix):], uint64(seq))
	return key
}

func encodeSeq(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func decodeSeq(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("corrupt sequence value of %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (s *LevelDBProofStore) getBySeq(seq int64) (*models.GreenProof, error) {
	data, err := s.db.Get(proofKey(seq), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get proof %d: %w", seq, err)
	}
	var p models.GreenProof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal proof %d: %w", seq, err)
	}
	return &p, nil
}

func (s *LevelDBProofStore) headSeq() (int64, bool, error) {
	b, err := s.db.Get(headKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return -1, false, nil
	}
	if err != nil {
		return -1, false, fmt.Errorf("read chain head: %w", err)
	}
	seq, err := decodeSeq(b)
	if err != nil {
		return -1, false, err
	}
	return seq, true, nil
}

// AppendProof writes proof and moves the head in one batch
func (s *LevelDBProofStore) AppendProof(_ context.Context, proof *models.GreenProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok, err := s.headSeq()
	if err != nil {
		return err
	}
	headHash := ""
	if ok {
		head, err := s.getBySeq(seq)
		if err != nil {
			return err
		}
		headHash = head.Hash
	}
	if proof.PreviousHash != headHash {
		return ErrChainHeadMoved
	}

	next := seq + 1
	stored := *proof
	stored.Sequence = next
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal proof: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(proofKey(next), data)
	batch.Put(headKey, encodeSeq(next))
	taskKey := append(append([]byte{}, taskPrefix...), proof.TaskID...)
	if has, err := s.db.Has(taskKey, nil); err != nil {
		return fmt.Errorf("check task index: %w", err)
	} else if !has {
		batch.Put(taskKey, encodeSeq(next))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write proof: %w", err)
	}

	proof.Sequence = next
	return nil
}

// LatestProof returns the chain head
func (s *LevelDBProofStore) LatestProof(_ context.Context) (*models.GreenProof, error) {
	seq, ok, err := s.headSeq()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProofNotFound
	}
	return s.getBySeq(seq)
}

// ListProofs returns a page of proofs in creation order
func (s *LevelDBProofStore) ListProofs(_ context.Context, limit, offset int) ([]*models.GreenProof, error) {
	if offset < 0 {
		offset = 0
	}
	rng := util.BytesPrefix(proofPrefix)
	rng.Start = proofKey(int64(offset))

	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	proofs := make([]*models.GreenProof, 0)
	for iter.Next() {
		var p models.GreenProof
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("unmarshal proof: %w", err)
		}
		proofs = append(proofs, &p)
		if limit > 0 && len(proofs) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return proofs, nil
}

// ScanProofs walks the chain from genesis over a snapshot
func (s *LevelDBProofStore) ScanProofs(ctx context.Context, fn func(*models.GreenProof) error) error {
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer snap.Release()

	iter := snap.NewIterator(util.BytesPrefix(proofPrefix), nil)
	defer iter.Release()

	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var p models.GreenProof
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return fmt.Errorf("unmarshal proof: %w", err)
		}
		if err := fn(&p); err != nil {
			return err
		}
	}
	return iter.Error()
}

// GetProofByTask returns the first proof recorded for a task
func (s *LevelDBProofStore) GetProofByTask(_ context.Context, taskID string) (*models.GreenProof, error) {
	b, err := s.db.Get(append(append([]byte{}, taskPrefix...), taskID...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrProofNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task index: %w", err)
	}
	seq, err := decodeSeq(b)
	if err != nil {
		return nil, err
	}
	return s.getBySeq(seq)
}

// CountProofs returns the chain length
func (s *LevelDBProofStore) CountProofs(_ context.Context) (int, error) {
	seq, _, err := s.headSeq()
	if err != nil {
		return 0, err
	}
	return int(seq + 1), nil
}

// Close closes the database
func (s *LevelDBProofStore) Close() error {
	return s.db.Close()
}

// HealthCheck reads the head key to confirm the database is usable
func (s *LevelDBProofStore) HealthCheck(_ context.Context) error {
	_, _, err := s.headSeq()
	return err
}
