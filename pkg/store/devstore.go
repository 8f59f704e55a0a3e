// Copyright 2025 Certen Protocol
//
// DevStore is a single-process, file-backed implementation of KV,
// AccountRepo, IssuerChannelRepo and VendorChannelRepo, built on
// github.com/cometbft/cometbft-db. It exists for local development and for
// the concurrency tests (no local Postgres required) and is explicitly NOT
// multi-process-safe: all compare-and-swap safety comes from one
// in-process sync.Mutex keyed by channel ID, not from anything the
// underlying goleveldb file format enforces. Production deployments use
// the Postgres store.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/settlement/pkg/settlement"
)

// DevKV adapts a cometbft-db handle to the KV interface.
type DevKV struct {
	db dbm.DB
}

func NewDevKV(db dbm.DB) *DevKV { return &DevKV{db: db} }

// OpenDevKV opens (or creates) a goleveldb-backed store at dir/name.db.
func OpenDevKV(name, dir string) (*DevKV, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, fmt.Errorf("store: open goleveldb %s: %w", name, err)
	}
	return NewDevKV(db), nil
}

func (a *DevKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, ErrNotFound
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("store: devkv get: %w", err)
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

func (a *DevKV) Set(ctx context.Context, key, value []byte) error {
	if err := a.db.SetSync(key, value); err != nil {
		return fmt.Errorf("store: devkv set: %w", err)
	}
	return nil
}

func (a *DevKV) Delete(ctx context.Context, key []byte) error {
	if err := a.db.DeleteSync(key); err != nil {
		return fmt.Errorf("store: devkv delete: %w", err)
	}
	return nil
}

func (a *DevKV) MGet(ctx context.Context, keys [][]byte) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := a.db.Get(k)
		if err != nil {
			return nil, fmt.Errorf("store: devkv mget: %w", err)
		}
		out[i] = v
	}
	return out, nil
}

func (a *DevKV) Close() error { return a.db.Close() }

// DevStore implements AccountRepo, IssuerChannelRepo and VendorChannelRepo
// over a DevKV, with a map of per-channel mutexes standing in for Postgres's
// row locks. channelLock(id) always returns the same *sync.Mutex for a
// given channel ID within one DevStore instance, so concurrent requests for
// the *same* channel serialize; different channels do not contend.
type DevStore struct {
	kv *DevKV

	mu     sync.Mutex
	chLock map[string]*sync.Mutex
}

func NewDevStore(kv *DevKV) *DevStore {
	return &DevStore{kv: kv, chLock: make(map[string]*sync.Mutex)}
}

// Accounts, IssuerChannels and VendorChannels each wrap the same DevStore
// core to answer one repository interface. They exist because
// AccountRepo.Get, IssuerChannelRepo.Get and IssuerChannelRepo.MarkClosed /
// VendorChannelRepo.MarkClosed disagree on signature under the same method
// name — exactly the constraint that splits PostgresStore into
// AccountStore/IssuerChannelStore/VendorChannelStore.
func (s *DevStore) Accounts() *DevAccountStore             { return &DevAccountStore{s} }
func (s *DevStore) IssuerChannels() *DevIssuerChannelStore { return &DevIssuerChannelStore{s} }
func (s *DevStore) VendorChannels() *DevVendorChannelStore { return &DevVendorChannelStore{s} }

// DevAccountStore : AccountRepo. Get/Register/UpdateBalance are promoted
// unchanged from DevStore.
type DevAccountStore struct{ *DevStore }

// DevIssuerChannelStore : IssuerChannelRepo. CreateExclusive, Delete and
// MarkClosed are promoted unchanged; Get is redeclared because DevStore's
// promoted Get answers AccountRepo's shape instead.
type DevIssuerChannelStore struct{ *DevStore }

func (s *DevIssuerChannelStore) Get(ctx context.Context, channelID string) (*settlement.Channel, error) {
	return s.getChannel(ctx, channelID)
}

// DevVendorChannelStore : VendorChannelRepo. Every method except MarkClosed
// is promoted unchanged; MarkClosed is redeclared without the closedAt
// parameter IssuerChannelRepo's version carries.
type DevVendorChannelStore struct{ *DevStore }

func (s *DevVendorChannelStore) MarkClosed(ctx context.Context, channelID string, closePayloadB64, clientSigB64, vendorSigB64 string, balance int64) error {
	return s.DevStore.MarkClosed(ctx, channelID, closePayloadB64, clientSigB64, vendorSigB64, balance, time.Now())
}

func (s *DevStore) channelLock(channelID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.chLock[channelID]
	if !ok {
		l = &sync.Mutex{}
		s.chLock[channelID] = l
	}
	return l
}

// ---- AccountRepo ----

func (s *DevStore) Get(ctx context.Context, pubKeyDERB64 string) (*settlement.Account, error) {
	raw, err := s.kv.Get(ctx, AccountKey(pubKeyDERB64))
	if err == ErrNotFound {
		return nil, settlement.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	var a settlement.Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("store: decode account: %w", err)
	}
	return &a, nil
}

func (s *DevStore) Register(ctx context.Context, pubKeyDERB64 string) (settlement.Account, error) {
	l := s.channelLock("account:" + pubKeyDERB64)
	l.Lock()
	defer l.Unlock()

	if existing, err := s.Get(ctx, pubKeyDERB64); err == nil {
		return *existing, nil
	}
	acc := settlement.NewAccount(pubKeyDERB64)
	if err := s.putAccount(ctx, acc); err != nil {
		return settlement.Account{}, err
	}
	return acc, nil
}

func (s *DevStore) UpdateBalance(ctx context.Context, pubKeyDERB64 string, delta int64) (settlement.Account, error) {
	l := s.channelLock("account:" + pubKeyDERB64)
	l.Lock()
	defer l.Unlock()

	acc, err := s.Get(ctx, pubKeyDERB64)
	if err != nil {
		return settlement.Account{}, err
	}
	next, err := acc.ApplyDelta(delta)
	if err != nil {
		return settlement.Account{}, err
	}
	if err := s.putAccount(ctx, next); err != nil {
		return settlement.Account{}, err
	}
	return next, nil
}

func (s *DevStore) putAccount(ctx context.Context, a settlement.Account) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: encode account: %w", err)
	}
	return s.kv.Set(ctx, AccountKey(a.PublicKeyDERB64), raw)
}

// ---- IssuerChannelRepo ----

func (s *DevStore) CreateExclusive(ctx context.Context, ch settlement.Channel) (int, error) {
	l := s.channelLock(ch.ChannelID)
	l.Lock()
	defer l.Unlock()

	if _, err := s.getChannel(ctx, ch.ChannelID); err == nil {
		return CodeRejected, nil
	}
	if err := s.putChannel(ctx, ch); err != nil {
		return 0, err
	}
	s.addToIndex(ctx, IndexAllChannels, ch.ChannelID, ch.CreatedAt.Unix())
	s.addToIndex(ctx, IndexOpenChannels, ch.ChannelID, ch.CreatedAt.Unix())
	return CodeStored, nil
}

func (s *DevStore) Delete(ctx context.Context, channelID string) error {
	if err := s.kv.Delete(ctx, ChannelKey(channelID)); err != nil {
		return err
	}
	s.removeFromIndex(ctx, IndexAllChannels, channelID)
	s.removeFromIndex(ctx, IndexOpenChannels, channelID)
	return nil
}

func (s *DevStore) MarkClosed(ctx context.Context, channelID string, closePayloadB64, clientSigB64, vendorSigB64 string, balance int64, closedAt time.Time) error {
	l := s.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	ch, err := s.getChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if ch.IsClosed {
		return settlement.ErrChannelClosed
	}
	ch.IsClosed = true
	ch.Balance = balance
	t := closedAt
	ch.ClosedAt = &t
	ch.ClosePayloadB64 = closePayloadB64
	ch.ClientCloseSignatureB64 = clientSigB64
	ch.VendorCloseSignatureB64 = vendorSigB64
	if err := s.putChannel(ctx, *ch); err != nil {
		return err
	}
	s.removeFromIndex(ctx, IndexOpenChannels, channelID)
	s.addToIndex(ctx, IndexClosedChannels, channelID, closedAt.Unix())
	return nil
}

func (s *DevStore) getChannel(ctx context.Context, channelID string) (*settlement.Channel, error) {
	raw, err := s.kv.Get(ctx, ChannelKey(channelID))
	if err == ErrNotFound {
		return nil, settlement.ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	var ch settlement.Channel
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, fmt.Errorf("store: decode channel: %w", err)
	}
	return &ch, nil
}

func (s *DevStore) putChannel(ctx context.Context, ch settlement.Channel) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("store: encode channel: %w", err)
	}
	return s.kv.Set(ctx, ChannelKey(ch.ChannelID), raw)
}

// devIndex is a poor-man's sorted set: a JSON array of {ChannelID, Score}
// kept under one key per index name. Adequate for local dev volumes; the
// Postgres backend uses a real indexed table instead.
type devIndexEntry struct {
	ChannelID string `json:"channel_id"`
	Score     int64  `json:"score"`
}

func (s *DevStore) addToIndex(ctx context.Context, indexName, channelID string, score int64) {
	key := []byte("index:" + indexName)
	raw, err := s.kv.Get(ctx, key)
	var entries []devIndexEntry
	if err == nil {
		_ = json.Unmarshal(raw, &entries)
	}
	entries = append(entries, devIndexEntry{ChannelID: channelID, Score: score})
	out, _ := json.Marshal(entries)
	_ = s.kv.Set(ctx, key, out)
}

// ListByIndex scans a channel index newest-first, ZREVRANGE-style: start and
// stop are inclusive zero-based positions, stop = -1 meaning "to the end".
func (s *DevStore) ListByIndex(ctx context.Context, indexName string, start, stop int) ([]string, error) {
	raw, err := s.kv.Get(ctx, []byte("index:"+indexName))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []devIndexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("store: decode index %s: %w", indexName, err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })

	if start < 0 {
		start = 0
	}
	if start >= len(entries) {
		return nil, nil
	}
	end := len(entries)
	if stop >= 0 {
		if stop < start {
			return nil, nil
		}
		if stop+1 < end {
			end = stop + 1
		}
	}
	ids := make([]string, 0, end-start)
	for _, e := range entries[start:end] {
		ids = append(ids, e.ChannelID)
	}
	return ids, nil
}

func (s *DevStore) removeFromIndex(ctx context.Context, indexName, channelID string) {
	key := []byte("index:" + indexName)
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return
	}
	var entries []devIndexEntry
	_ = json.Unmarshal(raw, &entries)
	kept := entries[:0]
	for _, e := range entries {
		if e.ChannelID != channelID {
			kept = append(kept, e)
		}
	}
	out, _ := json.Marshal(kept)
	_ = s.kv.Set(ctx, key, out)
}

// ---- VendorChannelRepo ----

func (s *DevStore) GetByChannelID(ctx context.Context, channelID string) (*settlement.Channel, error) {
	return s.getChannel(ctx, channelID)
}

func (s *DevStore) GetSignatureState(ctx context.Context, channelID string) (*settlement.SignatureState, error) {
	raw, err := s.kv.Get(ctx, SignatureStateKey(channelID))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st settlement.SignatureState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("store: decode signature state: %w", err)
	}
	return &st, nil
}

func (s *DevStore) GetPayWordState(ctx context.Context, channelID string) (*settlement.PayWordState, error) {
	raw, err := s.kv.Get(ctx, PayWordStateKey(channelID))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st settlement.PayWordState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("store: decode payword state: %w", err)
	}
	return &st, nil
}

func (s *DevStore) GetPayTreeState(ctx context.Context, variant string, channelID string) (*settlement.PayTreeState, error) {
	raw, err := s.kv.Get(ctx, PayTreeStateKey(variant, channelID))
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st settlement.PayTreeState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("store: decode paytree state: %w", err)
	}
	return &st, nil
}

func (s *DevStore) SaveChannelAndInitialState(ctx context.Context, ch settlement.Channel, state interface{}) (int, error) {
	l := s.channelLock(ch.ChannelID)
	l.Lock()
	defer l.Unlock()

	if _, err := s.getChannel(ctx, ch.ChannelID); err == nil {
		return CodeRejected, nil
	}
	if err := s.putChannel(ctx, ch); err != nil {
		return 0, err
	}
	if err := s.putState(ctx, ch.Variant, state); err != nil {
		return 0, err
	}
	s.addToIndex(ctx, IndexAllChannels, ch.ChannelID, ch.CreatedAt.Unix())
	s.addToIndex(ctx, IndexOpenChannels, ch.ChannelID, ch.CreatedAt.Unix())
	return CodeStored, nil
}

func (s *DevStore) putState(ctx context.Context, variant settlement.Variant, state interface{}) error {
	switch st := state.(type) {
	case settlement.SignatureState:
		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return s.kv.Set(ctx, SignatureStateKey(st.ChannelID), raw)
	case settlement.PayWordState:
		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return s.kv.Set(ctx, PayWordStateKey(st.ChannelID), raw)
	case settlement.PayTreeState:
		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return s.kv.Set(ctx, PayTreeStateKey(string(variant), st.ChannelID), raw)
	default:
		return fmt.Errorf("store: unknown state type %T", state)
	}
}

func (s *DevStore) SaveSignaturePayment(ctx context.Context, channelID string, newState settlement.SignatureState) (int, *settlement.SignatureState, error) {
	l := s.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	ch, err := s.getChannel(ctx, channelID)
	if err == settlement.ErrChannelNotFound {
		return CodeChannelMissing, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	cur, err := s.GetSignatureState(ctx, channelID)
	if err != nil {
		return 0, nil, err
	}
	if cur != nil && newState.CumulativeOwedAmount <= cur.CumulativeOwedAmount {
		return CodeRejected, cur, nil
	}
	if newState.CumulativeOwedAmount > ch.Amount {
		return CodeRejected, cur, nil
	}
	if err := s.putState(ctx, settlement.VariantSignature, newState); err != nil {
		return 0, nil, err
	}
	return CodeStored, &newState, nil
}

func (s *DevStore) SavePayWordPayment(ctx context.Context, channelID string, newState settlement.PayWordState) (int, *settlement.PayWordState, error) {
	l := s.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	ch, err := s.getChannel(ctx, channelID)
	if err == settlement.ErrChannelNotFound {
		return CodeChannelMissing, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	cur, err := s.GetPayWordState(ctx, channelID)
	if err != nil {
		return 0, nil, err
	}
	if newState.K > ch.MaxK {
		return CodeExceedsWindow, cur, nil
	}
	if cur != nil && newState.K <= cur.K {
		return CodeRejected, cur, nil
	}
	if err := s.putState(ctx, settlement.VariantPayWord, newState); err != nil {
		return 0, nil, err
	}
	return CodeStored, &newState, nil
}

func (s *DevStore) SavePayTreePayment(ctx context.Context, variant string, channelID string, newState settlement.PayTreeState) (int, *settlement.PayTreeState, error) {
	l := s.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	ch, err := s.getChannel(ctx, channelID)
	if err == settlement.ErrChannelNotFound {
		return CodeChannelMissing, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	cur, err := s.GetPayTreeState(ctx, variant, channelID)
	if err != nil {
		return 0, nil, err
	}
	if newState.I > ch.MaxI {
		return CodeExceedsWindow, cur, nil
	}
	if cur != nil && newState.I <= cur.I {
		return CodeRejected, cur, nil
	}
	if err := s.putState(ctx, settlement.Variant(variant), newState); err != nil {
		return 0, nil, err
	}
	return CodeStored, &newState, nil
}
