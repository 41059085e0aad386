package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes transactions and rolls back on error.
type stubStore struct {
	txMu   sync.Mutex
	dataMu sync.Mutex

	balances    map[UserID]Tokens
	entries     map[EntryID]Entry
	order       []EntryID
	externalIDs map[ExternalKey]EntryID

	beginErr      error
	getBalanceErr error
	decrementErr  error
	incrementErr  error
	insertErr     error
	getEntryErr   error
	transitionErr error
	listErr       error
	expiredErr    error

	// onTransition runs before a transition is evaluated, outside the data lock.
	onTransition func(transition EntryTransition)

	transactions int
	rollbacks    int
}

type stubTxStore struct {
	*stubStore
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:    make(map[UserID]Tokens),
		entries:     make(map[EntryID]Entry),
		externalIDs: make(map[ExternalKey]EntryID),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.beginErr != nil {
		return store.beginErr
	}
	store.txMu.Lock()
	defer store.txMu.Unlock()

	store.dataMu.Lock()
	store.transactions++
	snapshot := store.snapshotLocked()
	store.dataMu.Unlock()

	if err := fn(ctx, stubTxStore{stubStore: store}); err != nil {
		store.dataMu.Lock()
		store.restoreLocked(snapshot)
		store.rollbacks++
		store.dataMu.Unlock()
		return err
	}
	return nil
}

func (store stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (Tokens, error) {
	if store.getBalanceErr != nil {
		return 0, store.getBalanceErr
	}
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	return store.balances[userID], nil
}

func (store *stubStore) TryDecrement(ctx context.Context, userID UserID, amount TokenAmount, atUnixUTC int64) (Tokens, error) {
	if store.decrementErr != nil {
		return 0, store.decrementErr
	}
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	current := store.balances[userID]
	if current.Int64() < amount.Int64() {
		return 0, ErrNotEnoughTokens
	}
	updated := current - Tokens(amount)
	store.balances[userID] = updated
	return updated, nil
}

func (store *stubStore) Increment(ctx context.Context, userID UserID, amount TokenAmount, atUnixUTC int64) (Tokens, error) {
	if store.incrementErr != nil {
		return 0, store.incrementErr
	}
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	updated := store.balances[userID] + Tokens(amount)
	store.balances[userID] = updated
	return updated, nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	if store.insertErr != nil {
		return store.insertErr
	}
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	if _, exists := store.entries[entry.ID()]; exists {
		return fmt.Errorf("entry %s already exists", entry.ID().String())
	}
	if externalKey, ok := entry.ExternalKey(); ok {
		if _, exists := store.externalIDs[externalKey]; exists {
			return WrapError("store", "entry", "duplicate", ErrDuplicateExternalEvent)
		}
		store.externalIDs[externalKey] = entry.ID()
	}
	store.entries[entry.ID()] = entry
	store.order = append(store.order, entry.ID())
	return nil
}

func (store *stubStore) GetEntry(ctx context.Context, entryID EntryID) (Entry, error) {
	if store.getEntryErr != nil {
		return Entry{}, store.getEntryErr
	}
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	entry, ok := store.entries[entryID]
	if !ok {
		return Entry{}, WrapError("store", "entry", "get", ErrChargeNotFound)
	}
	return entry, nil
}

func (store *stubStore) TransitionEntry(ctx context.Context, transition EntryTransition) error {
	if store.onTransition != nil {
		store.onTransition(transition)
	}
	if store.transitionErr != nil {
		return store.transitionErr
	}
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	entry, ok := store.entries[transition.EntryID]
	if !ok || entry.Kind() != EntryKindSpend || entry.Status() != transition.From {
		return WrapError("store", "entry", "transition", ErrEntryStatusConflict)
	}
	store.entries[transition.EntryID] = entry.Resolved(transition.To, transition.ResultRef, transition.ResolvedUnixUTC)
	return nil
}

func (store *stubStore) ListEntries(ctx context.Context, userID UserID, cursor EntryCursor, limit int) ([]Entry, error) {
	if store.listErr != nil {
		return nil, store.listErr
	}
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var result []Entry
	for _, entryID := range store.order {
		entry := store.entries[entryID]
		if entry.UserID() == userID && cursor.Includes(entry) {
			result = append(result, entry)
		}
	}
	sort.Slice(result, func(left, right int) bool {
		if result[left].CreatedUnixUTC() != result[right].CreatedUnixUTC() {
			return result[left].CreatedUnixUTC() > result[right].CreatedUnixUTC()
		}
		return result[left].ID().String() > result[right].ID().String()
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *stubStore) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]Entry, error) {
	if store.expiredErr != nil {
		return nil, store.expiredErr
	}
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	var result []Entry
	for _, entryID := range store.order {
		entry := store.entries[entryID]
		if entry.Status() != EntryStatusPending || entry.ReservedUntilUnixUTC() == 0 || entry.ReservedUntilUnixUTC() > atUnixUTC {
			continue
		}
		result = append(result, entry)
	}
	sort.SliceStable(result, func(left, right int) bool {
		return result[left].ReservedUntilUnixUTC() < result[right].ReservedUntilUnixUTC()
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (store *stubStore) setBalance(userID UserID, balance Tokens) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	store.balances[userID] = balance
}

func (store *stubStore) balance(userID UserID) Tokens {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	return store.balances[userID]
}

func (store *stubStore) entryCount() int {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	return len(store.order)
}

func (store *stubStore) mustEntry(test *testing.T, entryID EntryID) Entry {
	test.Helper()
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	entry, ok := store.entries[entryID]
	if !ok {
		test.Fatalf("entry %s not found", entryID.String())
	}
	return entry
}

func (store *stubStore) forceStatus(entryID EntryID, status EntryStatus) {
	store.dataMu.Lock()
	defer store.dataMu.Unlock()
	entry := store.entries[entryID]
	store.entries[entryID] = entry.Resolved(status, entry.ResultRef(), 1)
}

type stubSnapshot struct {
	balances    map[UserID]Tokens
	entries     map[EntryID]Entry
	order       []EntryID
	externalIDs map[ExternalKey]EntryID
}

func (store *stubStore) snapshotLocked() stubSnapshot {
	snapshot := stubSnapshot{
		balances:    make(map[UserID]Tokens, len(store.balances)),
		entries:     make(map[EntryID]Entry, len(store.entries)),
		order:       append([]EntryID(nil), store.order...),
		externalIDs: make(map[ExternalKey]EntryID, len(store.externalIDs)),
	}
	for key, value := range store.balances {
		snapshot.balances[key] = value
	}
	for key, value := range store.entries {
		snapshot.entries[key] = value
	}
	for key, value := range store.externalIDs {
		snapshot.externalIDs[key] = value
	}
	return snapshot
}

func (store *stubStore) restoreLocked(snapshot stubSnapshot) {
	store.balances = snapshot.balances
	store.entries = snapshot.entries
	store.order = snapshot.order
	store.externalIDs = snapshot.externalIDs
}

func sequentialIDGenerator() IDGenerator {
	var mu sync.Mutex
	counter := 0
	return func(kind EntryKind) (EntryID, error) {
		mu.Lock()
		defer mu.Unlock()
		counter++
		prefix, err := entryIDPrefix(kind)
		if err != nil {
			return EntryID{}, err
		}
		return NewEntryID(fmt.Sprintf("%s_%04d", prefix, counter))
	}
}

type manualClock struct {
	mu  sync.Mutex
	now int64
}

func (clock *manualClock) Now() int64 {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(seconds int64) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now += seconds
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithIDGenerator(sequentialIDGenerator())}, options...)
	service, err := NewService(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustNewServiceWithClock(test *testing.T, store Store, clock *manualClock, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithIDGenerator(sequentialIDGenerator())}, options...)
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustEntryID(test *testing.T, raw string) EntryID {
	test.Helper()
	value, err := NewEntryID(raw)
	if err != nil {
		test.Fatalf("entry id: %v", err)
	}
	return value
}

func mustExternalKey(test *testing.T, raw string) ExternalKey {
	test.Helper()
	value, err := NewExternalKey(raw)
	if err != nil {
		test.Fatalf("external key: %v", err)
	}
	return value
}

func mustActionKind(test *testing.T, raw string) ActionKind {
	test.Helper()
	value, err := NewActionKind(raw)
	if err != nil {
		test.Fatalf("action kind: %v", err)
	}
	return value
}

func mustResultRef(test *testing.T, raw string) ResultRef {
	test.Helper()
	value, err := NewResultRef(raw)
	if err != nil {
		test.Fatalf("result ref: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw int64) TokenAmount {
	test.Helper()
	value, err := NewTokenAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustReserve(test *testing.T, service *Service, userID UserID, cost int64) Reservation {
	test.Helper()
	reservation, err := service.Reserve(context.Background(), userID, mustAmount(test, cost), mustActionKind(test, "generate_image"), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	return reservation
}
