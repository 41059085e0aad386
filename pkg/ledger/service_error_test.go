package ledger

import (
	"context"
	"errors"
	"testing"
)

const (
	errStoreMessage        = "store error"
	caseBeginError         = "begin error"
	caseDecrementError     = "decrement error"
	caseInsertEntryError   = "insert entry error"
	caseIncrementError     = "increment error"
	caseGetEntryError      = "get entry error"
	caseTransitionError    = "transition error"
	caseIDGeneratorError   = "id generator error"
	errorMismatchMessage   = "expected %v, got %v"
	balanceMismatchMessage = "expected balance %d, got %d"
)

var errStoreFailure = errors.New(errStoreMessage)

func TestReserveReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
		options   []ServiceOption
		wantErr   error
	}{
		{
			name:      caseBeginError,
			configure: func(store *stubStore) { store.beginErr = errStoreFailure },
			wantErr:   errStoreFailure,
		},
		{
			name:      caseDecrementError,
			configure: func(store *stubStore) { store.decrementErr = errStoreFailure },
			wantErr:   errStoreFailure,
		},
		{
			name:      caseInsertEntryError,
			configure: func(store *stubStore) { store.insertErr = errStoreFailure },
			wantErr:   errStoreFailure,
		},
		{
			name:      caseIDGeneratorError,
			configure: func(store *stubStore) {},
			options: []ServiceOption{WithIDGenerator(func(EntryKind) (EntryID, error) {
				return EntryID{}, errStoreFailure
			})},
			wantErr: errStoreFailure,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			userID := mustUserID(test, "reserve-errors")
			store.setBalance(userID, 100)
			testCase.configure(store)
			service := mustNewService(test, store, testCase.options...)

			_, err := service.Reserve(context.Background(), userID, mustAmount(test, 10), mustActionKind(test, "generate_image"), mustMetadata(test, "{}"))
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if got := store.balance(userID); got != 100 {
				test.Fatalf(balanceMismatchMessage, 100, got)
			}
			if store.entryCount() != 0 {
				test.Fatalf("expected no entries after failure, got %d", store.entryCount())
			}
		})
	}
}

func TestRefundReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
		wantErr   error
	}{
		{
			name:      caseGetEntryError,
			configure: func(store *stubStore) { store.getEntryErr = errStoreFailure },
			wantErr:   errStoreFailure,
		},
		{
			name:      caseTransitionError,
			configure: func(store *stubStore) { store.transitionErr = errStoreFailure },
			wantErr:   errStoreFailure,
		},
		{
			name:      caseIncrementError,
			configure: func(store *stubStore) { store.incrementErr = errStoreFailure },
			wantErr:   errStoreFailure,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			userID := mustUserID(test, "refund-errors")
			store.setBalance(userID, 100)
			service := mustNewService(test, store)
			reservation := mustReserve(test, service, userID, 40)
			testCase.configure(store)

			err := service.Refund(context.Background(), reservation.ChargeID)
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf(errorMismatchMessage, testCase.wantErr, err)
			}
			if got := store.balance(userID); got != 60 {
				test.Fatalf(balanceMismatchMessage, 60, got)
			}
			if status := store.mustEntry(test, reservation.ChargeID).Status(); status != EntryStatusPending {
				test.Fatalf("expected charge to stay pending, got %s", status)
			}
		})
	}
}

func TestSettleReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{name: caseGetEntryError, configure: func(store *stubStore) { store.getEntryErr = errStoreFailure }},
		{name: caseTransitionError, configure: func(store *stubStore) { store.transitionErr = errStoreFailure }},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			userID := mustUserID(test, "settle-errors")
			store.setBalance(userID, 100)
			service := mustNewService(test, store)
			reservation := mustReserve(test, service, userID, 40)
			testCase.configure(store)

			err := service.Settle(context.Background(), reservation.ChargeID, mustResultRef(test, "img"))
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
		})
	}
}

func TestReadOperationsReturnStoreErrors(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.getBalanceErr = errStoreFailure
	store.listErr = errStoreFailure
	service := mustNewService(test, store)
	userID := mustUserID(test, "reader")

	if _, err := service.GetBalance(context.Background(), userID); !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
	if _, err := service.ListEntries(context.Background(), userID, EntryCursor{}, 10); !errors.Is(err, errStoreFailure) {
		test.Fatalf(errorMismatchMessage, errStoreFailure, err)
	}
}

func TestStoreUnavailableIsClassified(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.beginErr = WrapError("store", "transaction", "begin", Unavailable(errors.New("dial tcp: connection refused")))
	service := mustNewService(test, store)

	_, err := service.Reserve(context.Background(), mustUserID(test, "offline"), mustAmount(test, 1), mustActionKind(test, "generate_image"), mustMetadata(test, "{}"))
	if KindOf(err) != KindStoreUnavailable {
		test.Fatalf("expected %s, got %s (%v)", KindStoreUnavailable, KindOf(err), err)
	}
}
