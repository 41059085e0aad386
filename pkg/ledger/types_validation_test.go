package ledger

import (
	"errors"
	"testing"
)

const (
	entryIDValue     = "chg_0001"
	userIDValue      = "user-1"
	externalKeyValue = "evt_1"
)

func TestNewEntryValidation(test *testing.T) {
	test.Parallel()
	validFields := func() EntryFields {
		return EntryFields{
			ID:             mustEntryID(test, entryIDValue),
			UserID:         mustUserID(test, userIDValue),
			Kind:           EntryKindSpend,
			Amount:         mustAmount(test, 10),
			Status:         EntryStatusPending,
			CreatedUnixUTC: 100,
		}
	}

	testCases := []struct {
		name    string
		mutate  func(fields *EntryFields)
		wantErr error
	}{
		{name: "valid pending spend", mutate: func(fields *EntryFields) {}},
		{name: "missing id", mutate: func(fields *EntryFields) { fields.ID = EntryID{} }, wantErr: ErrInvalidEntry},
		{name: "missing user", mutate: func(fields *EntryFields) { fields.UserID = UserID{} }, wantErr: ErrInvalidEntry},
		{name: "zero amount", mutate: func(fields *EntryFields) { fields.Amount = 0 }, wantErr: ErrInvalidEntry},
		{name: "unknown kind", mutate: func(fields *EntryFields) { fields.Kind = "grant" }, wantErr: ErrInvalidEntryKind},
		{name: "unknown status", mutate: func(fields *EntryFields) { fields.Status = "held" }, wantErr: ErrInvalidEntryStatus},
		{name: "pending with resolution time", mutate: func(fields *EntryFields) { fields.ResolvedUnixUTC = 5 }, wantErr: ErrInvalidEntry},
		{
			name: "pending top-up",
			mutate: func(fields *EntryFields) {
				fields.Kind = EntryKindTopUp
				fields.ExternalKey = mustExternalKey(test, externalKeyValue)
			},
			wantErr: ErrInvalidEntry,
		},
		{
			name: "top-up without external key",
			mutate: func(fields *EntryFields) {
				fields.Kind = EntryKindTopUp
				fields.Status = EntryStatusSettled
			},
			wantErr: ErrInvalidEntry,
		},
		{
			name: "settled top-up",
			mutate: func(fields *EntryFields) {
				fields.Kind = EntryKindTopUp
				fields.Status = EntryStatusSettled
				fields.ExternalKey = mustExternalKey(test, externalKeyValue)
				fields.ResolvedUnixUTC = 100
			},
		},
	}

	for _, testCase := range testCases {
		fields := validFields()
		testCase.mutate(&fields)
		entry, err := NewEntry(fields)
		if testCase.wantErr != nil {
			if !errors.Is(err, testCase.wantErr) {
				test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.wantErr, err)
			}
			continue
		}
		if err != nil {
			test.Fatalf("%s: unexpected error %v", testCase.name, err)
		}
		if entry.Fields() != fields {
			test.Fatalf("%s: expected fields to round-trip, got %+v", testCase.name, entry.Fields())
		}
	}
}

func TestEntryResolvedKeepsIdentity(test *testing.T) {
	test.Parallel()
	entry, err := NewEntry(EntryFields{
		ID:                   mustEntryID(test, entryIDValue),
		UserID:               mustUserID(test, userIDValue),
		Kind:                 EntryKindSpend,
		Amount:               mustAmount(test, 10),
		Status:               EntryStatusPending,
		ActionKind:           mustActionKind(test, "generate_image"),
		CreatedUnixUTC:       100,
		ReservedUntilUnixUTC: 200,
	})
	if err != nil {
		test.Fatalf("entry: %v", err)
	}
	settled := entry.Resolved(EntryStatusSettled, mustResultRef(test, "img"), 150)
	if settled.ID() != entry.ID() || settled.Amount() != entry.Amount() || settled.ReservedUntilUnixUTC() != 200 {
		test.Fatalf("expected identity preserved, got %+v", settled.Fields())
	}
	if settled.Status() != EntryStatusSettled || settled.ResultRef().String() != "img" || settled.ResolvedUnixUTC() != 150 {
		test.Fatalf("unexpected resolution %+v", settled.Fields())
	}
	refunded := entry.Resolved(EntryStatusRefunded, mustResultRef(test, "ignored"), 160)
	if refunded.ResultRef().String() != "" {
		test.Fatalf("expected refunds to carry no result ref, got %q", refunded.ResultRef().String())
	}
	if entry.Status() != EntryStatusPending {
		test.Fatalf("expected original entry untouched, got %s", entry.Status())
	}
	if _, hasKey := entry.ExternalKey(); hasKey {
		test.Fatalf("expected spend without external key")
	}
}
