package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Tokens is a non-negative token balance.
type Tokens int64

// NewTokens validates a balance value.
func NewTokens(raw int64) (Tokens, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidBalance)
	}
	return Tokens(raw), nil
}

// Int64 exposes the raw value.
func (tokens Tokens) Int64() int64 {
	return int64(tokens)
}

// TokenAmount is a strictly positive token quantity carried by a charge or top-up.
type TokenAmount int64

// NewTokenAmount validates an amount and ensures it is strictly positive.
func NewTokenAmount(raw int64) (TokenAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return TokenAmount(raw), nil
}

// Int64 exposes the raw value.
func (amount TokenAmount) Int64() int64 {
	return int64(amount)
}

// UserID identifies the owner of a balance.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// EntryID identifies a ledger entry.
type EntryID struct {
	value string
}

// ChargeID is the entry id of a SPEND entry, handed to callers by Reserve.
type ChargeID = EntryID

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// NewChargeID validates a charge id supplied by a caller.
func NewChargeID(raw string) (ChargeID, error) {
	return NewEntryID(raw)
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id EntryID) IsZero() bool {
	return id.value == ""
}

// ExternalKey is the payment provider's event identifier used to deduplicate top-ups.
type ExternalKey struct {
	value string
}

// NewExternalKey validates and normalizes an external key.
func NewExternalKey(raw string) (ExternalKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalKey{}, fmt.Errorf("%w: empty value", ErrInvalidExternalKey)
	}
	if utf8.RuneCountInString(trimmed) > maxExternalKeyLength {
		return ExternalKey{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidExternalKey, maxExternalKeyLength)
	}
	return ExternalKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key ExternalKey) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key ExternalKey) IsZero() bool {
	return key.value == ""
}

// ActionKind labels what a charge paid for (e.g. "generate_image").
type ActionKind struct {
	value string
}

// NewActionKind validates and normalizes an action kind.
func NewActionKind(raw string) (ActionKind, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActionKind{}, fmt.Errorf("%w: empty value", ErrInvalidActionKind)
	}
	if utf8.RuneCountInString(trimmed) > maxActionKindLength {
		return ActionKind{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidActionKind, maxActionKindLength)
	}
	return ActionKind{value: trimmed}, nil
}

// String returns the normalized action kind.
func (kind ActionKind) String() string {
	return kind.value
}

// ResultRef points at the artifact a settled charge produced. It may be empty.
type ResultRef struct {
	value string
}

// NewResultRef normalizes a result reference.
func NewResultRef(raw string) (ResultRef, error) {
	trimmed := strings.TrimSpace(raw)
	if utf8.RuneCountInString(trimmed) > maxResultRefLength {
		return ResultRef{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidResultRef, maxResultRefLength)
	}
	return ResultRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ResultRef) String() string {
	return ref.value
}

// MetadataJSON stores an arbitrary JSON object attached to an entry.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	if !strings.HasPrefix(normalized, "{") {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryKindSpend EntryKind = "spend"
	EntryKindTopUp EntryKind = "top_up"
)

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(strings.TrimSpace(raw)) {
	case EntryKindSpend:
		return EntryKindSpend, nil
	case EntryKindTopUp:
		return EntryKindTopUp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
	}
}

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// EntryStatus defines the entry lifecycle.
type EntryStatus string

const (
	EntryStatusPending  EntryStatus = "pending"
	EntryStatusSettled  EntryStatus = "settled"
	EntryStatusRefunded EntryStatus = "refunded"
)

// ParseEntryStatus validates a stored entry status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	switch EntryStatus(strings.TrimSpace(raw)) {
	case EntryStatusPending:
		return EntryStatusPending, nil
	case EntryStatusSettled:
		return EntryStatusSettled, nil
	case EntryStatusRefunded:
		return EntryStatusRefunded, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
	}
}

// String returns the stored representation.
func (status EntryStatus) String() string {
	return string(status)
}

// IsTerminal reports whether no further transition is allowed.
func (status EntryStatus) IsTerminal() bool {
	return status == EntryStatusSettled || status == EntryStatusRefunded
}

// EntryFields carries the raw values used to build an Entry.
type EntryFields struct {
	ID                   EntryID
	UserID               UserID
	Kind                 EntryKind
	Amount               TokenAmount
	Status               EntryStatus
	ActionKind           ActionKind
	ResultRef            ResultRef
	ExternalKey          ExternalKey
	Metadata             MetadataJSON
	CreatedUnixUTC       int64
	ResolvedUnixUTC      int64
	ReservedUntilUnixUTC int64
}

// Entry is a single ledger line. Only the status of a pending spend ever changes.
type Entry struct {
	id                   EntryID
	userID               UserID
	kind                 EntryKind
	amount               TokenAmount
	status               EntryStatus
	actionKind           ActionKind
	resultRef            ResultRef
	externalKey          ExternalKey
	metadata             MetadataJSON
	createdUnixUTC       int64
	resolvedUnixUTC      int64
	reservedUntilUnixUTC int64
}

// NewEntry validates the kind/status combination and returns an Entry.
func NewEntry(fields EntryFields) (Entry, error) {
	if fields.ID.IsZero() {
		return Entry{}, fmt.Errorf("%w: missing id", ErrInvalidEntry)
	}
	if fields.UserID.String() == "" {
		return Entry{}, fmt.Errorf("%w: missing user id", ErrInvalidEntry)
	}
	if fields.Amount <= 0 {
		return Entry{}, fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}
	switch fields.Kind {
	case EntryKindSpend:
		if _, err := ParseEntryStatus(fields.Status.String()); err != nil {
			return Entry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
		}
	case EntryKindTopUp:
		if fields.Status != EntryStatusSettled {
			return Entry{}, fmt.Errorf("%w: top-up must be settled", ErrInvalidEntry)
		}
		if fields.ExternalKey.IsZero() {
			return Entry{}, fmt.Errorf("%w: top-up requires an external key", ErrInvalidEntry)
		}
	default:
		return Entry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, ErrInvalidEntryKind)
	}
	if fields.Status == EntryStatusPending && fields.ResolvedUnixUTC != 0 {
		return Entry{}, fmt.Errorf("%w: pending entry cannot be resolved", ErrInvalidEntry)
	}
	return Entry{
		id:                   fields.ID,
		userID:               fields.UserID,
		kind:                 fields.Kind,
		amount:               fields.Amount,
		status:               fields.Status,
		actionKind:           fields.ActionKind,
		resultRef:            fields.ResultRef,
		externalKey:          fields.ExternalKey,
		metadata:             fields.Metadata,
		createdUnixUTC:       fields.CreatedUnixUTC,
		resolvedUnixUTC:      fields.ResolvedUnixUTC,
		reservedUntilUnixUTC: fields.ReservedUntilUnixUTC,
	}, nil
}

// ID returns the entry identifier.
func (entry Entry) ID() EntryID { return entry.id }

// UserID returns the owning user.
func (entry Entry) UserID() UserID { return entry.userID }

// Kind returns whether the entry is a spend or a top-up.
func (entry Entry) Kind() EntryKind { return entry.kind }

// Amount returns the positive token amount.
func (entry Entry) Amount() TokenAmount { return entry.amount }

// Status returns the lifecycle status.
func (entry Entry) Status() EntryStatus { return entry.status }

// ActionKind returns the metered action; empty for top-ups.
func (entry Entry) ActionKind() ActionKind { return entry.actionKind }

// ResultRef returns the reference stored on settle.
func (entry Entry) ResultRef() ResultRef { return entry.resultRef }

// Metadata returns the caller-supplied JSON object.
func (entry Entry) Metadata() MetadataJSON { return entry.metadata }

// CreatedUnixUTC returns the creation time in unix seconds.
func (entry Entry) CreatedUnixUTC() int64 { return entry.createdUnixUTC }

// ResolvedUnixUTC returns when a spend was settled or refunded, or zero.
func (entry Entry) ResolvedUnixUTC() int64 { return entry.resolvedUnixUTC }

// ReservedUntilUnixUTC returns the lease deadline of a spend, or zero.
func (entry Entry) ReservedUntilUnixUTC() int64 { return entry.reservedUntilUnixUTC }

// IsCharge reports whether the entry is a spend.
func (entry Entry) IsCharge() bool { return entry.kind == EntryKindSpend }

// ExternalKey returns the provider key and whether one is set.
func (entry Entry) ExternalKey() (ExternalKey, bool) {
	return entry.externalKey, !entry.externalKey.IsZero()
}

// Resolved returns a copy moved to a terminal status.
func (entry Entry) Resolved(status EntryStatus, resultRef ResultRef, resolvedUnixUTC int64) Entry {
	entry.status = status
	if status == EntryStatusSettled {
		entry.resultRef = resultRef
	}
	entry.resolvedUnixUTC = resolvedUnixUTC
	return entry
}

// Fields returns the raw values of the entry.
func (entry Entry) Fields() EntryFields {
	return EntryFields{
		ID:                   entry.id,
		UserID:               entry.userID,
		Kind:                 entry.kind,
		Amount:               entry.amount,
		Status:               entry.status,
		ActionKind:           entry.actionKind,
		ResultRef:            entry.resultRef,
		ExternalKey:          entry.externalKey,
		Metadata:             entry.metadata,
		CreatedUnixUTC:       entry.createdUnixUTC,
		ResolvedUnixUTC:      entry.resolvedUnixUTC,
		ReservedUntilUnixUTC: entry.reservedUntilUnixUTC,
	}
}

// EntryCursor is a position in a user's newest-first entry history.
// Entries sort by (created time, entry id), both descending, so a cursor carries both:
// a page holds entries strictly older than BeforeUnixUTC plus entries from that same second
// whose id sorts below BeforeEntryID. A zero BeforeEntryID keeps only the strictly older entries.
type EntryCursor struct {
	BeforeUnixUTC int64
	BeforeEntryID EntryID
}

// CursorAfter returns the cursor that continues a listing after entry.
func CursorAfter(entry Entry) EntryCursor {
	return EntryCursor{BeforeUnixUTC: entry.createdUnixUTC, BeforeEntryID: entry.id}
}

// Includes reports whether entry lies past the cursor.
func (cursor EntryCursor) Includes(entry Entry) bool {
	if entry.createdUnixUTC != cursor.BeforeUnixUTC {
		return entry.createdUnixUTC < cursor.BeforeUnixUTC
	}
	return !cursor.BeforeEntryID.IsZero() && entry.id.value < cursor.BeforeEntryID.value
}

// Reservation is returned by Reserve.
type Reservation struct {
	ChargeID   ChargeID
	NewBalance Tokens
}

// TopUp is returned by ApplyTopUp.
type TopUp struct {
	EntryID    EntryID
	NewBalance Tokens
}

// Resolution describes the outcome of a settle or refund.
// Changed is false when the charge was already in the requested state.
type Resolution struct {
	Entry   Entry
	Changed bool
}

// ReclaimReport summarizes one sweep over expired reservations.
type ReclaimReport struct {
	Scanned  int
	Refunded int
	Skipped  int
	Failed   int
}
