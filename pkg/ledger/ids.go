package ledger

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// IDGenerator mints ids for new entries.
type IDGenerator func(kind EntryKind) (EntryID, error)

// NewTypeIDGenerator returns an IDGenerator producing K-sortable ids such as "chg_01h2xcejqtf2nbrexx3vqjhp41".
func NewTypeIDGenerator() IDGenerator {
	return func(kind EntryKind) (EntryID, error) {
		prefix, err := entryIDPrefix(kind)
		if err != nil {
			return EntryID{}, err
		}
		generated, err := typeid.Generate(prefix)
		if err != nil {
			return EntryID{}, fmt.Errorf("%w: %w", ErrInvalidEntryID, err)
		}
		return NewEntryID(generated.String())
	}
}

func entryIDPrefix(kind EntryKind) (string, error) {
	switch kind {
	case EntryKindSpend:
		return chargeIDPrefix, nil
	case EntryKindTopUp:
		return topUpIDPrefix, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, kind)
	}
}
