package storage

import (
	"sort"

	"github.com/google/uuid"
)

// Entity references recorded on transactions. External is the sink/source
// for funds entering or leaving the platform.
const ExternalRef = "external"

func WalletRef(userID uuid.UUID) string {
	return "wallet:" + userID.String()
}

func AccountRef(accountID uuid.UUID) string {
	return "account:" + accountID.String()
}

const (
	lockWallet  = "wallet"
	lockAccount = "account"
)

type lockRef struct {
	kind string
	id   uuid.UUID
}

func (r lockRef) key() string {
	return r.kind + ":" + r.id.String()
}

// sortLockRefs fixes the row-lock acquisition order for multi-entity
// transfers. Two concurrent opposite-direction transfers over the same pair
// always lock in the same order, so they cannot deadlock.
func sortLockRefs(refs []lockRef) []lockRef {
	ordered := make([]lockRef, len(refs))
	copy(ordered, refs)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].key() < ordered[j].key()
	})
	return ordered
}
