package memory

import (
	"testing"

	"github.com/aridsondez/claimq/internal/queue/store"
	"github.com/aridsondez/claimq/internal/queue/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Driver {
		return New()
	})
}
