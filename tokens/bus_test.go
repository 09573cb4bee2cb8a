package tokens

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestReceiptBus(t *testing.T) {
	bus := NewReceiptBus()

	var mu sync.Mutex
	var first, second []string
	unsub, err := bus.Subscribe(func(r *Receipt) {
		mu.Lock()
		defer mu.Unlock()
		first = append(first, r.RequestID)
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(func(r *Receipt) {
		mu.Lock()
		defer mu.Unlock()
		second = append(second, r.Hash.Hex())
	})
	require.NoError(t, err)

	bus.Publish(&Receipt{RequestID: "a", Hash: common.HexToHash("0x01")})
	unsub()
	bus.Publish(&Receipt{RequestID: "b", Hash: common.HexToHash("0x02")})

	require.Equal(t, []string{"a"}, first)
	require.Equal(t, []string{common.HexToHash("0x01").Hex(), common.HexToHash("0x02").Hex()}, second)
}

type counter struct {
	mtx sync.Mutex
	n   int
}

func (c *counter) add(*Receipt) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.n++
}

func (c *counter) count() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.n
}

// Method values of one method share a code pointer; removing one must not
// remove the other.
func TestUnsubscribeRemovesOnlyItsOwn(t *testing.T) {
	bus := NewReceiptBus()
	a, c := &counter{}, &counter{}
	_, err := bus.Subscribe(a.add)
	require.NoError(t, err)
	unsubC, err := bus.Subscribe(c.add)
	require.NoError(t, err)

	bus.Publish(&Receipt{RequestID: "1"})
	unsubC()
	unsubC()
	bus.Publish(&Receipt{RequestID: "2"})

	require.Equal(t, 2, a.count())
	require.Equal(t, 1, c.count())
}
