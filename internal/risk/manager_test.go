package risk

import (
	"testing"

	"github.com/stretchr/testify/require"

	"opentrade-go/pkg/otype"
)

func newCheckOrder() *otype.Order {
	sec := &otype.Security{ID: 1, Symbol: "TEST", Multiplier: 1}
	sub := &otype.SubAccount{AccountBase: otype.AccountBase{ID: 1, Name: "sub1", Limits: otype.Limits{OrderQty: 10}}}
	broker := &otype.BrokerAccount{AccountBase: otype.AccountBase{ID: 1, Name: "broker1"}}
	user := &otype.User{AccountBase: otype.AccountBase{ID: 1, Name: "user1"}}
	return &otype.Order{
		Contract: otype.Contract{
			Sec: sec, SubAccount: sub, Qty: 100, Price: 10, Side: otype.Buy, Type: otype.Limit,
		},
		BrokerAccount: broker,
		User:          user,
	}
}

func TestCheckRejectsOrderQtyOverCap(t *testing.T) {
	m := NewManager(nil, nil)
	ord := newCheckOrder()

	err := m.Check(ord)
	require.Error(t, err)
	require.Contains(t, err.Error(), "order qty")
}

func TestSetDisabledBypassesGate(t *testing.T) {
	m := NewManager(nil, nil)
	ord := newCheckOrder()

	require.Error(t, m.Check(ord))

	m.SetDisabled(true)
	require.NoError(t, m.Check(ord))

	m.SetDisabled(false)
	require.Error(t, m.Check(ord))
}

func TestStopBookHaltsSecurity(t *testing.T) {
	m := NewManager(nil, nil)
	ord := newCheckOrder()
	ord.Qty = 5 // under the order-qty cap so only the stop book can reject

	require.NoError(t, m.Check(ord))

	m.StopBook().Add(ord.Sec.ID, ord.SubAccount.ID, "manual halt")
	err := m.Check(ord)
	require.Error(t, err)
	require.Contains(t, err.Error(), "halted")
}

// A sub-account-0 row halts the security for every book.
func TestStopBookWildcardHaltsEveryone(t *testing.T) {
	m := NewManager(nil, nil)
	ord := newCheckOrder()
	ord.Qty = 5

	require.NoError(t, m.Check(ord))
	m.StopBook().Add(ord.Sec.ID, 0, "exchange halt")
	require.Error(t, m.Check(ord))
}

// Order value caps apply in account currency: qty·price·multiplier·fx.
func TestCheckOrderValueUsesMultiplierAndFXRate(t *testing.T) {
	m := NewManager(nil, nil)
	ord := newCheckOrder()
	ord.Qty = 5
	ord.SubAccount.Limits.OrderValue = 1000
	ord.Sec.Multiplier = 10
	ord.Sec.FXRate = 7.0 // 5 * 10 * 10 * 7 = 3500 > 1000

	err := m.Check(ord)
	require.Error(t, err)
	require.Contains(t, err.Error(), "order value")

	ord.Sec.FXRate = 1.0 // 5 * 10 * 10 = 500 <= 1000
	require.NoError(t, m.Check(ord))
}
