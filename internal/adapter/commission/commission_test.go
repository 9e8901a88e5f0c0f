package commission

import (
	"testing"

	"github.com/stretchr/testify/require"

	"opentrade-go/pkg/otype"
)

func orderOn(exchangeID int32, side otype.OrderSide, broker string) *otype.Order {
	ex := &otype.Exchange{ID: exchangeID, Name: "X"}
	return &otype.Order{
		Contract:      otype.Contract{Sec: &otype.Security{ID: 1, Exchange: ex}, Side: side},
		BrokerAccount: &otype.BrokerAccount{AdapterName: broker},
	}
}

func TestPerShareWinsOverPerValue(t *testing.T) {
	tbl := NewTable()
	tbl.Set(0, Schedule{Buy: SideRates{PerShare: 0.01, PerValue: 0.5}})

	got := tbl.Compute(orderOn(5, otype.Buy, "b"), 100, 20.0)
	require.InDelta(t, 1.0, got, 1e-9)
}

func TestPerValueAppliesWhenPerShareZero(t *testing.T) {
	tbl := NewTable()
	tbl.Set(0, Schedule{Sell: SideRates{PerValue: 0.001}})

	got := tbl.Compute(orderOn(5, otype.Sell, "b"), 100, 20.0)
	require.InDelta(t, 2.0, got, 1e-9)
}

func TestExchangeRowOverridesDefault(t *testing.T) {
	tbl := NewTable()
	tbl.Set(0, Schedule{Buy: SideRates{PerShare: 0.01}})
	tbl.Set(5, Schedule{Buy: SideRates{PerShare: 0.02}})

	require.InDelta(t, 2.0, tbl.Compute(orderOn(5, otype.Buy, "b"), 100, 20.0), 1e-9)
	require.InDelta(t, 1.0, tbl.Compute(orderOn(6, otype.Buy, "b"), 100, 20.0), 1e-9)
}

func TestEmptyTableChargesNothing(t *testing.T) {
	tbl := NewTable()
	require.Zero(t, tbl.Compute(orderOn(5, otype.Buy, "b"), 100, 20.0))
}

func TestRegistryResolvesByBrokerAdapter(t *testing.T) {
	reg := NewRegistry()
	tbl := NewTable()
	tbl.Set(0, Schedule{Buy: SideRates{PerShare: 0.01}})
	reg.Register("prime-a", tbl)

	require.InDelta(t, 1.0, reg.Compute(orderOn(1, otype.Buy, "prime-a"), 100, 20.0), 1e-9)
	require.Zero(t, reg.Compute(orderOn(1, otype.Buy, "prime-b"), 100, 20.0), "broker with no table costs nothing")
}
