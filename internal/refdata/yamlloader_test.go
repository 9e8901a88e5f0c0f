package refdata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testYAML = `
exchanges:
  - id: 1
    name: NASDAQ
    mic: XNAS
securities:
  - id: 100
    symbol: AAPL
    exchange_id: 1
    lot_size: 1
    tick_size: 0.01
    close_price: 150.0
broker_accounts:
  - id: 10
    name: primary-broker
    adapter_name: httpec-sim
    limits:
      msg_rate: 100
sub_accounts:
  - id: 1000
    name: desk-1
    limits:
      order_qty: 500
    broker_by_exchange:
      1: 10
users:
  - id: 1
    name: trader1
    password_sha1: deadbeef
    is_admin: true
    sub_accounts: [1000]
`

func writeTestCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o644))
	return path
}

func TestFileLoaderLoad(t *testing.T) {
	path := writeTestCatalog(t)
	loader := NewFileLoader(path)

	snap, err := loader.Load()
	require.NoError(t, err)

	require.Contains(t, snap.Exchanges, int32(1))
	require.Equal(t, "NASDAQ", snap.Exchanges[1].Name)

	sec, ok := snap.Securities[100]
	require.True(t, ok)
	require.Equal(t, "AAPL", sec.Symbol)
	require.NotNil(t, sec.Exchange)
	require.Equal(t, "NASDAQ", sec.Exchange.Name)
	require.Same(t, sec, snap.SecuritiesBySymbol["AAPL"])

	broker, ok := snap.BrokerAccounts[10]
	require.True(t, ok)
	require.Equal(t, "httpec-sim", broker.AdapterName)
	require.Equal(t, int64(100), broker.Limits.MsgRate)

	sub, ok := snap.SubAccounts[1000]
	require.True(t, ok)
	require.Equal(t, 500.0, sub.Limits.OrderQty)
	require.Same(t, broker, sub.GetBrokerAccount(1))

	user, ok := snap.Users[1]
	require.True(t, ok)
	require.True(t, user.IsAdmin)
	require.Same(t, sub, user.GetSubAccount(1000))
}

func TestFileLoaderLoadMissingFile(t *testing.T) {
	loader := NewFileLoader(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	_, err := loader.Load()
	require.Error(t, err)
}

func TestCatalogUsesFileLoader(t *testing.T) {
	path := writeTestCatalog(t)
	loader := NewFileLoader(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	cat := NewCatalog(loader, initial)
	snap := cat.Snapshot()
	require.Contains(t, snap.Securities, int32(100))

	sec, ok := cat.Security(100)
	require.True(t, ok)
	require.Equal(t, "AAPL", sec.Symbol)
}

const tickTableYAML = `
exchanges:
  - id: 1
    name: SSE
    mic: XSHG
    utc_offset_seconds: 28800
    trading_periods:
      - {start: 34200, end: 41400}
      - {start: 46800, end: 54000}
    tick_table:
      - {lower_bound: 0, tick_size: 0.001}
      - {lower_bound: 1, tick_size: 0.01}
securities:
  - id: 200
    symbol: "600000"
    type: stock
    exchange_id: 1
    currency: CNY
    fx_rate: 0.14
    multiplier: 1
`

func TestFileLoaderParsesExchangeScheduleAndTickTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tickTableYAML), 0o644))

	snap, err := NewFileLoader(path).Load()
	require.NoError(t, err)

	ex := snap.Exchanges[1]
	require.Len(t, ex.TradingPeriods, 2)
	require.InDelta(t, 0.001, ex.TickTable.TickSizeFor(0.5), 1e-12)
	require.InDelta(t, 0.01, ex.TickTable.TickSizeFor(5), 1e-12)

	sec := snap.Securities[200]
	require.Equal(t, "CNY", sec.Currency)
	require.InDelta(t, 0.14, sec.FXRate, 1e-12)
}

func TestFileLoaderRejectsUnsortedTickTable(t *testing.T) {
	bad := `
exchanges:
  - id: 1
    name: SSE
    tick_table:
      - {lower_bound: 5, tick_size: 0.01}
      - {lower_bound: 1, tick_size: 0.001}
`
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	_, err := NewFileLoader(path).Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "tick table")
}
