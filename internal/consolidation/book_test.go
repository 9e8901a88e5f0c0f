package consolidation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"opentrade-go/pkg/otype"
)

func TestUpdateQuoteTracksBidAndAsk(t *testing.T) {
	b := NewBook(1)
	b.UpdateQuote("SIM", otype.Quote{BidPrice: 99, BidSize: 10, AskPrice: 101, AskSize: 10})

	bid, ok := b.BestBid()
	require.True(t, ok)
	require.InDelta(t, 99.0, bid.Price, 1e-9)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	require.InDelta(t, 101.0, ask.Price, 1e-9)
}

func TestUpdateQuoteZeroSizeRemovesSide(t *testing.T) {
	b := NewBook(1)
	b.UpdateQuote("SIM", otype.Quote{BidPrice: 99, BidSize: 10, AskPrice: 101, AskSize: 10})
	b.UpdateQuote("SIM", otype.Quote{BidPrice: 0, BidSize: 0, AskPrice: 101, AskSize: 10})

	_, ok := b.BestBid()
	require.False(t, ok)
}

// S6 — two sources post the same best price; the deterministic
// tiebreak picks the larger displayed size first.
func TestBestBidTiebreaksOnLargerDisplayedSize(t *testing.T) {
	b := NewBook(1)
	b.UpdateQuote("ALPHA", otype.Quote{BidPrice: 100, BidSize: 5, AskPrice: 101, AskSize: 5})
	b.UpdateQuote("BETA", otype.Quote{BidPrice: 100, BidSize: 20, AskPrice: 101, AskSize: 5})

	bid, ok := b.BestBid()
	require.True(t, ok)
	require.Equal(t, otype.DataSrc("BETA"), bid.Src)
}

// S6 — same price AND same size falls through to lexicographic source
// name as the final, fully deterministic tiebreak.
func TestBestBidTiebreaksOnSourceNameWhenSizeAlsoTies(t *testing.T) {
	b := NewBook(1)
	b.UpdateQuote("ZULU", otype.Quote{BidPrice: 100, BidSize: 10, AskPrice: 101, AskSize: 5})
	b.UpdateQuote("ALPHA", otype.Quote{BidPrice: 100, BidSize: 10, AskPrice: 101, AskSize: 5})

	bid, ok := b.BestBid()
	require.True(t, ok)
	require.Equal(t, otype.DataSrc("ALPHA"), bid.Src)
}

func TestBestAskPicksLowestPrice(t *testing.T) {
	b := NewBook(1)
	b.UpdateQuote("ALPHA", otype.Quote{BidPrice: 99, BidSize: 5, AskPrice: 102, AskSize: 5})
	b.UpdateQuote("BETA", otype.Quote{BidPrice: 99, BidSize: 5, AskPrice: 100, AskSize: 5})

	ask, ok := b.BestAsk()
	require.True(t, ok)
	require.InDelta(t, 100.0, ask.Price, 1e-9)
	require.Equal(t, otype.DataSrc("BETA"), ask.Src)
}

func TestMidIsAverageOfBestBidAndAsk(t *testing.T) {
	b := NewBook(1)
	b.UpdateQuote("SIM", otype.Quote{BidPrice: 99, BidSize: 5, AskPrice: 101, AskSize: 5})
	mid, ok := b.Mid()
	require.True(t, ok)
	require.InDelta(t, 100.0, mid, 1e-9)
}

func TestMidFalseWhenOneSideMissing(t *testing.T) {
	b := NewBook(1)
	b.UpdateQuote("SIM", otype.Quote{BidPrice: 99, BidSize: 5})
	_, ok := b.Mid()
	require.False(t, ok)
}

func TestRoutePicksSourceOfBestOppositeSide(t *testing.T) {
	b := NewBook(1)
	b.UpdateQuote("ALPHA", otype.Quote{BidPrice: 99, BidSize: 5, AskPrice: 102, AskSize: 5})
	b.UpdateQuote("BETA", otype.Quote{BidPrice: 99, BidSize: 5, AskPrice: 100, AskSize: 5})

	src, ok := b.Route(otype.Buy)
	require.True(t, ok)
	require.Equal(t, otype.DataSrc("BETA"), src, "a buy routes to the best ask")
}

func TestRemoveSourceDropsBothSides(t *testing.T) {
	b := NewBook(1)
	b.UpdateQuote("SIM", otype.Quote{BidPrice: 99, BidSize: 5, AskPrice: 101, AskSize: 5})
	b.RemoveSource("SIM")
	_, okb := b.BestBid()
	_, oka := b.BestAsk()
	require.False(t, okb)
	require.False(t, oka)
}
