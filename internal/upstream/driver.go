package upstream

import "context"

// Period mirrors one entry of chart.periods from the upstream provider's
// contract. Either High/Low or Max/Min is populated; callers treat Max/Min
// as synonyms for High/Low and default a nil Volume to 0.
type Period struct {
	Time   int64
	Open   float64
	Close  float64
	Volume *float64
	High   *float64
	Low    *float64
	Max    *float64
	Min    *float64
}

// ResolvedHighLow applies the max/min synonym rule.
func (p Period) ResolvedHighLow() (high, low float64) {
	switch {
	case p.High != nil:
		high = *p.High
	case p.Max != nil:
		high = *p.Max
	}
	switch {
	case p.Low != nil:
		low = *p.Low
	case p.Min != nil:
		low = *p.Min
	}
	return high, low
}

// ResolvedVolume defaults a missing volume to 0.
func (p Period) ResolvedVolume() float64 {
	if p.Volume == nil {
		return 0
	}
	return *p.Volume
}

// MarketOptions configures a chart via SetMarket.
type MarketOptions struct {
	Timeframe string
}

// Chart is a per-instrument handle bound to one (symbol, timeframe).
type Chart interface {
	OnError(cb func(args ...interface{}))
	OnSymbolLoaded(cb func())
	OnUpdate(cb func())
	SetMarket(symbol string, opts MarketOptions) error
	Periods() []Period
	Delete() error
}

// Session is an open upstream connection capable of minting Chart handles.
type Session interface {
	Chart() (Chart, error)
	End() error
}

// Client is the upstream provider adapter contract. It is deliberately the
// only seam the multiplexer depends on — a conformant implementation may
// talk to any real streaming OHLCV provider.
type Client interface {
	Connect(ctx context.Context) (Session, error)
}

// Config configures a Client from TV_API_PROXY and TV_API_TIMEOUT_MS.
type Config struct {
	Proxy     string
	TimeoutMs int
}
