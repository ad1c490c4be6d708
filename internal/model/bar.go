package model

// Bar is one OHLCV sample, flowing through the system as a value type.
// Time is unix seconds, matching the upstream provider's period.time field.
type Bar struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Time      int64   `json:"time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Key returns the canonical SubscriptionKey this bar belongs to.
func (b Bar) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: b.Symbol, Timeframe: b.Timeframe}
}
