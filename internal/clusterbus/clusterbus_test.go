package clusterbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutingSegmentReplacesColons(t *testing.T) {
	assert.Equal(t, "BINANCE.BTCUSDT", routingSegment("BINANCE:BTCUSDT"))
	assert.Equal(t, "NOCOLON", routingSegment("NOCOLON"))
}
