package fanout

import (
	"context"

	"go.uber.org/zap"

	"barbroker/internal/model"
)

// Broadcaster delivers a bar to every interested WebSocket client.
type Broadcaster interface {
	Broadcast(bar model.Bar)
}

// ClusterPublisher mirrors a bar onto the optional cluster bus.
type ClusterPublisher interface {
	Publish(bar model.Bar) error
}

// Fanout wires one Multiplexer "bar" event to every configured sink: the
// WebSocket broadcaster always, the HTTP push sink and cluster bus only
// when configured. Push sink and cluster bus calls run off the calling
// goroutine so a slow or failing sink never delays WebSocket delivery or
// the per-key ordering the Multiplexer guarantees.
type Fanout struct {
	log     *zap.SugaredLogger
	ws      Broadcaster
	sink    *PushSink
	cluster ClusterPublisher
}

// New builds a Fanout. sink and cluster are optional; pass nil to disable.
func New(log *zap.SugaredLogger, ws Broadcaster, sink *PushSink, cluster ClusterPublisher) *Fanout {
	return &Fanout{log: log, ws: ws, sink: sink, cluster: cluster}
}

// OnBar is called from the Multiplexer listener for every EventBar.
func (f *Fanout) OnBar(bar model.Bar) {
	f.ws.Broadcast(bar)

	if f.sink != nil {
		go f.sink.Push(context.Background(), bar)
	}
	if f.cluster != nil {
		go func() {
			if err := f.cluster.Publish(bar); err != nil {
				f.log.Warnw("cluster bus publish failed", "symbol", bar.Symbol, "timeframe", bar.Timeframe, "error", err)
			}
		}()
	}
}
