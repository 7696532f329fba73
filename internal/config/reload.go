package config

import (
	"github.com/rjeczalik/notify"

	"github.com/oib/aitbc/internal/poolhub"
)

// WatchWeights watches path for writes and re-decodes just its [Weights]
// table into hub on every change, letting an operator retune pool-hub
// scoring without a restart. Decode errors are logged and skipped; the
// hub keeps running with its last-good weights.
func WatchWeights(path string, hub *poolhub.Hub) (stop func(), err error) {
	events := make(chan notify.EventInfo, 4)
	if err := notify.Watch(path, events, notify.Write); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-events:
				cfg, err := Load(path)
				if err != nil {
					log.Warn("config reload failed, keeping previous weights", "path", path, "err", err)
					continue
				}
				hub.SetWeights(cfg.Weights)
				log.Info("pool-hub weights reloaded", "path", path)
			case <-done:
				return
			}
		}
	}()

	return func() {
		notify.Stop(events)
		close(done)
	}, nil
}
