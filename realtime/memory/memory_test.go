package memory

import (
	"testing"

	"github.com/sensahq/mapsync/realtime"
	"github.com/sensahq/mapsync/realtime/realtimetest"
)

func TestMemoryTransport(t *testing.T) {
	realtimetest.RunTransportTests(t, func(t *testing.T) realtime.Transport {
		return New()
	})
}
