package dnx

import (
	"testing"

	"github.com/dnxgpu/dnx/config"
	"github.com/dnxgpu/dnx/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStats(t *testing.T) {
	l := test.NewLogger()

	tests := []struct {
		name string
		conf string
		err  string
	}{
		{name: "disabled", conf: "stats: {type: none}"},
		{name: "missing interval", conf: "stats: {type: graphite}", err: "stats.interval was an invalid duration: "},
		{name: "unknown type", conf: "stats: {type: statsd, interval: 1s}", err: "stats.type was not understood: statsd"},
		{name: "graphite no host", conf: "stats: {type: graphite, interval: 1s}", err: "stats.host can not be empty"},
		{name: "graphite", conf: "stats: {type: graphite, interval: 1s, host: '127.0.0.1:2003'}"},
		{name: "prometheus no listen", conf: "stats: {type: prometheus, interval: 1s}", err: "stats.listen should not be empty"},
		{name: "prometheus no path", conf: "stats: {type: prometheus, interval: 1s, listen: '127.0.0.1:0'}", err: "stats.path should not be empty"},
		{name: "prometheus", conf: "stats: {type: prometheus, interval: 1s, listen: '127.0.0.1:0', path: /metrics}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.conf))

			fn, err := startStats(l, c, "test", true)
			if tt.err != "" {
				assert.EqualError(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Nil(t, fn)
		})
	}
}
