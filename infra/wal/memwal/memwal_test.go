package memwal

import (
	"testing"

	"strata/infra/wal"
	"strata/infra/wal/waltest"
)

func TestBackendContract(t *testing.T) {
	waltest.Run(t, func(t *testing.T) wal.Backend {
		// A restart of the memory backend only re-runs recovery; state lives
		// in the shared instance, keyed per subtest.
		b, ok := shared[t.Name()]
		if !ok {
			b = New()
			shared[t.Name()] = b
		}
		return b
	})
}

var shared = map[string]*Backend{}
