package vector

import (
	"fmt"

	"github.com/kestrelhq/kestrel/pkg/config"
)

// NewProvider builds the configured backend. An empty backend selects
// the embedded provider so a bare config still boots.
func NewProvider(cfg config.VectorConfig) (Provider, error) {
	switch cfg.Backend {
	case "", "chromem":
		return NewChromemProvider(ChromemConfig{PersistPath: cfg.Path})
	case "qdrant":
		return NewQdrantProvider(QdrantConfig{Host: cfg.Host, Port: cfg.Port})
	default:
		return nil, fmt.Errorf("unknown vector backend %q (expected chromem or qdrant)", cfg.Backend)
	}
}
