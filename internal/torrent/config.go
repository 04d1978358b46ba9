package torrent

import (
	"github.com/nullbyte-labs/swarmcore/internal/config"
	"github.com/nullbyte-labs/swarmcore/internal/persistence"
	"github.com/nullbyte-labs/swarmcore/internal/storage"
)

// pieceQueueBound is the number of pieces the manager keeps concurrently
// in flight, order of ~5 per the piece package's own design notes.
const pieceQueueBound = 8

// Config bundles the ambient client configuration with the on-disk
// locations a Torrent needs: where to write the data file, and the
// shared bitfield/metadata cache used across restarts. Cache is optional;
// a nil Cache means the torrent never persists resume state.
type Config struct {
	Client  *config.Config
	Storage *storage.Config
	Cache   *persistence.Store
}

// WithDefaultConfig builds a Config with sane client and storage defaults
// and no cache, suitable for a one-shot CLI invocation that does not
// resume across runs.
func WithDefaultConfig() (*Config, error) {
	clientCfg, err := config.DefaultConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Client:  &clientCfg,
		Storage: storage.WithDefaultConfig(),
	}, nil
}
