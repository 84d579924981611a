package session

import "fmt"

// Store kinds accepted by Config.Store.
const (
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

// Config selects and configures a storage backend from YAML.
type Config struct {
	// Store specifies the storage backend type.
	// Options: "memory", "redis", "firestore". Default: "memory".
	Store string `yaml:"store"`

	// Redis holds connection settings when Store is "redis".
	Redis RedisConfig `yaml:"redis,omitempty"`

	// Firestore holds settings when Store is "firestore".
	Firestore FirestoreConfig `yaml:"firestore,omitempty"`
}

// FirestoreConfig holds Firestore connection settings. The firestore
// subpackage consumes it; keeping the data here lets callers parse one
// config file without importing the Firestore client.
type FirestoreConfig struct {
	// ProjectID is the GCP project ID (required for the firestore store).
	ProjectID string `yaml:"project_id"`
	// CredentialsFile is an optional service account credentials path.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{Store: StoreMemory}
}

// OpenBackend constructs the backend selected by cfg. Firestore is wired
// by the caller (it needs a context and pulls in the cloud client); this
// covers the self-contained stores.
func OpenBackend(cfg Config) (Backend, error) {
	switch cfg.Store {
	case "", StoreMemory:
		return NewMemoryBackend(), nil
	case StoreRedis:
		return NewRedisBackend(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
