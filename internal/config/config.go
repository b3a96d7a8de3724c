package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	VectorBackendWeaviate = "weaviate"
	VectorBackendPgvector = "pgvector"

	ArtifactBackendPostgres = "postgres"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"onboarding"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"onboarding"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EnableAPI     bool   `envconfig:"ENABLE_API" default:"true"`
	EnableWorker  bool   `envconfig:"ENABLE_WORKER" default:"true"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Backends
	VectorBackend   string `envconfig:"VECTOR_BACKEND" default:"weaviate"`
	PgvectorDSN     string `envconfig:"PGVECTOR_DSN"`
	VectorDim       int    `envconfig:"VECTOR_DIM" default:"3072"`
	ArtifactBackend string `envconfig:"ARTIFACT_BACKEND" default:"postgres"` // "postgres" or an afs URL

	// Gemini
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel  string `envconfig:"GEMINI_EMBEDDING_MODEL" default:"gemini-embedding-001"`
	GenerationModel string `envconfig:"GEMINI_GENERATION_MODEL" default:"gemini-2.0-flash"`

	// Confluence
	ConfluenceURL       string  `envconfig:"CONFLUENCE_URL"`
	ConfluenceEmail     string  `envconfig:"CONFLUENCE_EMAIL"`
	ConfluenceToken     string  `envconfig:"CONFLUENCE_API_TOKEN"`
	ConfluenceRateLimit float64 `envconfig:"CONFLUENCE_RATE_LIMIT" default:"5"`

	// Pipeline
	ChunkSize      int `envconfig:"CHUNK_SIZE" default:"500"`
	ChunkOverlap   int `envconfig:"CHUNK_OVERLAP" default:"50"`
	EmbedBatchSize int `envconfig:"EMBED_BATCH_SIZE" default:"50"`
	EmbedWorkers   int `envconfig:"EMBED_WORKERS" default:"4"`
	MaxJobAttempts int `envconfig:"MAX_JOB_ATTEMPTS" default:"3"`

	// Timeouts
	FetchTimeoutSeconds    int `envconfig:"FETCH_TIMEOUT_SECONDS" default:"30"`
	EmbedTimeoutSeconds    int `envconfig:"EMBED_TIMEOUT_SECONDS" default:"60"`
	GenerateTimeoutSeconds int `envconfig:"GENERATE_TIMEOUT_SECONDS" default:"120"`
	LockTimeoutSeconds     int `envconfig:"LOCK_TIMEOUT_SECONDS" default:"600"`
	// Jobs touch their message at half this interval; nsqd caps it at its --max-msg-timeout.
	NSQMsgTimeoutSeconds   int `envconfig:"NSQ_MSG_TIMEOUT_SECONDS" default:"120"`

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win over .env files.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: CHUNK_SIZE must be positive", ErrInvalid)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalid)
	}
	if c.NSQMsgTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: NSQ_MSG_TIMEOUT_SECONDS must be positive", ErrInvalid)
	}
	if c.EmbedBatchSize <= 0 {
		return fmt.Errorf("%w: EMBED_BATCH_SIZE must be positive", ErrInvalid)
	}
	switch c.VectorBackend {
	case VectorBackendWeaviate:
	case VectorBackendPgvector:
		if c.PgvectorDSN == "" {
			return fmt.Errorf("%w: PGVECTOR_DSN", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: unknown VECTOR_BACKEND %q", ErrInvalid, c.VectorBackend)
	}
	if c.ArtifactBackend != ArtifactBackendPostgres && !strings.Contains(c.ArtifactBackend, "://") {
		return fmt.Errorf("%w: ARTIFACT_BACKEND must be %q or a storage URL", ErrInvalid, ArtifactBackendPostgres)
	}
	return nil
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutSeconds) * time.Second
}

func (c *Config) GenerateTimeout() time.Duration {
	return time.Duration(c.GenerateTimeoutSeconds) * time.Second
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

func (c *Config) NSQMsgTimeout() time.Duration {
	return time.Duration(c.NSQMsgTimeoutSeconds) * time.Second
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
