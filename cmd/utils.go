package cmd

import (
	"flag"
	"log"

	"github.com/joho/godotenv"

	"cinetrain/internal/config"
	"cinetrain/internal/storage"
)

// LoadEnvFile loads an env file given via -env. Binaries that define their
// own flags must register them before calling this, it runs flag.Parse.
func LoadEnvFile() {
	var configPath string

	flag.StringVar(&configPath, "env", "", "path to load env from")
	flag.Parse()

	if configPath == "" {
		log.Printf("no env file specified, using os.Environ only")
		return
	}

	log.Printf("loading env from file %s", configPath)
	if err := godotenv.Load(configPath); err != nil {
		log.Fatalf("error loading .env file '%s': %v", configPath, err)
	}
}

// NewObjectStore picks the checkpoint archive backend: S3 when credentials
// or an endpoint are configured, a local directory otherwise.
func NewObjectStore(cfg *config.Service) (storage.ObjectStore, error) {
	if cfg.S3EndpointURL != "" || cfg.S3AccessKeyID != "" {
		return storage.NewS3ObjectStore(storage.S3Config{
			Endpoint:        cfg.S3EndpointURL,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	}
	return storage.NewLocalObjectStore(cfg.LocalStorageDir)
}
