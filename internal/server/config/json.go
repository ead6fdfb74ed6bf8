package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/docuvault/internal/flagx"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
	"github.com/dmitrijs2005/docuvault/internal/timex"
)

// JsonConfig is the DTO used only for reading JSON configuration files.
// Interval fields use timex.Duration so both "24h" strings and integer
// nanoseconds parse. After unmarshalling, set fields are copied into the
// runtime Config.
type JsonConfig struct {
	DatabaseDSN string `json:"database_dsn"`
	SecretKey   string `json:"secret_key"`
	MetricsAddr string `json:"metrics_addr"`

	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	LocalRoot       string `json:"local_root"`
	LocalQuotaBytes int64  `json:"local_quota_bytes"`

	DefaultBackend string `json:"default_backend"`

	EncryptByDefault *bool  `json:"encrypt_by_default"`
	EncryptionKeyHex string `json:"encryption_key_hex"`

	ChunkSize            int64          `json:"chunk_size"`
	SessionTTL           timex.Duration `json:"session_ttl"`
	DirectMaxSize        int64          `json:"direct_max_size"`
	ChunkedMaxSize       int64          `json:"chunked_max_size"`
	RequireChunkChecksum *bool          `json:"require_chunk_checksum"`

	ScanMode          string         `json:"scan_mode"`
	MultiScan         *bool          `json:"multi_scan"`
	MaxScanSize       int64          `json:"max_scan_size"`
	ScanTimeout       timex.Duration `json:"scan_timeout"`
	ScanWorkers       int            `json:"scan_workers"`
	ScanQueueSize     int            `json:"scan_queue_size"`
	ScanFailurePolicy string         `json:"scan_failure_policy"`
	ClamdAddr         string         `json:"clamd_addr"`

	LifecycleInterval    timex.Duration `json:"lifecycle_interval"`
	SessionSweepInterval timex.Duration `json:"session_sweep_interval"`
	VersionRetention     timex.Duration `json:"version_retention"`

	Categories map[models.FileCategory]CategoryPolicy `json:"categories"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config flags; when
// neither is set, nothing is loaded. Unset JSON fields keep the defaults.
// An unreadable or invalid file panics, matching flag-parsing behavior.
func parseJson(config *Config) {

	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt64 := func(dst *int64, v int64) {
		if v != 0 {
			*dst = v
		}
	}

	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.MetricsAddr, c.MetricsAddr)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.LocalRoot, c.LocalRoot)
	setInt64(&config.LocalQuotaBytes, c.LocalQuotaBytes)
	setString(&config.DefaultBackend, c.DefaultBackend)
	setString(&config.EncryptionKeyHex, c.EncryptionKeyHex)
	setInt64(&config.ChunkSize, c.ChunkSize)
	setInt64(&config.DirectMaxSize, c.DirectMaxSize)
	setInt64(&config.ChunkedMaxSize, c.ChunkedMaxSize)
	setInt64(&config.MaxScanSize, c.MaxScanSize)
	setString(&config.ClamdAddr, c.ClamdAddr)

	if c.EncryptByDefault != nil {
		config.EncryptByDefault = *c.EncryptByDefault
	}
	if c.RequireChunkChecksum != nil {
		config.RequireChunkChecksum = *c.RequireChunkChecksum
	}
	if c.MultiScan != nil {
		config.MultiScan = *c.MultiScan
	}
	if c.SessionTTL.Duration != 0 {
		config.SessionTTL = c.SessionTTL.Duration
	}
	if c.ScanTimeout.Duration != 0 {
		config.ScanTimeout = c.ScanTimeout.Duration
	}
	if c.LifecycleInterval.Duration != 0 {
		config.LifecycleInterval = c.LifecycleInterval.Duration
	}
	if c.SessionSweepInterval.Duration != 0 {
		config.SessionSweepInterval = c.SessionSweepInterval.Duration
	}
	if c.VersionRetention.Duration != 0 {
		config.VersionRetention = c.VersionRetention.Duration
	}
	if c.ScanMode != "" {
		config.ScanMode = ScanMode(c.ScanMode)
	}
	if c.ScanFailurePolicy != "" {
		config.ScanFailurePolicy = ScanFailurePolicy(c.ScanFailurePolicy)
	}
	if c.ScanWorkers != 0 {
		config.ScanWorkers = c.ScanWorkers
	}
	if c.ScanQueueSize != 0 {
		config.ScanQueueSize = c.ScanQueueSize
	}
	for cat, policy := range c.Categories {
		config.Categories[cat] = policy
	}
}
