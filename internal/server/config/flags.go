package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-s string   HMAC secret key for presigned-URL tokens
//	-m string   metrics bind address
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-l string   local backend root directory
//	-k string   default backend kind ("s3" or "local")
//	-t int      upload session TTL, hours
//	-w int      scan worker count
//
// The function filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-s", "-m", "-u", "-p", "-b", "-g", "-e", "-l", "-k", "-t", "-w"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics bind address")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.StringVar(&config.LocalRoot, "l", config.LocalRoot, "local backend root")
	fs.StringVar(&config.DefaultBackend, "k", config.DefaultBackend, "default backend kind")

	sessionTTLHours := fs.Int("t", int(config.SessionTTL.Hours()), "upload session TTL (in hours)")
	fs.IntVar(&config.ScanWorkers, "w", config.ScanWorkers, "scan worker count")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.SessionTTL = time.Duration(*sessionTTLHours) * time.Hour
}
