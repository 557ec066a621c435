package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"magnet-queue/internal/scheduler"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Download struct {
		DataDir        string
		StatusInterval time.Duration
		ResumeInterval time.Duration
		Trackers       []string
	}
	Engine struct {
		ListenPort        int
		MaxConnsPerJob    int
		DownloadRateLimit int64
		UploadRateLimit   int64
	}
	Queue struct {
		ActiveDownloads       int
		ActiveSeeds           int
		ActiveChecking        int
		ActiveLimit           int
		DontCountSlowTorrents bool
		InactiveDownRate      int64
		InactiveUpRate        int64
		SlowGrace             time.Duration
		Tick                  time.Duration
	}
	Storage struct {
		Bucket   string
		Region   string
		Endpoint string
	}
	AWS struct {
		Profile string
	}
	Backup struct {
		Schedule  string
		KeyPrefix string
		Keep      int
		URLExpiry time.Duration
	}
	Auth struct {
		JWTSecret      string
		RegisterSecret string
		TokenTTL       time.Duration
	}
	Log struct {
		Level string
	}
}

// Limits returns the queue section as scheduler limits.
func (c Config) Limits() scheduler.Limits {
	return scheduler.Limits{
		ActiveDownloads:       c.Queue.ActiveDownloads,
		ActiveSeeds:           c.Queue.ActiveSeeds,
		ActiveChecking:        c.Queue.ActiveChecking,
		ActiveLimit:           c.Queue.ActiveLimit,
		DontCountSlowTorrents: c.Queue.DontCountSlowTorrents,
		InactiveDownloadRate:  c.Queue.InactiveDownRate,
		InactiveUploadRate:    c.Queue.InactiveUpRate,
		SlowGracePeriod:       c.Queue.SlowGrace,
	}
}

// LogLevel parses log.level.
func (c Config) LogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Log.Level)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if c.Queue.Tick <= 0 {
		return errors.New("queue.tick must be positive")
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Download.DataDir == "" {
		return errors.New("download.datadir is required")
	}
	return nil
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("MAGNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	return decode(v)
}

func setDefaults(v *viper.Viper) {
	limits := scheduler.DefaultLimits()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/magnet.db")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.statusinterval", 2*time.Second)
	v.SetDefault("download.resumeinterval", 5*time.Minute)
	v.SetDefault("download.trackers", []string{})
	v.SetDefault("engine.listenport", 0)
	v.SetDefault("engine.maxconnsperjob", 50)
	v.SetDefault("engine.downloadratelimit", 0)
	v.SetDefault("engine.uploadratelimit", 0)
	v.SetDefault("queue.activedownloads", limits.ActiveDownloads)
	v.SetDefault("queue.activeseeds", limits.ActiveSeeds)
	v.SetDefault("queue.activechecking", limits.ActiveChecking)
	v.SetDefault("queue.activelimit", limits.ActiveLimit)
	v.SetDefault("queue.dontcountslowtorrents", limits.DontCountSlowTorrents)
	v.SetDefault("queue.inactivedownrate", limits.InactiveDownloadRate)
	v.SetDefault("queue.inactiveuprate", limits.InactiveUploadRate)
	v.SetDefault("queue.slowgrace", limits.SlowGracePeriod)
	v.SetDefault("queue.tick", time.Second)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("backup.schedule", "")
	v.SetDefault("backup.keyprefix", "magnet-queue/backups")
	v.SetDefault("backup.keep", 7)
	v.SetDefault("backup.urlexpiry", 15*time.Minute)
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registersecret", "")
	v.SetDefault("auth.tokenttl", 12*time.Hour)
	v.SetDefault("log.level", "info")
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
