package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Token              string        `env:"TOKEN,required,notEmpty"`
	APIBaseURL         string        `env:"API_BASE_URL"         envDefault:"https://api.twitter.com"`
	DBPath             string        `env:"DB_PATH"              envDefault:"tweetfeed.sqlite"`
	FeedDir            string        `env:"FEED_DIR"             envDefault:"feeds"`
	FeedBaseURL        string        `env:"FEED_BASE_URL"        envDefault:"http://localhost/feeds"`
	PollInterval       time.Duration `env:"POLL_INTERVAL"        envDefault:"90s"`
	SynthesizeInterval time.Duration `env:"SYNTHESIZE_INTERVAL"  envDefault:"60s"`
	MaxPollBackoff     time.Duration `env:"MAX_POLL_BACKOFF"     envDefault:"15m"`
	PageSize           int           `env:"PAGE_SIZE"            envDefault:"200"`
	BatchSize          int           `env:"BATCH_SIZE"           envDefault:"200"`
	RetentionCap       int           `env:"RETENTION_CAP"        envDefault:"100"`
	RebuildOnStart     bool          `env:"REBUILD_ON_START"     envDefault:"false"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
