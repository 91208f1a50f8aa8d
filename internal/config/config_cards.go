package config

import "time"

// CardsConfig configures the approval card queue, generator, and sweeper.
type CardsConfig struct {
	// ConfidenceFloor filters generated cards below this confidence score.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// MaxCardsPerMessage bounds how many cards the generator may emit for a
	// single inbound message.
	MaxCardsPerMessage int `yaml:"max_cards_per_message"`

	// TTL is how long a pending card survives before the sweeper expires it.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is the plain-ticker fallback sweep cadence.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SweepCron, if set, schedules the sweep via a cron expression
	// (github.com/robfig/cron/v3) instead of the plain ticker.
	SweepCron string `yaml:"sweep_cron"`

	// SubscriberQueueDepth bounds each broadcaster subscriber's channel.
	SubscriberQueueDepth int `yaml:"subscriber_queue_depth"`
}

func applyCardsDefaults(cfg *CardsConfig) {
	if cfg.ConfidenceFloor == 0 {
		cfg.ConfidenceFloor = 0.55
	}
	if cfg.MaxCardsPerMessage == 0 {
		cfg.MaxCardsPerMessage = 3
	}
	if cfg.TTL == 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SubscriberQueueDepth == 0 {
		cfg.SubscriberQueueDepth = 32
	}
}
