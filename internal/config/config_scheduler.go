package config

// SchedulerConfig configures the agent/cron scheduler.
type SchedulerConfig struct {
	TickInterval string `yaml:"tick_interval"`
}
