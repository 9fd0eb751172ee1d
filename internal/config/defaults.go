package config

import "time"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultConfigPath            = "~/.config/cliprun/config.toml"
	defaultDataDir               = "~/.local/share/cliprun"
	defaultLogDir                = "~/.local/share/cliprun/logs"
	defaultQueue                 = "main-pipeline"
	defaultPostgresPort          = 5432
	defaultPostgresSSLMode       = "disable"
	defaultPostgresMaxOpen       = 20
	defaultPostgresMaxIdle       = 5
	defaultPostgresConnLifetime  = 1800
	defaultPostgresPingTimeout   = 5
	defaultPostgresStmtTimeout   = 120
	defaultPostgresRetries       = 30
	defaultPostgresRetryDelayMS  = 1000
	defaultObjectStoreBucket     = "cliprun-results"
	defaultObjectStoreRegion     = "us-east-1"
	defaultObjectStorePrefix     = "runs"
	defaultNotifyRequestTimeout  = 10
	defaultWorkers               = 4
	defaultPollInterval          = 2
	defaultHeartbeatInterval     = 20
	defaultHeartbeatTimeout      = 120
	defaultApprovalTimeout       = 24 * 60 * 60
	defaultExecutionGrace        = 300
	defaultRetryMaxAttempts      = 3
	defaultRetryBaseDelayMS      = 1000
	defaultRetryMaxDelayMS       = 8000
	defaultRetryMaxElapsedSecond = 30
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Store: Store{
			Driver: DriverSQLite,
			Queue:  defaultQueue,
		},
		Postgres: Postgres{
			Port:                defaultPostgresPort,
			SSLMode:             defaultPostgresSSLMode,
			MaxOpenConns:        defaultPostgresMaxOpen,
			MaxIdleConns:        defaultPostgresMaxIdle,
			ConnMaxLifetime:     defaultPostgresConnLifetime,
			PingTimeout:         defaultPostgresPingTimeout,
			StatementTimeout:    defaultPostgresStmtTimeout,
			ConnectRetries:      defaultPostgresRetries,
			ConnectRetryDelayMS: defaultPostgresRetryDelayMS,
		},
		ObjectStore: ObjectStore{
			Bucket: defaultObjectStoreBucket,
			Region: defaultObjectStoreRegion,
			Prefix: defaultObjectStorePrefix,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			OnCompleted:    true,
			OnFailed:       true,
		},
		Workflow: Workflow{
			Workers:           defaultWorkers,
			PollInterval:      defaultPollInterval,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			ApprovalTimeout:   defaultApprovalTimeout,
			ExecutionGrace:    defaultExecutionGrace,
		},
		Retry: Retry{
			MaxAttempts:       defaultRetryMaxAttempts,
			BaseDelayMS:       defaultRetryBaseDelayMS,
			MaxDelayMS:        defaultRetryMaxDelayMS,
			MaxElapsedSeconds: defaultRetryMaxElapsedSecond,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

func millis(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// PollDuration is the dispatcher poll interval.
func (w Workflow) PollDuration() time.Duration { return seconds(w.PollInterval) }

// HeartbeatDuration is how often leases and in-flight records are refreshed.
func (w Workflow) HeartbeatDuration() time.Duration { return seconds(w.HeartbeatInterval) }

// HeartbeatTimeoutDuration is the age after which a lease is considered abandoned.
func (w Workflow) HeartbeatTimeoutDuration() time.Duration { return seconds(w.HeartbeatTimeout) }

// ApprovalTimeoutDuration is the approval window of a gating stage.
func (w Workflow) ApprovalTimeoutDuration() time.Duration { return seconds(w.ApprovalTimeout) }

// ExecutionGraceDuration is the age after which an IN_PROGRESS record counts as failed.
func (w Workflow) ExecutionGraceDuration() time.Duration { return seconds(w.ExecutionGrace) }

// BaseDelay is the first retry delay.
func (r Retry) BaseDelay() time.Duration { return millis(r.BaseDelayMS) }

// MaxDelay caps a single retry delay.
func (r Retry) MaxDelay() time.Duration { return millis(r.MaxDelayMS) }

// MaxElapsed is the hard ceiling on time spent in one activity.
func (r Retry) MaxElapsed() time.Duration { return seconds(r.MaxElapsedSeconds) }

// RequestTimeoutDuration bounds one webhook delivery.
func (n Notifications) RequestTimeoutDuration() time.Duration { return seconds(n.RequestTimeout) }
