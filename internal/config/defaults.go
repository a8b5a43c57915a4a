package config

const (
	defaultDataDir             = "~/.local/share/stemflow"
	defaultLogDir              = "~/.local/share/stemflow/logs"
	defaultLogRetentionDays    = 30
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	defaultAPIBind             = "127.0.0.1:7488"
	defaultAcquireTimeout      = 600
	defaultArrangeTimeout      = 300
	defaultSeparateTimeout     = 1800
	defaultAnalyzeTimeout      = 600
	defaultPostprocessTimeout  = 60
	defaultExportTimeout       = 300
	defaultSubscriberBuffer    = 64
	defaultEventHistory        = 1024
	defaultNotifyTimeout       = 10
	defaultAMQPExchange        = "stemflow.events"
	defaultRedisPrefix         = "stemflow"
	defaultRedisStatusTTL      = 86400
	defaultStorageRegion       = "us-east-1"
	defaultStorageExportPrefix = "exports"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		API: API{
			Bind: defaultAPIBind,
		},
		Workflow: Workflow{
			PhaseTimeouts: PhaseTimeouts{
				Acquire:     defaultAcquireTimeout,
				Arrange:     defaultArrangeTimeout,
				Separate:    defaultSeparateTimeout,
				Analyze:     defaultAnalyzeTimeout,
				Postprocess: defaultPostprocessTimeout,
				Export:      defaultExportTimeout,
			},
			SubscriberBuffer: defaultSubscriberBuffer,
			EventHistory:     defaultEventHistory,
		},
		Collaborators: Collaborators{
			ArrangeCommand:  []string{"stemflow-arrange", "--input", "{input}"},
			SeparateCommand: []string{"stemflow-separate", "--input", "{input}", "--output", "{output}"},
			AnalyzeCommand:  []string{"stemflow-analyze", "--stems", "{stems}", "--arrangement", "{arrangement}"},
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			Batch:          true,
			Errors:         true,
		},
		Events: Events{
			AMQPExchange:   defaultAMQPExchange,
			RedisPrefix:    defaultRedisPrefix,
			RedisStatusTTL: defaultRedisStatusTTL,
		},
		Storage: Storage{
			ExportPrefix: defaultStorageExportPrefix,
		},
	}
}
