package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeWorkflow()
	c.normalizeCollaborators()
	c.normalizeLogging()
	c.normalizeEvents()
	c.normalizeStorage()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.DefaultOutputDir, err = expandPath(strings.TrimSpace(c.Paths.DefaultOutputDir)); err != nil {
		return fmt.Errorf("paths.default_output_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	if value, ok := os.LookupEnv("STEMFLOW_API_TOKEN"); ok && strings.TrimSpace(value) != "" {
		c.API.Token = strings.TrimSpace(value)
	}
	c.API.Token = strings.TrimSpace(c.API.Token)
	origins := c.API.CORSOrigins[:0]
	for _, origin := range c.API.CORSOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.API.CORSOrigins = origins
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.SubscriberBuffer == 0 {
		c.Workflow.SubscriberBuffer = defaultSubscriberBuffer
	}
	if c.Workflow.EventHistory == 0 {
		c.Workflow.EventHistory = defaultEventHistory
	}
}

func (c *Config) normalizeCollaborators() {
	c.Collaborators.ArrangeCommand = trimArgs(c.Collaborators.ArrangeCommand)
	c.Collaborators.SeparateCommand = trimArgs(c.Collaborators.SeparateCommand)
	c.Collaborators.AnalyzeCommand = trimArgs(c.Collaborators.AnalyzeCommand)
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeEvents() {
	if c.Events.AMQPURL == "" {
		if value, ok := os.LookupEnv("STEMFLOW_AMQP_URL"); ok {
			c.Events.AMQPURL = value
		}
	}
	c.Events.AMQPURL = strings.TrimSpace(c.Events.AMQPURL)
	c.Events.AMQPExchange = strings.TrimSpace(c.Events.AMQPExchange)
	if c.Events.AMQPExchange == "" {
		c.Events.AMQPExchange = defaultAMQPExchange
	}
	if c.Events.RedisPassword == "" {
		if value, ok := os.LookupEnv("STEMFLOW_REDIS_PASSWORD"); ok {
			c.Events.RedisPassword = value
		}
	}
	c.Events.RedisAddr = strings.TrimSpace(c.Events.RedisAddr)
	c.Events.RedisPrefix = strings.Trim(strings.TrimSpace(c.Events.RedisPrefix), ":")
	if c.Events.RedisPrefix == "" {
		c.Events.RedisPrefix = defaultRedisPrefix
	}
}

func (c *Config) normalizeStorage() {
	c.Storage.Region = strings.TrimSpace(c.Storage.Region)
	if c.Storage.Region == "" {
		if value, ok := os.LookupEnv("AWS_REGION"); ok {
			c.Storage.Region = strings.TrimSpace(value)
		}
	}
	if c.Storage.Region == "" {
		c.Storage.Region = defaultStorageRegion
	}
	c.Storage.Endpoint = strings.TrimRight(strings.TrimSpace(c.Storage.Endpoint), "/")
	c.Storage.ExportBucket = strings.TrimSpace(c.Storage.ExportBucket)
	c.Storage.ExportPrefix = strings.Trim(strings.TrimSpace(c.Storage.ExportPrefix), "/")
}

func trimArgs(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
