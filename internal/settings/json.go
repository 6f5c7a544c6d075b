package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// jsonDuration accepts time.ParseDuration strings like "90s".
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = jsonDuration(parsed)
	return nil
}

func (d *jsonDuration) ptr() *time.Duration {
	if d == nil {
		return nil
	}
	v := time.Duration(*d)
	return &v
}

type jsonSettings struct {
	AccessKeyId            *string       `json:"accessKeyId"`
	SecretAccessKey        *string       `json:"secretAccessKey"`
	Region                 *string       `json:"region"`
	Domain                 *string       `json:"domain"`
	BindAddress            *string       `json:"bindAddress"`
	Port                   *int          `json:"port"`
	MonitoringPort         *int          `json:"monitoringPort"`
	MonitoringPortEnabled  *bool         `json:"monitoringPortEnabled"`
	LogLevel               *string       `json:"logLevel"`
	Backend                *string       `json:"backend"`
	DbPath                 *string       `json:"dbPath"`
	DbUrl                  *string       `json:"dbUrl"`
	ObjectBackend          *string       `json:"objectBackend"`
	S3Endpoint             *string       `json:"s3Endpoint"`
	S3Bucket               *string       `json:"s3Bucket"`
	S3Prefix               *string       `json:"s3Prefix"`
	S3Region               *string       `json:"s3Region"`
	S3AccessKeyId          *string       `json:"s3AccessKeyId"`
	S3SecretAccessKey      *string       `json:"s3SecretAccessKey"`
	S3UsePathStyle         *bool         `json:"s3UsePathStyle"`
	BackendWorkers         *int          `json:"backendWorkers"`
	BackendQueueSize       *int          `json:"backendQueueSize"`
	BackendStopTimeout     *jsonDuration `json:"backendStopTimeout"`
	FailureThreshold       *int          `json:"failureThreshold"`
	FailureWindow          *jsonDuration `json:"failureWindow"`
	MaxCollisionRetryCount *int          `json:"maxCollisionRetryCount"`
	RetryAfterSeconds      *int          `json:"retryAfterSeconds"`
	AuthorizerPath         *string       `json:"authorizerPath"`
	ReaperEnabled          *bool         `json:"reaperEnabled"`
	ReaperInterval         *jsonDuration `json:"reaperInterval"`
	ReaperRecordsPerSecond *float64      `json:"reaperRecordsPerSecond"`
	ReaperGracePeriod      *jsonDuration `json:"reaperGracePeriod"`
	OtelExporter           *string       `json:"otelExporter"`
	OtelEndpoint           *string       `json:"otelEndpoint"`
	OtelSampleRatio        *float64      `json:"otelSampleRatio"`
}

func parseSettingsJson(jsonData []byte) (*Settings, error) {
	js := jsonSettings{}
	err := json.Unmarshal(jsonData, &js)
	if err != nil {
		return nil, err
	}
	return &Settings{
		accessKeyId:            js.AccessKeyId,
		secretAccessKey:        js.SecretAccessKey,
		region:                 js.Region,
		domain:                 js.Domain,
		bindAddress:            js.BindAddress,
		port:                   js.Port,
		monitoringPort:         js.MonitoringPort,
		monitoringPortEnabled:  js.MonitoringPortEnabled,
		logLevel:               js.LogLevel,
		backend:                js.Backend,
		dbPath:                 js.DbPath,
		dbUrl:                  js.DbUrl,
		objectBackend:          js.ObjectBackend,
		s3Endpoint:             js.S3Endpoint,
		s3Bucket:               js.S3Bucket,
		s3Prefix:               js.S3Prefix,
		s3Region:               js.S3Region,
		s3AccessKeyId:          js.S3AccessKeyId,
		s3SecretAccessKey:      js.S3SecretAccessKey,
		s3UsePathStyle:         js.S3UsePathStyle,
		backendWorkers:         js.BackendWorkers,
		backendQueueSize:       js.BackendQueueSize,
		backendStopTimeout:     js.BackendStopTimeout.ptr(),
		failureThreshold:       js.FailureThreshold,
		failureWindow:          js.FailureWindow.ptr(),
		maxCollisionRetryCount: js.MaxCollisionRetryCount,
		retryAfterSeconds:      js.RetryAfterSeconds,
		authorizerPath:         js.AuthorizerPath,
		reaperEnabled:          js.ReaperEnabled,
		reaperInterval:         js.ReaperInterval.ptr(),
		reaperRecordsPerSecond: js.ReaperRecordsPerSecond,
		reaperGracePeriod:      js.ReaperGracePeriod.ptr(),
		otelExporter:           js.OtelExporter,
		otelEndpoint:           js.OtelEndpoint,
		otelSampleRatio:        js.OtelSampleRatio,
	}, nil
}

func loadSettingsFromJson(jsonFile string) (*Settings, error) {
	jsonData, err := os.ReadFile(jsonFile)
	if err != nil {
		return nil, err
	}
	return parseSettingsJson(jsonData)
}
