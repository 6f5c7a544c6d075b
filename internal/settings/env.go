package settings

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envKeyPrefix string = "STRATO"

const accessKeyIdEnvKey string = envKeyPrefix + "_ACCESS_KEY_ID"
const secretAccessKeyEnvKey string = envKeyPrefix + "_SECRET_ACCESS_KEY"
const regionEnvKey string = envKeyPrefix + "_REGION"
const domainEnvKey string = envKeyPrefix + "_DOMAIN"
const bindAddressEnvKey string = envKeyPrefix + "_BIND_ADDRESS"
const portEnvKey string = envKeyPrefix + "_PORT"
const monitoringPortEnvKey string = envKeyPrefix + "_MONITORING_PORT"
const monitoringPortEnabledEnvKey string = envKeyPrefix + "_MONITORING_PORT_ENABLED"
const logLevelEnvKey string = envKeyPrefix + "_LOG_LEVEL"
const backendEnvKey string = envKeyPrefix + "_BACKEND"
const dbPathEnvKey string = envKeyPrefix + "_DB_PATH"
const dbUrlEnvKey string = envKeyPrefix + "_DB_URL"
const objectBackendEnvKey string = envKeyPrefix + "_OBJECT_BACKEND"
const s3EndpointEnvKey string = envKeyPrefix + "_S3_ENDPOINT"
const s3BucketEnvKey string = envKeyPrefix + "_S3_BUCKET"
const s3PrefixEnvKey string = envKeyPrefix + "_S3_PREFIX"
const s3RegionEnvKey string = envKeyPrefix + "_S3_REGION"
const s3AccessKeyIdEnvKey string = envKeyPrefix + "_S3_ACCESS_KEY_ID"
const s3SecretAccessKeyEnvKey string = envKeyPrefix + "_S3_SECRET_ACCESS_KEY"
const s3UsePathStyleEnvKey string = envKeyPrefix + "_S3_USE_PATH_STYLE"
const backendWorkersEnvKey string = envKeyPrefix + "_BACKEND_WORKERS"
const backendQueueSizeEnvKey string = envKeyPrefix + "_BACKEND_QUEUE_SIZE"
const backendStopTimeoutEnvKey string = envKeyPrefix + "_BACKEND_STOP_TIMEOUT"
const failureThresholdEnvKey string = envKeyPrefix + "_FAILURE_THRESHOLD"
const failureWindowEnvKey string = envKeyPrefix + "_FAILURE_WINDOW"
const maxCollisionRetryCountEnvKey string = envKeyPrefix + "_MAX_COLLISION_RETRY_COUNT"
const retryAfterSecondsEnvKey string = envKeyPrefix + "_RETRY_AFTER_SECONDS"
const authorizerPathEnvKey string = envKeyPrefix + "_AUTHORIZER_PATH"
const reaperEnabledEnvKey string = envKeyPrefix + "_REAPER_ENABLED"
const reaperIntervalEnvKey string = envKeyPrefix + "_REAPER_INTERVAL"
const reaperRecordsPerSecondEnvKey string = envKeyPrefix + "_REAPER_RECORDS_PER_SECOND"
const reaperGracePeriodEnvKey string = envKeyPrefix + "_REAPER_GRACE_PERIOD"
const otelExporterEnvKey string = envKeyPrefix + "_OTEL_EXPORTER"
const otelEndpointEnvKey string = envKeyPrefix + "_OTEL_ENDPOINT"
const otelSampleRatioEnvKey string = envKeyPrefix + "_OTEL_SAMPLE_RATIO"

var errInvalidEnvValue = errors.New("invalid environment value")

func getStringFromEnv(envKey string) *string {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	return &val
}

// envParser joins the errors of all malformed values.
type envParser struct {
	err error
}

func (p *envParser) fail(envKey string, err error) {
	p.err = errors.Join(p.err, fmt.Errorf("%w %s: %v", errInvalidEnvValue, envKey, err))
}

func (p *envParser) int(envKey string) *int {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	int64Val, err := strconv.ParseInt(val, 10, 32)
	if err != nil {
		p.fail(envKey, err)
		return nil
	}
	intVal := int(int64Val)
	return &intVal
}

func (p *envParser) bool(envKey string) *bool {
	val := strings.ToLower(os.Getenv(envKey))
	if val == "" {
		return nil
	}
	retval := val == "1" || val == "t" || val == "true"
	return &retval
}

func (p *envParser) duration(envKey string) *time.Duration {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.fail(envKey, err)
		return nil
	}
	return &d
}

func (p *envParser) float(envKey string) *float64 {
	val := os.Getenv(envKey)
	if val == "" {
		return nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.fail(envKey, err)
		return nil
	}
	return &f
}

func loadSettingsFromEnv() (*Settings, error) {
	p := &envParser{}
	settings := &Settings{
		accessKeyId:            getStringFromEnv(accessKeyIdEnvKey),
		secretAccessKey:        getStringFromEnv(secretAccessKeyEnvKey),
		region:                 getStringFromEnv(regionEnvKey),
		domain:                 getStringFromEnv(domainEnvKey),
		bindAddress:            getStringFromEnv(bindAddressEnvKey),
		port:                   p.int(portEnvKey),
		monitoringPort:         p.int(monitoringPortEnvKey),
		monitoringPortEnabled:  p.bool(monitoringPortEnabledEnvKey),
		logLevel:               getStringFromEnv(logLevelEnvKey),
		backend:                getStringFromEnv(backendEnvKey),
		dbPath:                 getStringFromEnv(dbPathEnvKey),
		dbUrl:                  getStringFromEnv(dbUrlEnvKey),
		objectBackend:          getStringFromEnv(objectBackendEnvKey),
		s3Endpoint:             getStringFromEnv(s3EndpointEnvKey),
		s3Bucket:               getStringFromEnv(s3BucketEnvKey),
		s3Prefix:               getStringFromEnv(s3PrefixEnvKey),
		s3Region:               getStringFromEnv(s3RegionEnvKey),
		s3AccessKeyId:          getStringFromEnv(s3AccessKeyIdEnvKey),
		s3SecretAccessKey:      getStringFromEnv(s3SecretAccessKeyEnvKey),
		s3UsePathStyle:         p.bool(s3UsePathStyleEnvKey),
		backendWorkers:         p.int(backendWorkersEnvKey),
		backendQueueSize:       p.int(backendQueueSizeEnvKey),
		backendStopTimeout:     p.duration(backendStopTimeoutEnvKey),
		failureThreshold:       p.int(failureThresholdEnvKey),
		failureWindow:          p.duration(failureWindowEnvKey),
		maxCollisionRetryCount: p.int(maxCollisionRetryCountEnvKey),
		retryAfterSeconds:      p.int(retryAfterSecondsEnvKey),
		authorizerPath:         getStringFromEnv(authorizerPathEnvKey),
		reaperEnabled:          p.bool(reaperEnabledEnvKey),
		reaperInterval:         p.duration(reaperIntervalEnvKey),
		reaperRecordsPerSecond: p.float(reaperRecordsPerSecondEnvKey),
		reaperGracePeriod:      p.duration(reaperGracePeriodEnvKey),
		otelExporter:           getStringFromEnv(otelExporterEnvKey),
		otelEndpoint:           getStringFromEnv(otelEndpointEnvKey),
		otelSampleRatio:        p.float(otelSampleRatioEnvKey),
	}
	if p.err != nil {
		return nil, p.err
	}
	return settings, nil
}
