package settings

import (
	"flag"
	"time"
)

const defaultConfigPath = "config.json"

func accessorFor[T any](fs *flag.FlagSet, name string, value *T) func() *T {
	return func() *T {
		found := false
		fs.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		if !found {
			return nil
		}
		return value
	}
}

func registerStringFlag(fs *flag.FlagSet, name string, defaultValue string, description string) func() *string {
	return accessorFor(fs, name, fs.String(name, defaultValue, description))
}

func registerIntFlag(fs *flag.FlagSet, name string, defaultValue int, description string) func() *int {
	return accessorFor(fs, name, fs.Int(name, defaultValue, description))
}

func registerBoolFlag(fs *flag.FlagSet, name string, defaultValue bool, description string) func() *bool {
	return accessorFor(fs, name, fs.Bool(name, defaultValue, description))
}

func registerDurationFlag(fs *flag.FlagSet, name string, defaultValue time.Duration, description string) func() *time.Duration {
	return accessorFor(fs, name, fs.Duration(name, defaultValue, description))
}

func registerFloatFlag(fs *flag.FlagSet, name string, defaultValue float64, description string) func() *float64 {
	return accessorFor(fs, name, fs.Float64(name, defaultValue, description))
}

func loadSettingsFromCmdArgs(args []string) (*Settings, string, error) {
	fs := flag.NewFlagSet("strato", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "the json file with settings")
	accessKeyIdAccessor := registerStringFlag(fs, "accessKeyId", "", "the access key id")
	secretAccessKeyAccessor := registerStringFlag(fs, "secretAccessKey", "", "the secret access key")
	regionAccessor := registerStringFlag(fs, "region", defaultRegion, "the region for the s3 api")
	domainAccessor := registerStringFlag(fs, "domain", defaultDomain, "the domain for the s3 api")
	bindAddressAccessor := registerStringFlag(fs, "bindAddress", defaultBindAddress, "the address the s3 socket is bound to")
	portAccessor := registerIntFlag(fs, "port", defaultPort, "the port for the s3 api")
	monitoringPortAccessor := registerIntFlag(fs, "monitoringPort", defaultMonitoringPort, "the port for metrics and health checks")
	monitoringPortEnabledAccessor := registerBoolFlag(fs, "monitoringPortEnabled", defaultMonitoringPortEnabled, "serve metrics and health checks")
	logLevelAccessor := registerStringFlag(fs, "logLevel", defaultLogLevel, "debug, info, warn or error")
	backendAccessor := registerStringFlag(fs, "backend", defaultBackend, "memory, sqlite or postgres")
	dbPathAccessor := registerStringFlag(fs, "dbPath", defaultDbPath, "the sqlite database file")
	dbUrlAccessor := registerStringFlag(fs, "dbUrl", "", "the postgres connection url")
	objectBackendAccessor := registerStringFlag(fs, "objectBackend", defaultObjectBackend, "db stores object data in the backend database, s3 in an S3 bucket")
	s3EndpointAccessor := registerStringFlag(fs, "s3Endpoint", "", "the endpoint of the object data bucket")
	s3BucketAccessor := registerStringFlag(fs, "s3Bucket", "", "the object data bucket")
	s3PrefixAccessor := registerStringFlag(fs, "s3Prefix", "", "the key prefix inside the object data bucket")
	s3RegionAccessor := registerStringFlag(fs, "s3Region", defaultS3Region, "the region of the object data bucket")
	s3AccessKeyIdAccessor := registerStringFlag(fs, "s3AccessKeyId", "", "the access key id for the object data bucket")
	s3SecretAccessKeyAccessor := registerStringFlag(fs, "s3SecretAccessKey", "", "the secret access key for the object data bucket")
	s3UsePathStyleAccessor := registerBoolFlag(fs, "s3UsePathStyle", false, "use path style requests for the object data bucket")
	backendWorkersAccessor := registerIntFlag(fs, "backendWorkers", defaultBackendWorkers, "the number of backend workers")
	backendQueueSizeAccessor := registerIntFlag(fs, "backendQueueSize", defaultBackendQueueSize, "the number of queued backend ops before launches fail")
	backendStopTimeoutAccessor := registerDurationFlag(fs, "backendStopTimeout", defaultBackendStopTimeout, "how long to wait for in-flight backend ops on shutdown")
	failureThresholdAccessor := registerIntFlag(fs, "failureThreshold", defaultFailureThreshold, "connectivity failures within the window that trigger a shutdown")
	failureWindowAccessor := registerDurationFlag(fs, "failureWindow", defaultFailureWindow, "the connectivity failure window")
	maxCollisionRetryCountAccessor := registerIntFlag(fs, "maxCollisionRetryCount", defaultMaxCollisionRetryCount, "object id candidates tried before giving up")
	retryAfterSecondsAccessor := registerIntFlag(fs, "retryAfterSeconds", defaultRetryAfterSeconds, "the Retry-After value of ServiceUnavailable responses")
	authorizerPathAccessor := registerStringFlag(fs, "authorizerPath", defaultAuthorizerPath, "the lua authorizer script")
	reaperEnabledAccessor := registerBoolFlag(fs, "reaperEnabled", defaultReaperEnabled, "run the reaper inside the server")
	reaperIntervalAccessor := registerDurationFlag(fs, "reaperInterval", defaultReaperInterval, "the pause between reaper passes")
	reaperRecordsPerSecondAccessor := registerFloatFlag(fs, "reaperRecordsPerSecond", defaultReaperRecordsPerSecond, "the reaper rate limit, 0 disables it")
	reaperGracePeriodAccessor := registerDurationFlag(fs, "reaperGracePeriod", defaultReaperGracePeriod, "the age after which unfinished records are reaped")
	otelExporterAccessor := registerStringFlag(fs, "otelExporter", "", "otlp or stdout, empty disables tracing")
	otelEndpointAccessor := registerStringFlag(fs, "otelEndpoint", defaultOtelEndpoint, "the otlp http endpoint")
	otelSampleRatioAccessor := registerFloatFlag(fs, "otelSampleRatio", defaultOtelSampleRatio, "the share of root traces that are sampled")

	err := fs.Parse(args)
	if err != nil {
		return nil, "", err
	}

	return &Settings{
		accessKeyId:            accessKeyIdAccessor(),
		secretAccessKey:        secretAccessKeyAccessor(),
		region:                 regionAccessor(),
		domain:                 domainAccessor(),
		bindAddress:            bindAddressAccessor(),
		port:                   portAccessor(),
		monitoringPort:         monitoringPortAccessor(),
		monitoringPortEnabled:  monitoringPortEnabledAccessor(),
		logLevel:               logLevelAccessor(),
		backend:                backendAccessor(),
		dbPath:                 dbPathAccessor(),
		dbUrl:                  dbUrlAccessor(),
		objectBackend:          objectBackendAccessor(),
		s3Endpoint:             s3EndpointAccessor(),
		s3Bucket:               s3BucketAccessor(),
		s3Prefix:               s3PrefixAccessor(),
		s3Region:               s3RegionAccessor(),
		s3AccessKeyId:          s3AccessKeyIdAccessor(),
		s3SecretAccessKey:      s3SecretAccessKeyAccessor(),
		s3UsePathStyle:         s3UsePathStyleAccessor(),
		backendWorkers:         backendWorkersAccessor(),
		backendQueueSize:       backendQueueSizeAccessor(),
		backendStopTimeout:     backendStopTimeoutAccessor(),
		failureThreshold:       failureThresholdAccessor(),
		failureWindow:          failureWindowAccessor(),
		maxCollisionRetryCount: maxCollisionRetryCountAccessor(),
		retryAfterSeconds:      retryAfterSecondsAccessor(),
		authorizerPath:         authorizerPathAccessor(),
		reaperEnabled:          reaperEnabledAccessor(),
		reaperInterval:         reaperIntervalAccessor(),
		reaperRecordsPerSecond: reaperRecordsPerSecondAccessor(),
		reaperGracePeriod:      reaperGracePeriodAccessor(),
		otelExporter:           otelExporterAccessor(),
		otelEndpoint:           otelEndpointAccessor(),
		otelSampleRatio:        otelSampleRatioAccessor(),
	}, *configPath, nil
}
