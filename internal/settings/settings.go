package settings

import (
	"errors"
	"io/fs"
	"reflect"
	"time"
	"unsafe"
)

const defaultRegion = "eu-central-1"
const defaultDomain = "localhost"
const defaultBindAddress = "0.0.0.0"
const defaultPort = 9000
const defaultMonitoringPort = 9090
const defaultMonitoringPortEnabled = true
const defaultLogLevel = "debug"
const defaultBackend = BackendSqlite
const defaultDbPath = "./data/strato.db"
const defaultObjectBackend = ObjectBackendDb
const defaultS3Region = "us-east-1"
const defaultBackendWorkers = 16
const defaultBackendQueueSize = 1024
const defaultBackendStopTimeout = 10 * time.Second
const defaultFailureThreshold = 5
const defaultFailureWindow = 60 * time.Second
const defaultMaxCollisionRetryCount = 20
const defaultRetryAfterSeconds = 1
const defaultAuthorizerPath = "./authorizer.lua"
const defaultReaperEnabled = true
const defaultReaperInterval = time.Minute
const defaultReaperRecordsPerSecond = 100.0
const defaultReaperGracePeriod = time.Hour
const defaultOtelEndpoint = "localhost:4318"
const defaultOtelSampleRatio = 1.0

const (
	BackendMemory   = "memory"
	BackendSqlite   = "sqlite"
	BackendPostgres = "postgres"
)

const (
	ObjectBackendDb = "db"
	ObjectBackendS3 = "s3"
)

const mergableTagKey = "mergable"

type Credentials struct {
	AccessKeyId     string
	SecretAccessKey string
}

type Settings struct {
	accessKeyId            *string        `mergable:""`
	secretAccessKey        *string        `mergable:""`
	region                 *string        `mergable:""`
	domain                 *string        `mergable:""`
	bindAddress            *string        `mergable:""`
	port                   *int           `mergable:""`
	monitoringPort         *int           `mergable:""`
	monitoringPortEnabled  *bool          `mergable:""`
	logLevel               *string        `mergable:""`
	backend                *string        `mergable:""`
	dbPath                 *string        `mergable:""`
	dbUrl                  *string        `mergable:""`
	objectBackend          *string        `mergable:""`
	s3Endpoint             *string        `mergable:""`
	s3Bucket               *string        `mergable:""`
	s3Prefix               *string        `mergable:""`
	s3Region               *string        `mergable:""`
	s3AccessKeyId          *string        `mergable:""`
	s3SecretAccessKey      *string        `mergable:""`
	s3UsePathStyle         *bool          `mergable:""`
	backendWorkers         *int           `mergable:""`
	backendQueueSize       *int           `mergable:""`
	backendStopTimeout     *time.Duration `mergable:""`
	failureThreshold       *int           `mergable:""`
	failureWindow          *time.Duration `mergable:""`
	maxCollisionRetryCount *int           `mergable:""`
	retryAfterSeconds      *int           `mergable:""`
	authorizerPath         *string        `mergable:""`
	reaperEnabled          *bool          `mergable:""`
	reaperInterval         *time.Duration `mergable:""`
	reaperRecordsPerSecond *float64       `mergable:""`
	reaperGracePeriod      *time.Duration `mergable:""`
	otelExporter           *string        `mergable:""`
	otelEndpoint           *string        `mergable:""`
	otelSampleRatio        *float64       `mergable:""`
}

func valueOrDefault[V any](v *V, defaultValue V) V {
	if v == nil {
		return defaultValue
	}
	return *v
}

func (s *Settings) AccessKeyId() string {
	return valueOrDefault(s.accessKeyId, "")
}

func (s *Settings) SecretAccessKey() string {
	return valueOrDefault(s.secretAccessKey, "")
}

// Credentials returns nil when no access key is configured, which disables
// request signature checks.
func (s *Settings) Credentials() []Credentials {
	if s.AccessKeyId() == "" || s.SecretAccessKey() == "" {
		return nil
	}
	return []Credentials{{AccessKeyId: s.AccessKeyId(), SecretAccessKey: s.SecretAccessKey()}}
}

func (s *Settings) Region() string {
	return valueOrDefault(s.region, defaultRegion)
}

func (s *Settings) Domain() string {
	return valueOrDefault(s.domain, defaultDomain)
}

func (s *Settings) BindAddress() string {
	return valueOrDefault(s.bindAddress, defaultBindAddress)
}

func (s *Settings) Port() int {
	return valueOrDefault(s.port, defaultPort)
}

func (s *Settings) MonitoringPort() int {
	return valueOrDefault(s.monitoringPort, defaultMonitoringPort)
}

func (s *Settings) MonitoringPortEnabled() bool {
	return valueOrDefault(s.monitoringPortEnabled, defaultMonitoringPortEnabled)
}

func (s *Settings) LogLevel() string {
	return valueOrDefault(s.logLevel, defaultLogLevel)
}

func (s *Settings) Backend() string {
	return valueOrDefault(s.backend, defaultBackend)
}

func (s *Settings) DbPath() string {
	return valueOrDefault(s.dbPath, defaultDbPath)
}

func (s *Settings) DbUrl() string {
	return valueOrDefault(s.dbUrl, "")
}

func (s *Settings) ObjectBackend() string {
	return valueOrDefault(s.objectBackend, defaultObjectBackend)
}

func (s *Settings) S3Endpoint() string {
	return valueOrDefault(s.s3Endpoint, "")
}

func (s *Settings) S3Bucket() string {
	return valueOrDefault(s.s3Bucket, "")
}

func (s *Settings) S3Prefix() string {
	return valueOrDefault(s.s3Prefix, "")
}

func (s *Settings) S3Region() string {
	return valueOrDefault(s.s3Region, defaultS3Region)
}

func (s *Settings) S3AccessKeyId() string {
	return valueOrDefault(s.s3AccessKeyId, "")
}

func (s *Settings) S3SecretAccessKey() string {
	return valueOrDefault(s.s3SecretAccessKey, "")
}

func (s *Settings) S3UsePathStyle() bool {
	return valueOrDefault(s.s3UsePathStyle, false)
}

func (s *Settings) BackendWorkers() int {
	return valueOrDefault(s.backendWorkers, defaultBackendWorkers)
}

func (s *Settings) BackendQueueSize() int {
	return valueOrDefault(s.backendQueueSize, defaultBackendQueueSize)
}

func (s *Settings) BackendStopTimeout() time.Duration {
	return valueOrDefault(s.backendStopTimeout, defaultBackendStopTimeout)
}

func (s *Settings) FailureThreshold() int {
	return valueOrDefault(s.failureThreshold, defaultFailureThreshold)
}

func (s *Settings) FailureWindow() time.Duration {
	return valueOrDefault(s.failureWindow, defaultFailureWindow)
}

func (s *Settings) MaxCollisionRetryCount() int {
	return valueOrDefault(s.maxCollisionRetryCount, defaultMaxCollisionRetryCount)
}

func (s *Settings) RetryAfterSeconds() int {
	return valueOrDefault(s.retryAfterSeconds, defaultRetryAfterSeconds)
}

func (s *Settings) AuthorizerPath() string {
	return valueOrDefault(s.authorizerPath, defaultAuthorizerPath)
}

func (s *Settings) ReaperEnabled() bool {
	return valueOrDefault(s.reaperEnabled, defaultReaperEnabled)
}

func (s *Settings) ReaperInterval() time.Duration {
	return valueOrDefault(s.reaperInterval, defaultReaperInterval)
}

func (s *Settings) ReaperRecordsPerSecond() float64 {
	return valueOrDefault(s.reaperRecordsPerSecond, defaultReaperRecordsPerSecond)
}

func (s *Settings) ReaperGracePeriod() time.Duration {
	return valueOrDefault(s.reaperGracePeriod, defaultReaperGracePeriod)
}

// OtelExporter is empty when tracing is disabled.
func (s *Settings) OtelExporter() string {
	return valueOrDefault(s.otelExporter, "")
}

func (s *Settings) OtelEndpoint() string {
	return valueOrDefault(s.otelEndpoint, defaultOtelEndpoint)
}

// OtelSampleRatio is the share of root traces that are sampled.
func (s *Settings) OtelSampleRatio() float64 {
	return valueOrDefault(s.otelSampleRatio, defaultOtelSampleRatio)
}

func getUnexportedField(field reflect.Value) interface{} {
	return reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem().Interface()
}

func setUnexportedField(field reflect.Value, value interface{}) {
	reflect.NewAt(field.Type(), unsafe.Pointer(field.UnsafeAddr())).Elem().Set(reflect.ValueOf(value))
}

func isNilish(val any) bool {
	if val == nil {
		return true
	}

	v := reflect.ValueOf(val)
	k := v.Kind()
	switch k {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer,
		reflect.UnsafePointer, reflect.Interface, reflect.Slice:
		return v.IsNil()
	}

	return false
}

func (s *Settings) merge(other *Settings) {
	fields := reflect.VisibleFields(reflect.TypeOf(other).Elem())
	sStruct := reflect.ValueOf(s).Elem()
	otherStruct := reflect.ValueOf(other).Elem()

	for _, field := range fields {
		if _, ok := field.Tag.Lookup(mergableTagKey); !ok {
			continue
		}
		sField := sStruct.FieldByName(field.Name)
		otherField := otherStruct.FieldByName(field.Name)

		otherFieldValue := getUnexportedField(otherField)
		if field.Type.Kind() == reflect.Pointer && isNilish(otherFieldValue) {
			continue
		}
		setUnexportedField(sField, otherFieldValue)
	}
}

func mergeSettings(settings ...*Settings) *Settings {
	var result *Settings = &Settings{}
	for _, setting := range settings {
		if setting == nil {
			continue
		}
		result.merge(setting)
	}
	return result
}

// LoadSettings merges config.json (or the file named by -config), the
// command line and STRATO_* environment variables. Later sources win.
func LoadSettings(args []string) (*Settings, error) {
	cmdArgsSettings, configPath, err := loadSettingsFromCmdArgs(args)
	if err != nil {
		return nil, err
	}
	jsonSettings, err := loadSettingsFromJson(configPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	envSettings, err := loadSettingsFromEnv()
	if err != nil {
		return nil, err
	}
	settings := mergeSettings(jsonSettings, cmdArgsSettings, envSettings)
	return settings, nil
}
