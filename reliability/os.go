package reliability

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// ErrNotPointer is returned by SetConfigFromEnvVars for non-pointer input.
var ErrNotPointer = errors.New("config must be a pointer to a struct")

// LocalEnvConfig reports whether a local .env file was loaded.
type LocalEnvConfig struct {
	Initialized bool
}

var (
	localEnvConfig     *LocalEnvConfig
	localEnvConfigOnce sync.Once
)

// GetenvOrDefault returns the trimmed value of key, or defaultValue when the
// variable is unset or blank.
func GetenvOrDefault(key string, defaultValue string) string {
	str := strings.TrimSpace(os.Getenv(key))
	if str == "" {
		return defaultValue
	}

	return str
}

// GetenvBoolOrDefault parses key as a bool.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	val, err := strconv.ParseBool(GetenvOrDefault(key, ""))
	if err != nil {
		return defaultValue
	}

	return val
}

// GetenvIntOrDefault parses key as an int64.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	val, err := strconv.ParseInt(GetenvOrDefault(key, ""), 10, 64)
	if err != nil {
		return defaultValue
	}

	return val
}

// GetenvDurationOrDefault parses key with time.ParseDuration. A bare integer
// is read as seconds.
func GetenvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	raw := GetenvOrDefault(key, "")
	if raw == "" {
		return defaultValue
	}

	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}

	return val
}

// InitLocalEnvConfig loads .env when ENV_NAME is "local". It runs once per
// process and prints the version and environment name.
func InitLocalEnvConfig() *LocalEnvConfig {
	version := GetenvOrDefault("VERSION", "NO-VERSION")
	envName := GetenvOrDefault("ENV_NAME", "local")

	localEnvConfigOnce.Do(func() {
		fmt.Printf("VERSION: %s\n\n", version)
		fmt.Printf("ENVIRONMENT NAME: %s\n\n", envName)

		if envName != "local" {
			localEnvConfig = &LocalEnvConfig{}
			return
		}

		if err := godotenv.Load(); err != nil {
			fmt.Println("Skipping .env file, using system environment variables")

			localEnvConfig = &LocalEnvConfig{}

			return
		}

		localEnvConfig = &LocalEnvConfig{Initialized: true}
	})

	return localEnvConfig
}

// SetConfigFromEnvVars fills every `env:"NAME"` tagged field of s from the
// environment. Unset variables leave the zero value.
func SetConfigFromEnvVars(s any) error {
	v := reflect.ValueOf(s)
	if v.Kind() != reflect.Ptr || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotPointer
	}

	e := v.Elem()
	t := e.Type()

	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup("env")
		if !ok || tag == "" {
			continue
		}

		field := e.Field(i)
		if !field.CanSet() {
			continue
		}

		if err := setField(field, tag); err != nil {
			return fmt.Errorf("env %s: %w", tag, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, key string) error {
	raw := GetenvOrDefault(key, "")
	if raw == "" {
		return nil
	}

	if field.Type() == durationType {
		field.SetInt(int64(GetenvDurationOrDefault(key, 0)))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		field.SetBool(GetenvBoolOrDefault(key, false))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}

		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}

	return nil
}
