// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package settings is the runtime name/value configuration persisted in the
// settings table. Every recognized key declares a type and bounds; writes
// are validated against the schema, unknown keys are rejected.
package settings

import (
	"database/sql"
	"strconv"
	"sync"

	"zmed.io/zmonitor/internal/clock"
	"zmed.io/zmonitor/internal/errors"
	"zmed.io/zmonitor/internal/logging"
	"zmed.io/zmonitor/internal/store"
)

// Type of a settings value.
type Type string

const (
	TypeString Type = "string"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeBool   Type = "bool"
)

// Def declares one recognized key.
type Def struct {
	Key     string
	Type    Type
	Default string
	// Enum restricts string values when non-empty.
	Enum []string
	// Min/Max bound numeric values when MinMaxSet.
	Min, Max  float64
	MinMaxSet bool
}

// Recognized keys.
const (
	KeyDeviceID             = "deviceId"
	KeyDeviceLabel          = "deviceLabel"
	KeyMeasurementUnit      = "measurementUnit"
	KeyAlarmSilenceDuration = "alarm.silenceDuration"
	KeyNetRetryAttempts     = "network.connection.retryAttempts"
	KeyNetRetryDelay        = "network.connection.retryDelay"
	KeySessionTimeout       = "security.session.timeout"
	KeyLogLevel             = "log.level"
	KeyLogFormat            = "log.format"
)

// schema declares every recognized key. Alarm limit keys
// (alarm.<metric>.low / .high) and retention keys (data.retention.<table>.days)
// are matched by prefix in defFor.
var schema = []Def{
	{Key: KeyDeviceID, Type: TypeString},
	{Key: KeyDeviceLabel, Type: TypeString},
	{Key: KeyMeasurementUnit, Type: TypeString, Default: "metric", Enum: []string{"metric", "imperial"}},
	{Key: KeyAlarmSilenceDuration, Type: TypeInt, Default: "120", Min: 10, Max: 600, MinMaxSet: true},
	{Key: KeyNetRetryAttempts, Type: TypeInt, Default: "10", Min: 1, Max: 100, MinMaxSet: true},
	{Key: KeyNetRetryDelay, Type: TypeInt, Default: "1", Min: 1, Max: 300, MinMaxSet: true},
	{Key: KeySessionTimeout, Type: TypeInt, Default: "300", Min: 30, Max: 86_400, MinMaxSet: true},
	{Key: KeyLogLevel, Type: TypeString, Default: "info", Enum: []string{"debug", "info", "warn", "error"}},
	{Key: KeyLogFormat, Type: TypeString, Default: "human", Enum: []string{"human", "json"}},
}

// prefixDefs describe key families.
var prefixDefs = []struct {
	prefix string
	suffix string
	def    Def
}{
	{prefix: "alarm.", suffix: ".low", def: Def{Type: TypeFloat}},
	{prefix: "alarm.", suffix: ".high", def: Def{Type: TypeFloat}},
	{prefix: "data.retention.", suffix: ".days", def: Def{Type: TypeInt, Min: 1, Max: 3650, MinMaxSet: true}},
}

// defFor resolves the schema entry for a key.
func defFor(key string) (Def, bool) {
	for _, d := range schema {
		if d.Key == key {
			return d, true
		}
	}
	for _, p := range prefixDefs {
		if len(key) > len(p.prefix)+len(p.suffix) &&
			key[:len(p.prefix)] == p.prefix &&
			key[len(key)-len(p.suffix):] == p.suffix {
			d := p.def
			d.Key = key
			return d, true
		}
	}
	return Def{}, false
}

// Settings reads and writes through the store.
type Settings struct {
	mu     sync.RWMutex
	st     *store.Store
	logger *logging.Logger
	cache  map[string]string
}

// New loads the current table contents into the read cache.
func New(st *store.Store, logger *logging.Logger) (*Settings, error) {
	if logger == nil {
		logger = logging.WithComponent("settings")
	}
	s := &Settings{st: st, logger: logger, cache: make(map[string]string)}

	err := st.QueryRows(store.StmtSelectSettings, func(rows *sql.Rows) error {
		var key, value, typ string
		if err := rows.Scan(&key, &value, &typ); err != nil {
			return err
		}
		s.cache[key] = value
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "loading settings")
	}
	return s, nil
}

// validate checks a value against the key's declared type and bounds.
func validate(d Def, value string) error {
	switch d.Type {
	case TypeInt:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Errorf(errors.KindValidation, "%s: %q is not an integer", d.Key, value)
		}
		if d.MinMaxSet && (float64(n) < d.Min || float64(n) > d.Max) {
			return errors.Errorf(errors.KindPolicy, "%s: %d outside [%v, %v]", d.Key, n, d.Min, d.Max)
		}
	case TypeFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errors.Errorf(errors.KindValidation, "%s: %q is not a number", d.Key, value)
		}
		if d.MinMaxSet && (f < d.Min || f > d.Max) {
			return errors.Errorf(errors.KindPolicy, "%s: %v outside [%v, %v]", d.Key, f, d.Min, d.Max)
		}
	case TypeBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return errors.Errorf(errors.KindValidation, "%s: %q is not a boolean", d.Key, value)
		}
	case TypeString:
		if len(d.Enum) > 0 {
			ok := false
			for _, e := range d.Enum {
				if e == value {
					ok = true
					break
				}
			}
			if !ok {
				return errors.Errorf(errors.KindValidation, "%s: %q not in %v", d.Key, value, d.Enum)
			}
		}
	}
	return nil
}

// Set validates and persists one key.
func (s *Settings) Set(key, value string) error {
	d, ok := defFor(key)
	if !ok {
		return errors.Errorf(errors.KindValidation, "unrecognized setting %q", key)
	}
	if err := validate(d, value); err != nil {
		return err
	}

	if err := s.st.Exec(store.StmtUpsertSetting, key, value, string(d.Type), clock.NowMillis()); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return nil
}

// Get returns the stored value or the schema default.
func (s *Settings) Get(key string) string {
	s.mu.RLock()
	v, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	if d, found := defFor(key); found {
		return d.Default
	}
	return ""
}

// GetInt returns an integer setting; the schema default on absence, zero on
// a malformed stored value (which validation should have prevented).
func (s *Settings) GetInt(key string) int64 {
	n, _ := strconv.ParseInt(s.Get(key), 10, 64)
	return n
}

// GetFloat returns a float setting.
func (s *Settings) GetFloat(key string) float64 {
	f, _ := strconv.ParseFloat(s.Get(key), 64)
	return f
}
