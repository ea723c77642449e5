package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/config"
	"github.com/stemsi/exstem-guard/internal/model"
)

const proctorSettingsTTL = 5 * time.Minute

// SettingStore reads and writes raw app_settings values.
type SettingStore interface {
	GetMany(ctx context.Context, keys []string) (map[string]string, error)
	UpsertMany(ctx context.Context, values map[string]string) error
}

// SettingService resolves proctor thresholds: Redis cache, then app_settings,
// then the environment defaults for keys nobody stored.
type SettingService struct {
	store    SettingStore
	rdb      *redis.Client
	defaults model.ProctorSettings
	log      zerolog.Logger
}

func NewSettingService(store SettingStore, rdb *redis.Client, defaults model.ProctorSettings, log zerolog.Logger) *SettingService {
	return &SettingService{
		store:    store,
		rdb:      rdb,
		defaults: defaults,
		log:      log.With().Str("component", "setting_service").Logger(),
	}
}

var proctorKeys = []string{
	model.SettingMaxViolationsBeforeWarning,
	model.SettingMaxViolationsBeforeAutoSubmit,
	model.SettingAutoSaveIntervalMillis,
	model.SettingDisconnectGracePeriodSeconds,
}

// GetProctorSettings returns the effective thresholds.
func (s *SettingService) GetProctorSettings(ctx context.Context) (model.ProctorSettings, error) {
	key := config.CacheKey.ProctorSettingsKey()
	if raw, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var cached model.ProctorSettings
		if json.Unmarshal(raw, &cached) == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("proctor settings cache read failed")
	}

	values, err := s.store.GetMany(ctx, proctorKeys)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load proctor settings")
		return model.ProctorSettings{}, err
	}

	out := s.defaults
	apply := func(k string, dst *int) {
		v, ok := values[k]
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			s.log.Warn().Str("key", k).Str("value", v).Msg("ignoring non-numeric setting")
			return
		}
		*dst = n
	}
	apply(model.SettingMaxViolationsBeforeWarning, &out.MaxViolationsBeforeWarning)
	apply(model.SettingMaxViolationsBeforeAutoSubmit, &out.MaxViolationsBeforeAutoSubmit)
	apply(model.SettingAutoSaveIntervalMillis, &out.AutoSaveIntervalMillis)
	apply(model.SettingDisconnectGracePeriodSeconds, &out.DisconnectGracePeriodSeconds)

	if raw, err := json.Marshal(out); err == nil {
		s.rdb.Set(ctx, key, raw, proctorSettingsTTL)
	}
	return out, nil
}

// UpdateProctorSettings stores new thresholds and drops the cached copy.
func (s *SettingService) UpdateProctorSettings(ctx context.Context, p model.ProctorSettings) error {
	if p.MaxViolationsBeforeWarning > p.MaxViolationsBeforeAutoSubmit {
		return ErrInvalidThresholds
	}

	values := map[string]string{
		model.SettingMaxViolationsBeforeWarning:    strconv.Itoa(p.MaxViolationsBeforeWarning),
		model.SettingMaxViolationsBeforeAutoSubmit: strconv.Itoa(p.MaxViolationsBeforeAutoSubmit),
		model.SettingAutoSaveIntervalMillis:        strconv.Itoa(p.AutoSaveIntervalMillis),
		model.SettingDisconnectGracePeriodSeconds:  strconv.Itoa(p.DisconnectGracePeriodSeconds),
	}
	if err := s.store.UpsertMany(ctx, values); err != nil {
		s.log.Error().Err(err).Msg("failed to update proctor settings")
		return err
	}

	if err := s.rdb.Del(ctx, config.CacheKey.ProctorSettingsKey()).Err(); err != nil {
		s.log.Warn().Err(err).Msg("proctor settings cache invalidation failed")
	}
	s.log.Info().
		Int("warning", p.MaxViolationsBeforeWarning).
		Int("auto_submit", p.MaxViolationsBeforeAutoSubmit).
		Msg("Proctor settings updated")
	return nil
}
