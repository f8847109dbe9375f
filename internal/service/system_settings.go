package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"

	"dcaengine/internal/apperr"
	"dcaengine/internal/models"
	"dcaengine/internal/repository"
)

const (
	FeatureScheduler = "feature.scheduler"
	FeatureWorkers   = "feature.workers"
	FeatureDeposits  = "feature.deposits"
)

func DefaultFeatureSwitches() map[string]bool {
	return map[string]bool{
		FeatureScheduler: true,
		FeatureWorkers:   true,
		FeatureDeposits:  true,
	}
}

// Switch is the decoded view of a feature switch row.
type Switch struct {
	Key       string    `json:"key"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SystemSettingsService struct {
	Repo repository.Repository
}

// EnsureDefaultSwitches creates missing switches. Existing values are left
// alone so an operator's OFF survives restarts.
func (s *SystemSettingsService) EnsureDefaultSwitches(ctx context.Context) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	now := time.Now().UTC()
	for key, enabled := range DefaultFeatureSwitches() {
		existing, err := s.Repo.GetSystemSettingByKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, _ := json.Marshal(enabled)
		item := &models.SystemSetting{
			Key:         key,
			Value:       datatypes.JSON(raw),
			Description: "feature switch",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.Repo.UpsertSystemSetting(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *SystemSettingsService) IsEnabled(ctx context.Context, key string, fallback bool) bool {
	if s == nil || s.Repo == nil {
		return fallback
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fallback
	}
	item, err := s.Repo.GetSystemSettingByKey(ctx, key)
	if err != nil || item == nil || len(item.Value) == 0 {
		return fallback
	}
	var enabled bool
	if err := json.Unmarshal(item.Value, &enabled); err != nil {
		return fallback
	}
	return enabled
}

func (s *SystemSettingsService) SetEnabled(ctx context.Context, key string, enabled bool) error {
	if s == nil || s.Repo == nil {
		return nil
	}
	key = strings.TrimSpace(key)
	if _, ok := DefaultFeatureSwitches()[key]; !ok {
		return apperr.Newf(apperr.KindNotFound, "unknown switch %q", key)
	}
	raw, _ := json.Marshal(enabled)
	item := &models.SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: "feature switch",
		UpdatedAt:   time.Now().UTC(),
	}
	return s.Repo.UpsertSystemSetting(ctx, item)
}

// Switches lists every known switch with its effective value.
func (s *SystemSettingsService) Switches(ctx context.Context) ([]Switch, error) {
	defaults := DefaultFeatureSwitches()
	out := make([]Switch, 0, len(defaults))
	if s == nil || s.Repo == nil {
		for key, enabled := range defaults {
			out = append(out, Switch{Key: key, Enabled: enabled})
		}
	} else {
		items, err := s.Repo.ListSystemSettings(ctx)
		if err != nil {
			return nil, err
		}
		stored := make(map[string]models.SystemSetting, len(items))
		for _, item := range items {
			stored[item.Key] = item
		}
		for key, enabled := range defaults {
			sw := Switch{Key: key, Enabled: enabled}
			if item, ok := stored[key]; ok {
				var v bool
				if err := json.Unmarshal(item.Value, &v); err == nil {
					sw.Enabled = v
				}
				sw.UpdatedAt = item.UpdatedAt
			}
			out = append(out, sw)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
