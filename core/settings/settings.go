// Package settings serves the CONFIG_* requests against a key/value store.
package settings

import (
	"encoding/json"

	"github.com/vadiminshakov/subbridge/core/dto"
	"github.com/vadiminshakov/subbridge/core/errs"
)

// Store is the user settings collaborator.
//
//go:generate mockgen -destination=../../mocks/mock_settings.go -package=mocks -mock_names=Store=MockSettingsStore . Store
type Store interface {
	Get(key string) (any, bool)
	GetAll() map[string]any
	Set(key string, value any) error
	SetMultiple(values map[string]any) error
	Subscribe(fn func(dto.ConfigChange)) func()
}

// Handles reports whether msgType is a settings request.
func Handles(msgType string) bool {
	switch msgType {
	case dto.TypeConfigGet, dto.TypeConfigGetAll, dto.TypeConfigSet, dto.TypeConfigSetMultiple:
		return true
	}
	return false
}

// Serve answers one settings request from store.
func Serve(store Store, env dto.Envelope) (any, error) {
	switch env.Type {
	case dto.TypeConfigGet:
		var req dto.ConfigGetRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		if req.Key == "" {
			return nil, &errs.ValidationError{Field: "key", Reason: "required"}
		}
		v, ok := store.Get(req.Key)
		return dto.ConfigValue{Key: req.Key, Value: v, Found: ok}, nil

	case dto.TypeConfigGetAll:
		return dto.ConfigValues{Values: store.GetAll()}, nil

	case dto.TypeConfigSet:
		var req dto.ConfigSetRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		if req.Key == "" {
			return nil, &errs.ValidationError{Field: "key", Reason: "required"}
		}
		if err := store.Set(req.Key, req.Value); err != nil {
			return nil, err
		}
		return dto.ConfigValue{Key: req.Key, Value: req.Value, Found: true}, nil

	case dto.TypeConfigSetMultiple:
		var req dto.ConfigSetMultipleRequest
		if err := decode(env.Payload, &req); err != nil {
			return nil, err
		}
		if len(req.Values) == 0 {
			return nil, &errs.ValidationError{Field: "values", Reason: "required"}
		}
		if err := store.SetMultiple(req.Values); err != nil {
			return nil, err
		}
		return dto.ConfigValues{Values: store.GetAll()}, nil
	}

	return nil, &errs.ValidationError{Field: "type", Reason: "not a settings request: " + env.Type}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &errs.ValidationError{Field: "payload", Reason: "required"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &errs.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
