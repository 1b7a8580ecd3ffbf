package config

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Overlay applies explicitly-provided values on top of an already loaded
// Config, typically command-line flags the operator set. Values absent
// from the overlay leave the loaded settings untouched.
func Overlay(cfg *Config, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ZeroFields:       false,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create overlay decoder")
	}
	if err := decoder.Decode(values); err != nil {
		return errors.Wrap(err, "failed to apply overrides")
	}
	return nil
}
