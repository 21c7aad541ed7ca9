package config

import (
	"reflect"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var defaultHooks = []mapstructure.DecodeHookFunc{
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
}

// CustomHooks returns the decoder option used for every configuration load: the default string
// conversions followed by any domain specific hooks.
func CustomHooks(extra ...mapstructure.DecodeHookFunc) viper.DecoderConfigOption {
	hooks := make([]mapstructure.DecodeHookFunc, 0, len(defaultHooks)+len(extra))
	hooks = append(hooks, defaultHooks...)
	hooks = append(hooks, extra...)
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(hooks...))
}

// StringParserHook builds a hook converting strings into target using parse.
func StringParserHook[T any](parse func(string) (T, error)) mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(*new(T))
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != target {
			return data, nil
		}
		return parse(data.(string))
	}
}
