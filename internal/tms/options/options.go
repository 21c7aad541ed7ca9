// Package options holds the loosely typed option bag attached to submit and cancel requests.
package options

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/G-Research/tms/internal/common/tmserrors"
)

// UndefinedProperty is returned by GetInt for keys that are not present.
const UndefinedProperty = -1

const (
	Posix          = "posix"
	WorkingDir     = "workingdir"
	FileParams     = "fileparams"
	TextParams     = "textparams"
	SpecificParams = "specificparams"
	ScriptPath     = "scriptpath"
	OutputDir      = "outputdir"
	WorkId         = "workid"
	JobId          = "jobId"
	UserId         = "userId"
)

// AllKeyword selects every job or every user in a cancel request.
const AllKeyword = "all"

type Bag struct {
	values map[string]interface{}
}

func New() *Bag {
	return &Bag{values: map[string]interface{}{}}
}

func FromMap(values map[string]interface{}) *Bag {
	b := New()
	for k, v := range values {
		b.values[k] = v
	}
	return b
}

func (b *Bag) Has(key string) bool {
	_, ok := b.values[key]
	return ok
}

func (b *Bag) Set(key string, value interface{}) {
	b.values[key] = value
}

func (b *Bag) GetString(key string) string {
	v, ok := b.values[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetInt returns the integer value of key, or UndefinedProperty when key is absent or not numeric.
func (b *Bag) GetInt(key string) int {
	return b.GetIntOr(key, UndefinedProperty)
}

func (b *Bag) GetIntOr(key string, fallback int) int {
	v, ok := b.values[key]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return fallback
		}
		return i
	default:
		return fallback
	}
}

func (b *Bag) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

func (b *Bag) Encode() (string, error) {
	data, err := json.Marshal(b.values)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(data), nil
}

func Decode(s string) (*Bag, error) {
	b := New()
	if s == "" {
		return b, nil
	}
	if err := json.Unmarshal([]byte(s), &b.values); err != nil {
		return nil, &tmserrors.ErrInvalidArgument{Name: "options", Value: s, Message: err.Error()}
	}
	return b, nil
}

func (b *Bag) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.values)
}

func (b *Bag) UnmarshalJSON(data []byte) error {
	values := map[string]interface{}{}
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	b.values = values
	return nil
}

// SubmitOptions are the scheduler independent resource requests a backend translates into flags.
type SubmitOptions struct {
	Name                 string `mapstructure:"name"`
	Queue                string `mapstructure:"queue"`
	WallTime             int    `mapstructure:"wallTime"`
	CpuTime              string `mapstructure:"cpuTime"`
	Memory               int    `mapstructure:"memory"`
	NbCpu                int    `mapstructure:"nbCpu"`
	NbNodesAndCpuPerNode string `mapstructure:"nbNodesAndCpuPerNode"`
	OutputPath           string `mapstructure:"outputPath"`
	ErrorPath            string `mapstructure:"errorPath"`
	MailNotification     string `mapstructure:"mailNotification"`
	MailNotifyUser       string `mapstructure:"mailNotifyUser"`
	Group                string `mapstructure:"group"`
	WorkingDir           string `mapstructure:"workingdir"`
	OutputDir            string `mapstructure:"outputdir"`
}

// SubmitOptions decodes the bag into typed submit options. Integer requests that are not set are
// UndefinedProperty.
func (b *Bag) SubmitOptions() (SubmitOptions, error) {
	result := SubmitOptions{
		WallTime: UndefinedProperty,
		Memory:   UndefinedProperty,
		NbCpu:    UndefinedProperty,
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &result,
	})
	if err != nil {
		return result, errors.WithStack(err)
	}
	if err := decoder.Decode(b.values); err != nil {
		return result, &tmserrors.ErrInvalidArgument{Name: "options", Value: b.values, Message: err.Error()}
	}
	return result, nil
}
