// Package script turns a submitted job script into the script handed to a batch scheduler.
package script

import (
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

const (
	SubmitMachineNameVar = "VISHNU_SUBMIT_MACHINE_NAME"
	OutputDirVar         = "VISHNU_OUTPUT_DIR"
	NodeFileVar          = "VISHNU_BATCHJOB_NODEFILE"
	JobIdVar             = "VISHNU_JOB_ID"
)

// SubstituteVariables replaces both $NAME and ${NAME} for every variable. Longer names are
// replaced first so that $A_B is not clobbered by $A.
func SubstituteVariables(content string, vars map[string]string) string {
	names := maps.Keys(vars)
	slices.SortFunc(names, func(a, b string) bool {
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	for _, name := range names {
		content = strings.ReplaceAll(content, "${"+name+"}", vars[name])
		content = strings.ReplaceAll(content, "$"+name, vars[name])
	}
	return content
}

// ParseParams parses "NAME=value NAME2=value2".
func ParseParams(field string, params string) (map[string]string, error) {
	vars := map[string]string{}
	for _, token := range strings.Fields(params) {
		pos := strings.Index(token, "=")
		if pos <= 0 {
			return nil, &tmserrors.ErrInvalidArgument{
				Name:    field,
				Value:   token,
				Message: "expected NAME=value",
			}
		}
		vars[token[:pos]] = token[pos+1:]
	}
	return vars, nil
}

// ApplyParams substitutes every NAME=value pair of params as a variable.
func ApplyParams(content string, field string, params string) (string, error) {
	vars, err := ParseParams(field, params)
	if err != nil {
		return "", err
	}
	return SubstituteVariables(content, vars), nil
}

// ApplySpecificParams inserts one directive per key=value pair of params.
func ApplySpecificParams(params string, content string, dialect Dialect) (string, error) {
	doc := Parse(content)
	for _, token := range strings.Fields(params) {
		pos := strings.Index(token, "=")
		if pos <= 0 {
			return "", &tmserrors.ErrInvalidArgument{
				Name:    options.SpecificParams,
				Value:   token,
				Message: "expected key=value",
			}
		}
		doc.InsertDirective(dialect.Line(token[:pos], token[pos+1:]), dialect)
	}
	return doc.String(), nil
}

// MergeDefaultOptions inserts each default key/value pair unless a directive already requests the key.
func MergeDefaultOptions(defaults []string, content string, dialect Dialect) (string, error) {
	if len(defaults)%2 != 0 {
		return "", &tmserrors.ErrInvalidArgument{
			Name:    "defaultBatchOption",
			Value:   strings.Join(defaults, " "),
			Message: "expected alternating key and value entries",
		}
	}
	doc := Parse(content)
	for i := 0; i < len(defaults); i += 2 {
		key := defaults[i]
		if doc.HasDirectiveKey(key, dialect) {
			continue
		}
		doc.InsertDirective(dialect.Line(key, defaults[i+1]), dialect)
	}
	return doc.String(), nil
}

type ProcessInput struct {
	BatchType         domain.BatchType
	SubmitMachineName string
	Options           *options.Bag
	DefaultOptions    []string
}

// Process produces the final script: machine name substitution, text and file parameters,
// native conversion, specific parameters, default options and the cloud node file.
func Process(content string, in ProcessInput) (string, error) {
	opts := in.Options
	if opts == nil {
		opts = options.New()
	}
	dialect := DialectFor(in.BatchType)

	content = SubstituteVariables(content, map[string]string{SubmitMachineNameVar: in.SubmitMachineName})

	var err error
	for _, field := range []string{options.TextParams, options.FileParams} {
		if params := opts.GetString(field); params != "" {
			if content, err = ApplyParams(content, field, params); err != nil {
				return "", err
			}
		}
	}

	converted, err := ConvertToNative(content, in.BatchType)
	if err != nil {
		return "", err
	}

	if params := opts.GetString(options.SpecificParams); params != "" {
		if converted, err = ApplySpecificParams(params, converted, dialect); err != nil {
			return "", err
		}
	}

	if len(in.DefaultOptions) > 0 {
		if converted, err = MergeDefaultOptions(in.DefaultOptions, converted, dialect); err != nil {
			return "", err
		}
	}

	if in.BatchType == domain.Deltacloud {
		nodeFile := opts.GetString(options.OutputDir) + "/NODEFILE"
		converted = SubstituteVariables(converted, map[string]string{NodeFileVar: nodeFile})
	}
	return converted, nil
}
