package script

import (
	"strings"

	"github.com/G-Research/tms/internal/tms/domain"
)

// Dialect describes how a scheduler embeds resource requests as comment lines in a job script.
type Dialect struct {
	BatchType domain.BatchType
	// Prefix starts every directive line, e.g. "#PBS". Empty for backends without directives.
	Prefix string
	// Separator joins a directive key and its value.
	Separator string
}

func DialectFor(batchType domain.BatchType) Dialect {
	d := Dialect{BatchType: batchType, Separator: " "}
	switch batchType {
	case domain.Torque, domain.PbsPro:
		d.Prefix = "#PBS"
	case domain.LoadLeveler:
		d.Prefix = "# @"
		d.Separator = " = "
	case domain.Slurm:
		d.Prefix = "#SBATCH"
	case domain.Lsf:
		d.Prefix = "#BSUB"
	case domain.Sge:
		d.Prefix = "#$"
	case domain.Posix:
		d.Prefix = "#%"
	}
	return d
}

// HasDirectives is false for cloud backends, for which every directive insertion is a no-op.
func (d Dialect) HasDirectives() bool {
	return d.Prefix != ""
}

// Line renders a directive line for key and value.
func (d Dialect) Line(key, value string) string {
	return d.Prefix + " " + key + d.Separator + value
}

func (d Dialect) isDirective(line string) bool {
	return d.HasDirectives() && strings.HasPrefix(line, d.Prefix)
}

// body is the directive line without its prefix.
func (d Dialect) body(line string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, d.Prefix))
}

// terminates reports whether line ends the directive block. Only LoadLeveler has such a
// directive: "# @ queue" submits the step described by the directives above it.
func (d Dialect) terminates(line string) bool {
	if d.BatchType != domain.LoadLeveler || !d.isDirective(line) {
		return false
	}
	body := strings.ToLower(d.body(line))
	return body == "queue" || strings.HasPrefix(body, "queue ")
}

// hasKey reports whether the directive line already requests key. A resource name such as
// "walltime" in "-l walltime=01:00:00" is not a key on its own.
func (d Dialect) hasKey(line string, key string) bool {
	if !d.isDirective(line) {
		return false
	}
	for _, token := range strings.Fields(d.body(line)) {
		if token == key || strings.HasPrefix(token, key+"=") {
			return true
		}
	}
	return false
}
