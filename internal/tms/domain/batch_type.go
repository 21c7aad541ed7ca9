package domain

import (
	"encoding/json"
	"strings"

	"github.com/G-Research/tms/internal/common/tmserrors"
)

// BatchType identifies a scheduler family or cloud backend.
type BatchType int

const (
	Torque BatchType = iota
	LoadLeveler
	Slurm
	Lsf
	Sge
	PbsPro
	Deltacloud
	Posix
	OpenNebula
	UndefinedBatchType
)

var batchTypeNames = []string{
	"TORQUE",
	"LOADLEVELER",
	"SLURM",
	"LSF",
	"SGE",
	"PBSPRO",
	"DELTACLOUD",
	"POSIX",
	"OPENNEBULA",
	"UNDEFINED",
}

func (b BatchType) String() string {
	if b < 0 || int(b) >= len(batchTypeNames) {
		return "UNDEFINED"
	}
	return batchTypeNames[b]
}

// IsCloud reports whether jobs of this type run on virtual machines rather than a batch scheduler.
func (b BatchType) IsCloud() bool {
	return b == Deltacloud || b == OpenNebula
}

func ParseBatchType(s string) (BatchType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range batchTypeNames {
		if n == name && BatchType(i) != UndefinedBatchType {
			return BatchType(i), nil
		}
	}
	return UndefinedBatchType, &tmserrors.ErrInvalidArgument{
		Name:    "batchType",
		Value:   s,
		Message: "unknown batch type",
	}
}

func (b BatchType) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *BatchType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if strings.ToUpper(s) == "UNDEFINED" {
		*b = UndefinedBatchType
		return nil
	}
	parsed, err := ParseBatchType(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
