package script

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/tms/domain"
)

// GenericPrefix starts a scheduler independent directive, e.g. "#% vishnu_queue=short".
const GenericPrefix = "#% vishnu_"

const (
	KeyJobName          = "job_name"
	KeyOutput           = "output"
	KeyError            = "error"
	KeyQueue            = "queue"
	KeyWallClockLimit   = "wallclocklimit"
	KeyNbCpu            = "nb_cpu"
	KeyNbNodes          = "nb_nodes"
	KeyMemory           = "memory"
	KeyWorkingDir       = "working_dir"
	KeyMailNotifyUser   = "mail_notify_user"
	KeyMailNotification = "mail_notification"
	KeyGroup            = "group"
)

var genericKeys = map[string]bool{
	KeyJobName:          true,
	KeyOutput:           true,
	KeyError:            true,
	KeyQueue:            true,
	KeyWallClockLimit:   true,
	KeyNbCpu:            true,
	KeyNbNodes:          true,
	KeyMemory:           true,
	KeyWorkingDir:       true,
	KeyMailNotifyUser:   true,
	KeyMailNotification: true,
	KeyGroup:            true,
}

// translation renders the native directive body for a generic value.
type translation func(value string) (string, error)

func flag(format string) translation {
	return func(value string) (string, error) {
		return fmt.Sprintf(format, value), nil
	}
}

// notification maps the generic BEGIN, END, ERROR and ALL events to native values.
func notification(format string, values map[string]string) translation {
	return func(value string) (string, error) {
		native, ok := values[strings.ToUpper(value)]
		if !ok {
			return "", &tmserrors.ErrInvalidArgument{
				Name:    GenericPrefix + KeyMailNotification,
				Value:   value,
				Message: "expected one of BEGIN, END, ERROR, ALL",
			}
		}
		return fmt.Sprintf(format, native), nil
	}
}

var pbsNotifications = map[string]string{"BEGIN": "b", "END": "e", "ERROR": "a", "ALL": "abe"}

var torqueTable = map[string]translation{
	KeyJobName:          flag("-N %s"),
	KeyOutput:           flag("-o %s"),
	KeyError:            flag("-e %s"),
	KeyQueue:            flag("-q %s"),
	KeyWallClockLimit:   flag("-l walltime=%s"),
	KeyNbCpu:            flag("-l nodes=1:ppn=%s"),
	KeyNbNodes:          flag("-l nodes=%s"),
	KeyMemory:           flag("-l mem=%smb"),
	KeyWorkingDir:       flag("-d %s"),
	KeyMailNotifyUser:   flag("-M %s"),
	KeyMailNotification: notification("-m %s", pbsNotifications),
	KeyGroup:            flag("-W group_list=%s"),
}

var pbsProTable = map[string]translation{
	KeyJobName:          flag("-N %s"),
	KeyOutput:           flag("-o %s"),
	KeyError:            flag("-e %s"),
	KeyQueue:            flag("-q %s"),
	KeyWallClockLimit:   flag("-l walltime=%s"),
	KeyNbCpu:            flag("-l ncpus=%s"),
	KeyNbNodes:          flag("-l select=%s"),
	KeyMemory:           flag("-l mem=%smb"),
	KeyMailNotifyUser:   flag("-M %s"),
	KeyMailNotification: notification("-m %s", pbsNotifications),
	KeyGroup:            flag("-W group_list=%s"),
}

var slurmTable = map[string]translation{
	KeyJobName:        flag("-J %s"),
	KeyOutput:         flag("-o %s"),
	KeyError:          flag("-e %s"),
	KeyQueue:          flag("-p %s"),
	KeyWallClockLimit: flag("--time=%s"),
	KeyNbCpu:          flag("--cpus-per-task=%s"),
	KeyNbNodes:        flag("-N %s"),
	KeyMemory:         flag("--mem=%s"),
	KeyWorkingDir:     flag("-D %s"),
	KeyMailNotifyUser: flag("--mail-user=%s"),
	KeyMailNotification: notification("--mail-type=%s",
		map[string]string{"BEGIN": "BEGIN", "END": "END", "ERROR": "FAIL", "ALL": "ALL"}),
	KeyGroup: flag("--gid=%s"),
}

var lsfTable = map[string]translation{
	KeyJobName:          flag("-J %s"),
	KeyOutput:           flag("-o %s"),
	KeyError:            flag("-e %s"),
	KeyQueue:            flag("-q %s"),
	KeyWallClockLimit:   flag("-W %s"),
	KeyNbCpu:            flag("-n %s"),
	KeyMemory:           flag("-M %s"),
	KeyWorkingDir:       flag("-cwd %s"),
	KeyMailNotifyUser:   flag("-u %s"),
	KeyMailNotification: notification("%s", map[string]string{"BEGIN": "-B", "END": "-N"}),
	KeyGroup:            flag("-G %s"),
}

var sgeTable = map[string]translation{
	KeyJobName:          flag("-N %s"),
	KeyOutput:           flag("-o %s"),
	KeyError:            flag("-e %s"),
	KeyQueue:            flag("-q %s"),
	KeyWallClockLimit:   flag("-l h_rt=%s"),
	KeyNbCpu:            flag("-pe smp %s"),
	KeyMemory:           flag("-l h_vmem=%sM"),
	KeyWorkingDir:       flag("-wd %s"),
	KeyMailNotifyUser:   flag("-M %s"),
	KeyMailNotification: notification("-m %s", map[string]string{"BEGIN": "b", "END": "e", "ERROR": "a", "ALL": "bea"}),
}

var loadLevelerTable = map[string]translation{
	KeyJobName:        flag("job_name = %s"),
	KeyOutput:         flag("output = %s"),
	KeyError:          flag("error = %s"),
	KeyQueue:          flag("class = %s"),
	KeyWallClockLimit: flag("wall_clock_limit = %s"),
	KeyNbCpu:          flag("total_tasks = %s"),
	KeyNbNodes:        flag("node = %s"),
	KeyMemory:         flag("requirements = (Memory >= %s)"),
	KeyWorkingDir:     flag("initialdir = %s"),
	KeyMailNotifyUser: flag("notify_user = %s"),
	KeyMailNotification: notification("notification = %s",
		map[string]string{"BEGIN": "start", "END": "complete", "ERROR": "error", "ALL": "always"}),
	KeyGroup: flag("group = %s"),
}

func tableFor(batchType domain.BatchType) map[string]translation {
	switch batchType {
	case domain.Torque:
		return torqueTable
	case domain.PbsPro:
		return pbsProTable
	case domain.Slurm:
		return slurmTable
	case domain.Lsf:
		return lsfTable
	case domain.Sge:
		return sgeTable
	case domain.LoadLeveler:
		return loadLevelerTable
	default:
		return nil
	}
}

// IsGeneric reports whether the script contains at least one generic directive.
func IsGeneric(content string) bool {
	for _, line := range Parse(content).Lines() {
		if strings.HasPrefix(line, GenericPrefix) {
			return true
		}
	}
	return false
}

func parseGeneric(line string) (string, string, error) {
	body := strings.TrimPrefix(line, GenericPrefix)
	pos := strings.Index(body, "=")
	if pos <= 0 {
		return "", "", &tmserrors.ErrInvalidArgument{
			Name:    "script",
			Value:   line,
			Message: "generic directive must have the form " + GenericPrefix + "<key>=<value>",
		}
	}
	return strings.TrimSpace(body[:pos]), strings.TrimSpace(body[pos+1:]), nil
}

// ConvertToNative translates generic directives into the native directives of batchType.
// Scripts without generic directives, POSIX scripts and cloud scripts are returned unchanged.
func ConvertToNative(content string, batchType domain.BatchType) (string, error) {
	table := tableFor(batchType)
	if table == nil || !IsGeneric(content) {
		return content, nil
	}
	dialect := DialectFor(batchType)
	doc := Parse(content)
	for i, line := range doc.lines {
		if !strings.HasPrefix(line, GenericPrefix) {
			continue
		}
		key, value, err := parseGeneric(line)
		if err != nil {
			return "", err
		}
		if !genericKeys[key] {
			return "", &tmserrors.ErrInvalidArgument{
				Name:    GenericPrefix + key,
				Value:   value,
				Message: "unknown generic directive, expected one of " + strings.Join(knownKeys(), ", "),
			}
		}
		translate, ok := table[key]
		if !ok {
			return "", &tmserrors.ErrInvalidArgument{
				Name:    GenericPrefix + key,
				Value:   value,
				Message: fmt.Sprintf("not supported by %s", batchType),
			}
		}
		native, err := translate(value)
		if err != nil {
			return "", err
		}
		doc.lines[i] = dialect.Prefix + " " + native
	}
	if batchType == domain.LoadLeveler && !hasQueueDirective(doc, dialect) {
		doc.InsertDirective(dialect.Prefix+" queue", dialect)
	}
	return doc.String(), nil
}

func hasQueueDirective(doc *Document, dialect Dialect) bool {
	for _, line := range doc.lines {
		if dialect.terminates(line) {
			return true
		}
	}
	return false
}

func knownKeys() []string {
	keys := maps.Keys(genericKeys)
	slices.Sort(keys)
	return keys
}
