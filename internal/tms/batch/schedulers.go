package batch

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
)

type flagBuilder struct {
	args []string
}

func (f *flagBuilder) add(flag string, value string) {
	if value != "" {
		f.args = append(f.args, flag, value)
	}
}

func (f *flagBuilder) addInt(flag string, value int, format func(int) string) {
	if value > 0 {
		f.args = append(f.args, flag, format(value))
	}
}

func pbsFlags(pro bool) func(opts options.SubmitOptions) []string {
	return func(opts options.SubmitOptions) []string {
		f := &flagBuilder{}
		f.add("-N", opts.Name)
		f.add("-q", opts.Queue)
		f.add("-o", opts.OutputPath)
		f.add("-e", opts.ErrorPath)
		f.add("-M", opts.MailNotifyUser)
		f.add("-m", opts.MailNotification)
		if opts.Group != "" {
			f.add("-W", "group_list="+opts.Group)
		}
		f.addInt("-l", opts.WallTime, func(s int) string { return "walltime=" + formatDuration(s) })
		f.addInt("-l", opts.Memory, func(m int) string { return fmt.Sprintf("mem=%dmb", m) })
		if pro {
			f.addInt("-l", opts.NbCpu, func(n int) string { return fmt.Sprintf("ncpus=%d", n) })
			if nodes, cpus, ok := splitNodesAndCpus(opts.NbNodesAndCpuPerNode); ok {
				f.add("-l", fmt.Sprintf("select=%s:ncpus=%s", nodes, cpus))
			}
		} else {
			if nodes, cpus, ok := splitNodesAndCpus(opts.NbNodesAndCpuPerNode); ok {
				f.add("-l", fmt.Sprintf("nodes=%s:ppn=%s", nodes, cpus))
			} else {
				f.addInt("-l", opts.NbCpu, func(n int) string { return fmt.Sprintf("nodes=1:ppn=%d", n) })
			}
			f.add("-d", opts.WorkingDir)
		}
		return f.args
	}
}

func splitNodesAndCpus(value string) (string, string, bool) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// pbsState reads the S column of the last line of qstat output.
func pbsState(output string) domain.Status {
	lines := nonEmptyLines(output)
	if len(lines) == 0 {
		return domain.StatusCompleted
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return domain.StatusUndefined
	}
	switch fields[4] {
	case "Q":
		return domain.StatusQueued
	case "H", "W", "S", "T":
		return domain.StatusWaiting
	case "R", "E", "B":
		return domain.StatusRunning
	case "C", "F", "X":
		return domain.StatusCompleted
	default:
		return domain.StatusUndefined
	}
}

func slurmFlags(opts options.SubmitOptions) []string {
	f := &flagBuilder{}
	f.add("-J", opts.Name)
	f.add("-p", opts.Queue)
	f.add("-o", opts.OutputPath)
	f.add("-e", opts.ErrorPath)
	f.add("-D", opts.WorkingDir)
	f.add("--mail-user", opts.MailNotifyUser)
	f.add("--mail-type", opts.MailNotification)
	f.add("--gid", opts.Group)
	f.addInt("--time", opts.WallTime, formatDuration)
	f.addInt("--mem", opts.Memory, strconv.Itoa)
	f.addInt("--cpus-per-task", opts.NbCpu, strconv.Itoa)
	if nodes, cpus, ok := splitNodesAndCpus(opts.NbNodesAndCpuPerNode); ok {
		f.add("-N", nodes)
		f.add("--ntasks-per-node", cpus)
	}
	return f.args
}

func slurmState(output string) domain.Status {
	switch strings.TrimSpace(output) {
	case "":
		return domain.StatusCompleted
	case "PD", "CF":
		return domain.StatusQueued
	case "S", "ST":
		return domain.StatusWaiting
	case "R", "CG":
		return domain.StatusRunning
	case "CD":
		return domain.StatusCompleted
	case "CA":
		return domain.StatusCancelled
	case "F", "TO", "NF", "BF", "PR", "OOM":
		return domain.StatusFailed
	default:
		return domain.StatusUndefined
	}
}

func lsfFlags(opts options.SubmitOptions) []string {
	f := &flagBuilder{}
	f.add("-J", opts.Name)
	f.add("-q", opts.Queue)
	f.add("-o", opts.OutputPath)
	f.add("-e", opts.ErrorPath)
	f.add("-u", opts.MailNotifyUser)
	f.add("-G", opts.Group)
	f.add("-cwd", opts.WorkingDir)
	f.addInt("-W", opts.WallTime, func(s int) string { return fmt.Sprintf("%d:%02d", s/3600, (s%3600)/60) })
	f.addInt("-M", opts.Memory, strconv.Itoa)
	f.addInt("-n", opts.NbCpu, strconv.Itoa)
	return f.args
}

// lsfState reads the STAT column of bjobs output.
func lsfState(output string) domain.Status {
	lines := nonEmptyLines(output)
	if len(lines) < 2 {
		return domain.StatusCompleted
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 3 {
		return domain.StatusUndefined
	}
	switch fields[2] {
	case "PEND":
		return domain.StatusQueued
	case "PSUSP", "USUSP", "SSUSP", "WAIT":
		return domain.StatusWaiting
	case "RUN":
		return domain.StatusRunning
	case "DONE":
		return domain.StatusCompleted
	case "EXIT":
		return domain.StatusFailed
	default:
		return domain.StatusUndefined
	}
}

func sgeFlags(opts options.SubmitOptions) []string {
	f := &flagBuilder{}
	f.add("-N", opts.Name)
	f.add("-q", opts.Queue)
	f.add("-o", opts.OutputPath)
	f.add("-e", opts.ErrorPath)
	f.add("-M", opts.MailNotifyUser)
	f.add("-m", opts.MailNotification)
	f.add("-wd", opts.WorkingDir)
	f.addInt("-l", opts.WallTime, func(s int) string { return "h_rt=" + formatDuration(s) })
	f.addInt("-l", opts.Memory, func(m int) string { return fmt.Sprintf("h_vmem=%dM", m) })
	if opts.NbCpu > 0 {
		f.args = append(f.args, "-pe", "smp", strconv.Itoa(opts.NbCpu))
	}
	return f.args
}

// sgeQueryArgs lists the jobs of the current user; qstat has no per job tabular output.
func sgeQueryArgs(string) []string {
	return nil
}

func sgeState(id string, output string) domain.Status {
	for _, line := range nonEmptyLines(output) {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != id {
			continue
		}
		state := fields[4]
		switch {
		case strings.Contains(state, "E"):
			return domain.StatusFailed
		case strings.Contains(state, "h"), strings.Contains(state, "s"), strings.Contains(state, "S"):
			return domain.StatusWaiting
		case strings.Contains(state, "r"), strings.Contains(state, "t"):
			return domain.StatusRunning
		case strings.Contains(state, "qw"):
			return domain.StatusQueued
		default:
			return domain.StatusUndefined
		}
	}
	return domain.StatusCompleted
}

// loadLevelerSteps returns one step per queue directive of the script.
func loadLevelerSteps(nativeId string, script string) []string {
	count := 0
	for _, line := range strings.Split(script, "\n") {
		if !strings.HasPrefix(line, "# @") {
			continue
		}
		body := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "# @")))
		if body == "queue" || strings.HasPrefix(body, "queue ") {
			count++
		}
	}
	if count <= 1 {
		return []string{nativeId}
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = domain.StepId(nativeId, i)
	}
	return ids
}

func loadLevelerState(output string) domain.Status {
	lines := nonEmptyLines(output)
	if len(lines) == 0 || strings.Contains(output, "no job status to report") {
		return domain.StatusCompleted
	}
	switch strings.TrimSpace(lines[len(lines)-1]) {
	case "I", "NQ", "D":
		return domain.StatusQueued
	case "H", "S", "HS", "P":
		return domain.StatusWaiting
	case "R", "ST", "CK", "CP", "E", "EP":
		return domain.StatusRunning
	case "C":
		return domain.StatusCompleted
	case "CA", "RM":
		return domain.StatusCancelled
	case "V", "VP", "X", "NR":
		return domain.StatusFailed
	default:
		return domain.StatusUndefined
	}
}

func ignoreId(parse func(string) domain.Status) func(string, string) domain.Status {
	return func(_ string, output string) domain.Status {
		return parse(output)
	}
}

func nonEmptyLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TorqueSpec() CommandSpec {
	return CommandSpec{
		BatchType:     domain.Torque,
		SubmitCommand: "qsub",
		CancelCommand: "qdel",
		QueryCommand:  "qstat",
		SubmitFlags:   pbsFlags(false),
		IdPattern:     regexp.MustCompile(`(?m)^\s*(\d+(?:\.\S+)?)\s*$`),
		ParseState:    ignoreId(pbsState),
	}
}

func PbsProSpec() CommandSpec {
	spec := TorqueSpec()
	spec.BatchType = domain.PbsPro
	spec.SubmitFlags = pbsFlags(true)
	return spec
}

func SlurmSpec() CommandSpec {
	return CommandSpec{
		BatchType:     domain.Slurm,
		SubmitCommand: "sbatch",
		CancelCommand: "scancel",
		QueryCommand:  "squeue",
		SubmitFlags:   slurmFlags,
		QueryArgs:     func(id string) []string { return []string{"-h", "-j", id, "-o", "%t"} },
		IdPattern:     regexp.MustCompile(`Submitted batch job (\d+)`),
		ParseState:    ignoreId(slurmState),
	}
}

func LsfSpec() CommandSpec {
	return CommandSpec{
		BatchType:     domain.Lsf,
		SubmitCommand: "bsub",
		CancelCommand: "bkill",
		QueryCommand:  "bjobs",
		SubmitFlags:   lsfFlags,
		IdPattern:     regexp.MustCompile(`Job <(\d+)> is submitted`),
		ParseState:    ignoreId(lsfState),
	}
}

func SgeSpec() CommandSpec {
	return CommandSpec{
		BatchType:     domain.Sge,
		SubmitCommand: "qsub",
		CancelCommand: "qdel",
		QueryCommand:  "qstat",
		SubmitFlags:   sgeFlags,
		QueryArgs:     sgeQueryArgs,
		IdPattern:     regexp.MustCompile(`Your job(?:-array)? (\d+)`),
		ParseState:    sgeState,
	}
}

func LoadLevelerSpec() CommandSpec {
	return CommandSpec{
		BatchType:     domain.LoadLeveler,
		SubmitCommand: "llsubmit",
		CancelCommand: "llcancel",
		QueryCommand:  "llq",
		QueryArgs:     func(id string) []string { return []string{"-r", "%st", id} },
		IdPattern:     regexp.MustCompile(`The job "([^"]+)"`),
		Steps:         loadLevelerSteps,
		ParseState:    ignoreId(loadLevelerState),
	}
}
