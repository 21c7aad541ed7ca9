package server

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/tms/internal/common/tmserrors"
	"github.com/G-Research/tms/internal/common/util"
	"github.com/G-Research/tms/internal/tms/domain"
	"github.com/G-Research/tms/internal/tms/options"
	"github.com/G-Research/tms/internal/tms/script"
)

const cloudInputDir = "INPUT"

// resolvePaths decides the working directory, output directory and script path of a job. It
// returns the script path and the content with the output directory substituted, and records the
// paths on job and in opts.
func (server *JobServer) resolvePaths(ec *domain.ExecutionContext, job *domain.Job, content string, opts *options.Bag) (string, string, error) {
	workingDir := ec.Session.Home
	var scriptPath string

	if ec.BatchType.IsCloud() {
		root := server.config.Cloud.NfsMountPoint
		if root == "" {
			root = os.TempDir()
		}
		workingDir = filepath.Join(root, util.UniquePattern(job.JobId))
		inputDir := filepath.Join(workingDir, cloudInputDir)
		scriptPath = filepath.Join(inputDir, "vishnu-job-script-"+job.JobId+util.NewShortId())
		if err := os.MkdirAll(inputDir, 0o777); err != nil {
			return "", "", errors.WithStack(&tmserrors.ErrSystem{Op: "mkdir", Path: inputDir, Err: err})
		}
		if err := relocateFileParams(opts, inputDir); err != nil {
			return "", "", err
		}
	} else {
		if dir := opts.GetString(options.WorkingDir); dir != "" {
			workingDir = dir
		} else {
			opts.Set(options.WorkingDir, workingDir)
		}
		scriptPath = filepath.Join(server.scriptDir(), "vishnuJobScript"+util.NewShortId()+"-"+job.JobId)
	}

	job.OutputDir = ""
	if strings.Contains(content, script.OutputDirVar) || ec.BatchType.IsCloud() {
		job.OutputDir = filepath.Join(workingDir, script.OutputDirVar+"_"+util.UniquePattern(job.JobId))
		content = script.SubstituteVariables(content, map[string]string{script.OutputDirVar: job.OutputDir})
		opts.Set(options.OutputDir, job.OutputDir)
	}
	job.JobWorkingDir = workingDir
	opts.Set(options.ScriptPath, scriptPath)
	return scriptPath, content, nil
}

func (server *JobServer) scriptDir() string {
	if server.config.ScriptDir != "" {
		return server.config.ScriptDir
	}
	return os.TempDir()
}

// relocateFileParams moves the files named by the fileparams option into dir and points the
// option at the moved files.
func relocateFileParams(opts *options.Bag, dir string) error {
	params := opts.GetString(options.FileParams)
	if params == "" {
		return nil
	}
	files, err := script.ParseParams(options.FileParams, params)
	if err != nil {
		return err
	}
	names := maps.Keys(files)
	slices.Sort(names)

	relocated := make([]string, 0, len(names))
	for _, name := range names {
		target := filepath.Join(dir, filepath.Base(files[name]))
		if err := moveFile(files[name], target); err != nil {
			return errors.WithStack(&tmserrors.ErrSystem{Op: "move", Path: files[name], Err: err})
		}
		relocated = append(relocated, name+"="+target)
	}
	opts.Set(options.FileParams, strings.Join(relocated, " "))
	return nil
}

// moveFile renames source to target, copying when they are on different filesystems.
func moveFile(source string, target string) error {
	if err := os.Rename(source, target); err == nil {
		return nil
	}
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(source)
}
