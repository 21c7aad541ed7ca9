package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/tms/cmd/jobserver/cmd"
	"github.com/G-Research/tms/internal/common"
	"github.com/G-Research/tms/internal/common/tmserrors"
)

func main() {
	common.ConfigureCommandLineLogging()
	root := cmd.RootCmd()
	if err := root.Execute(); err != nil {
		log.Error(tmserrors.FormatWire(err))
		os.Exit(int(tmserrors.CodeFromError(err)))
	}
}
