package config

import (
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// LogValidationErrors logs each problem found while validating a configuration on its own line.
func LogValidationErrors(err error) {
	if err == nil {
		return
	}
	merr, ok := err.(*multierror.Error)
	if !ok {
		log.Errorf("ConfigError: %v", err)
		return
	}
	for _, e := range merr.Errors {
		log.Errorf("ConfigError: %v", e)
	}
}
