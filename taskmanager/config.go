package taskmanager

import (
	"io/ioutil"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// Config carries the options the manager needs to stand up the
// master/queue/worker topology.
type Config struct {
	// NumWorkers is the number of worker processes to fork. Must be >= 1.
	NumWorkers int

	// PinToCPUs requests the optional CPU-affinity binding: master to
	// CPU NumWorkers+1, queue to CPU NumWorkers, worker k to CPU k.
	// Failure to pin is always a warning, never fatal.
	PinToCPUs bool

	// Logger receives structured diagnostics tagged with role, job_id and
	// task_id fields. If nil, a discard logger is installed.
	Logger *logrus.Entry
}

// Validate checks the config and fills in defaults. Mirrors the
// aggregated-multierror validation shape used throughout this codebase.
func (cfg *Config) Validate() error {
	var err error
	if cfg.NumWorkers <= 0 {
		err = multierror.Append(err, xerrors.Errorf("taskmanager: num workers must be >= 1"))
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(&logrus.Logger{Out: ioutil.Discard})
	}
	return err
}
