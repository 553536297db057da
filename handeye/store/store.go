// Package store keeps calibration samples and results as JSON files in a data directory.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/handeye/handeye"
	"go.viam.com/handeye/logging"
	rutils "go.viam.com/handeye/utils"
)

// File name prefixes inside the data directory.
const (
	SamplesPrefix = "handeye_data"
	ResultPrefix  = "result"
	ReportPrefix  = "verification"
)

const fileMode = 0o600

// SampleSet is the on-disk form of a list of samples.
type SampleSet struct {
	CreatedAt time.Time              `json:"created_at"`
	Mounting  handeye.Mounting       `json:"mounting,omitempty"`
	Samples   []handeye.SampleRecord `json:"samples"`
}

// FileStore writes samples and results to a directory. As a handeye.SampleStore it keeps the
// current session's samples in one file that is rewritten on every change.
type FileStore struct {
	dir    string
	clock  clock.Clock
	logger logging.Logger

	mu          sync.Mutex
	sessionPath string
	sessionAt   time.Time
	mounting    handeye.Mounting
	records     []handeye.SampleRecord
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string, clk clock.Clock, logger logging.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &FileStore{dir: dir, clock: clk, logger: logger}, nil
}

// Dir returns the data directory.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// SessionPath returns the file holding the current session's samples, or "" before the first one.
func (fs *FileStore) SessionPath() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.sessionPath
}

// SetMounting records the mounting the session's samples are collected for.
func (fs *FileStore) SetMounting(m handeye.Mounting) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mounting = m
}

// Append adds a sample to the session file.
func (fs *FileStore) Append(ctx context.Context, sample *handeye.CalibrationSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.sessionPath == "" {
		fs.sessionAt = fs.clock.Now()
		path, err := fs.freePath(SamplesPrefix, fs.sessionAt)
		if err != nil {
			return err
		}
		fs.sessionPath = path
	}
	records := append(append([]handeye.SampleRecord(nil), fs.records...), sample.Record())
	if err := fs.writeSession(records); err != nil {
		return err
	}
	fs.records = records
	return nil
}

// Replace rewrites the session file with exactly these samples.
func (fs *FileStore) Replace(ctx context.Context, samples []*handeye.CalibrationSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	records := handeye.Records(samples)
	if fs.sessionPath == "" {
		fs.records = records
		return nil
	}
	if err := fs.writeSession(records); err != nil {
		return err
	}
	fs.records = records
	return nil
}

func (fs *FileStore) writeSession(records []handeye.SampleRecord) error {
	return writeJSON(fs.sessionPath, SampleSet{CreatedAt: fs.sessionAt, Mounting: fs.mounting, Samples: records})
}

// SaveSamples writes a sample set to a new timestamped file and returns its path.
func (fs *FileStore) SaveSamples(samples []*handeye.CalibrationSample, mounting handeye.Mounting) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	now := fs.clock.Now()
	path, err := fs.freePath(SamplesPrefix, now)
	if err != nil {
		return "", err
	}
	set := SampleSet{CreatedAt: now, Mounting: mounting, Samples: handeye.Records(samples)}
	if err := writeJSON(path, set); err != nil {
		return "", err
	}
	fs.logger.Infow("saved samples", "path", path, "count", len(samples))
	return path, nil
}

// LoadSamples reads a sample set written by this store.
func LoadSamples(path string) (*SampleSet, []*handeye.CalibrationSample, error) {
	var set SampleSet
	if err := readJSON(path, &set); err != nil {
		return nil, nil, err
	}
	samples, err := handeye.SamplesFromRecords(set.Samples)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "invalid sample set %q", path)
	}
	return &set, samples, nil
}

// SaveResult writes a calibration result to a new timestamped file and returns its path.
func (fs *FileStore) SaveResult(result *handeye.CalibrationResult) (string, error) {
	if result == nil {
		return "", errors.New("no result to save")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	path, err := fs.freePath(ResultPrefix, result.CreatedAt)
	if err != nil {
		return "", err
	}
	if err := writeJSON(path, result); err != nil {
		return "", err
	}
	fs.logger.Infow("saved result", "path", path, "quality", result.Quality)
	return path, nil
}

// LoadResult reads a calibration result.
func LoadResult(path string) (*handeye.CalibrationResult, error) {
	var result handeye.CalibrationResult
	if err := readJSON(path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveReport writes a verification report next to the results.
func (fs *FileStore) SaveReport(report *handeye.VerificationReport) (string, error) {
	if report == nil {
		return "", errors.New("no report to save")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	path, err := fs.freePath(ReportPrefix, fs.clock.Now())
	if err != nil {
		return "", err
	}
	if err := writeJSON(path, report); err != nil {
		return "", err
	}
	return path, nil
}

// LatestResult returns the path of the newest result file in the directory.
func (fs *FileStore) LatestResult() (string, error) {
	matches, err := filepath.Glob(filepath.Join(fs.dir, ResultPrefix+"_*.json"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", errors.Errorf("no results in %q", fs.dir)
	}
	// names carry a sortable timestamp
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// freePath returns a timestamped path that does not exist yet, adding a counter when several
// files are written within the same second.
func (fs *FileStore) freePath(prefix string, t time.Time) (string, error) {
	name := rutils.TimestampedName(prefix, ".json", t)
	for i := 1; ; i++ {
		path, err := rutils.SafeJoinDir(fs.dir, name)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		} else if err != nil {
			return "", err
		}
		name = rutils.TimestampedName(prefix, "_"+strconv.Itoa(i)+".json", t)
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %q", path)
	}
	if err := rutils.WriteFileAtomic(path, data, fileMode); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

func readJSON(path string, v interface{}) error {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return errors.Wrapf(err, "cannot parse %q as json", path)
	}
	return nil
}
