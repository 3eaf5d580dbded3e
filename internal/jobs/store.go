package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	logx "cupcake/pkg/logx"
)

const tmpPrefix = ".cupcake-"

// Store manages jobs as files in the scheduler directory plus their log and
// stats files in the log directory. It holds no in-memory state; every call
// reads the filesystem.
type Store struct {
	layout Layout
	log    logx.Logger
	now    func() time.Time
}

func NewStore(layout Layout, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		layout: layout.withDefaults(),
		log:    log.With(logx.String("comp", "jobs")),
		now:    time.Now,
	}
}

func (s *Store) Layout() Layout { return s.layout }

// List returns every job in the scheduler directory in name order.
// A file that does not decode is still listed by name so that one bad file
// never hides the others. A missing scheduler directory yields no jobs.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	des, err := os.ReadDir(s.layout.SchedulerDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("scheduler dir missing", logx.String("dir", s.layout.SchedulerDir))
			return []Entry{}, nil
		}
		return nil, internalErr("list", "", err)
	}

	now := s.now()
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := de.Name()
		if isTempName(name) || !de.Type().IsRegular() {
			continue
		}
		out = append(out, s.entry(name, now))
	}
	return out, nil
}

func (s *Store) entry(name string, now time.Time) Entry {
	e := Entry{Record: Record{Name: name}}
	b, err := os.ReadFile(filepath.Join(s.layout.SchedulerDir, name))
	if err != nil {
		s.log.Debug("read job file failed", logx.String("name", name), logx.Err(err))
	} else if r, ok := DecodeFile(name, b); ok {
		e.Record = r
	} else {
		s.log.Debug("job file not decodable", logx.String("name", name))
	}
	e.Stats = s.readStats(name)
	if e.Schedule != "" {
		if next, ok := NextRun(e.Schedule, now); ok {
			e.NextRun = next.Unix()
		}
	}
	return e
}

// Create writes the job's scheduler entry and a zeroed stats file.
// An existing job with the same name is replaced.
func (s *Store) Create(ctx context.Context, r Record) error {
	const op = "create"
	if err := ValidateName(r.Name); err != nil {
		return invalidErr(op, r.Name, err.Error())
	}
	r.Schedule = strings.Join(strings.Fields(r.Schedule), " ")
	if r.Schedule == "" {
		return invalidErr(op, r.Name, "schedule required")
	}
	for _, f := range []struct{ key, value string }{
		{"source", r.Source},
		{"destination", r.Destination},
		{"profile", r.Profile},
		{"storage_class", r.StorageClass},
	} {
		// one token per value, and never a second cron line
		if strings.ContainsFunc(f.value, unicode.IsSpace) {
			return invalidErr(op, r.Name, f.key+" must not contain whitespace")
		}
	}
	if err := ctx.Err(); err != nil {
		return internalErr(op, r.Name, err)
	}
	if r.LogRetention <= 0 {
		r.LogRetention = DefaultLogRetention
	}
	r.RunAsUser = s.layout.RunAsUser
	r.LogFile = s.layout.LogFile(r.Name)

	if err := os.MkdirAll(s.layout.SchedulerDir, 0o755); err != nil {
		return internalErr(op, r.Name, err)
	}
	if err := writeFileAtomic(s.layout.SchedulerDir, r.Name, EncodeFile(r, s.layout), 0o644); err != nil {
		return internalErr(op, r.Name, fmt.Errorf("write scheduler entry: %w", err))
	}
	if err := os.MkdirAll(s.layout.LogDir, 0o755); err != nil {
		return internalErr(op, r.Name, err)
	}
	if err := os.WriteFile(s.layout.StatsFile(r.Name), EncodeStats(Stats{}), 0o644); err != nil {
		return internalErr(op, r.Name, fmt.Errorf("write stats: %w", err))
	}
	s.log.Info("job saved", logx.String("name", r.Name), logx.String("schedule", r.Schedule))
	return nil
}

// Delete removes the scheduler entry, then every file in the log directory
// whose name starts with the job name. The prefix match is broad: deleting
// "job" also removes "job2.log".
func (s *Store) Delete(ctx context.Context, name string) error {
	const op = "delete"
	if err := ValidateName(name); err != nil {
		return notFoundErr(op, name)
	}
	if err := ctx.Err(); err != nil {
		return internalErr(op, name, err)
	}
	if err := os.Remove(filepath.Join(s.layout.SchedulerDir, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFoundErr(op, name)
		}
		return internalErr(op, name, err)
	}

	des, err := os.ReadDir(s.layout.LogDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Info("job deleted", logx.String("name", name))
			return nil
		}
		return internalErr(op, name, fmt.Errorf("cleanup logs: %w", err))
	}
	var errs []error
	removed := 0
	for _, de := range des {
		if !strings.HasPrefix(de.Name(), name) || de.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.layout.LogDir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return internalErr(op, name, fmt.Errorf("cleanup logs: %w", errors.Join(errs...)))
	}
	s.log.Info("job deleted", logx.String("name", name), logx.Int("log_files", removed))
	return nil
}

// Stats reads the counters of a job. Missing or malformed files read as zero.
func (s *Store) Stats(ctx context.Context, name string) Stats {
	_ = ctx
	return s.readStats(name)
}

func (s *Store) readStats(name string) Stats {
	b, err := os.ReadFile(s.layout.StatsFile(name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("read stats failed", logx.String("name", name), logx.Err(err))
		}
		return Stats{}
	}
	st, ok := DecodeStats(b)
	if !ok {
		s.log.Debug("stats not decodable", logx.String("name", name))
	}
	return st
}

// ListLogs lists the log files of a job, newest rotation last-first.
//
// Matches are sorted by name, reversed and the first element is dropped, so
// for job.log, job.log.1, job.log.2 the result is [job.log.1, job.log] with
// Count 3. Count always reports every match.
func (s *Store) ListLogs(ctx context.Context, name string) (LogList, error) {
	_ = ctx
	out := LogList{Name: name, Logs: []string{}}
	des, err := os.ReadDir(s.layout.LogDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return out, nil
		}
		return out, internalErr("list logs", name, err)
	}
	prefix := name + ".log"
	var matches []string
	for _, de := range des {
		if strings.HasPrefix(de.Name(), prefix) && !de.IsDir() {
			matches = append(matches, filepath.Join(s.layout.LogDir, de.Name()))
		}
	}
	out.Count = len(matches)
	slices.Reverse(matches)
	if len(matches) > 1 {
		out.Logs = matches[1:]
	}
	return out, nil
}

// LogPath resolves a job log by rotation number: 0 is the live <name>.log,
// n > 0 is <name>.log.<n>.
func (s *Store) LogPath(name string, num int) (string, error) {
	const op = "log"
	if err := ValidateName(name); err != nil {
		return "", notFoundErr(op, name)
	}
	file := name + ".log"
	if num > 0 {
		file += "." + strconv.Itoa(num)
	}
	p := filepath.Join(s.layout.LogDir, file)
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &Error{Kind: KindNotFound, Op: op, Name: name, Err: fmt.Errorf("log file %s not found", p)}
		}
		return "", internalErr(op, name, err)
	}
	if fi.IsDir() {
		return "", &Error{Kind: KindNotFound, Op: op, Name: name, Err: fmt.Errorf("log file %s not found", p)}
	}
	return p, nil
}

// ValidateName enforces that a job name is usable as a single file name.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("name required")
	case name == "." || name == "..":
		return fmt.Errorf("invalid name %q", name)
	case strings.ContainsAny(name, `/\`+"\x00"):
		return fmt.Errorf("name %q must not contain path separators", name)
	case strings.ContainsAny(name, " \t\r\n"):
		return fmt.Errorf("name %q must not contain whitespace", name)
	case strings.HasPrefix(name, tmpPrefix):
		return fmt.Errorf("name %q is reserved", name)
	}
	return nil
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, tmpPrefix) && strings.HasSuffix(name, ".tmp")
}

// writeFileAtomic writes data next to the target and renames it in place so
// readers never observe a partial line.
func writeFileAtomic(dir, name string, data []byte, perm os.FileMode) error {
	f, err := os.CreateTemp(dir, tmpPrefix+name+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
