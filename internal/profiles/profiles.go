// Package profiles manages AWS named profiles in the shared credentials and
// config files used by the backup script.
//
// A profile named N is stored as section [N] in the credentials file
// (access key pair) and as section [profile N] in the config file
// (role, region, source_profile = N, output = json).
package profiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "cupcake/pkg/logx"

	"github.com/go-ini/ini"
	"github.com/gofrs/flock"
)

const (
	DefaultCredentialsFile = "/root/.aws/credentials"
	DefaultConfigFile      = "/root/.aws/config"
)

var (
	ErrNotFound = errors.New("profile not found")
	ErrInvalid  = errors.New("invalid profile")
)

type Profile struct {
	Name               string `json:"name"`
	AWSAccessKeyID     string `json:"aws_access_key_id"`
	AWSSecretAccessKey string `json:"aws_secret_access_key"`
	Region             string `json:"region"`
	RoleARN            string `json:"role_arn"`
}

type Store struct {
	credentials string
	config      string

	// mu serializes goroutines; lock serializes processes.
	mu   sync.Mutex
	lock *flock.Flock
	log  logx.Logger
}

// NewStore returns a store over the given files. Empty paths use the defaults.
func NewStore(credentialsFile, configFile string, log logx.Logger) *Store {
	if strings.TrimSpace(credentialsFile) == "" {
		credentialsFile = DefaultCredentialsFile
	}
	if strings.TrimSpace(configFile) == "" {
		configFile = DefaultConfigFile
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		credentials: credentialsFile,
		config:      configFile,
		lock:        flock.New(credentialsFile + ".lock"),
		log:         log.With(logx.String("comp", "profiles")),
	}
}

func configSection(name string) string { return "profile " + name }

// ValidateName rejects names that cannot be a single INI section header.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	if name != strings.TrimSpace(name) || strings.ContainsAny(name, "[]\r\n") {
		return fmt.Errorf("%w: bad name %q", ErrInvalid, name)
	}
	if name == ini.DefaultSection {
		return fmt.Errorf("%w: reserved name %q", ErrInvalid, name)
	}
	return nil
}

// List returns every profile that has a credentials section, in file order.
// Config values are filled in when the matching config section exists.
func (s *Store) List(ctx context.Context) ([]Profile, error) {
	creds, conf, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	out := []Profile{}
	for _, sec := range creds.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		out = append(out, merge(sec.Name(), creds, conf))
	}
	return out, nil
}

// Get returns a profile present in both files.
func (s *Store) Get(ctx context.Context, name string) (Profile, error) {
	creds, conf, err := s.read(ctx)
	if err != nil {
		return Profile{}, err
	}
	if !creds.HasSection(name) || !conf.HasSection(configSection(name)) {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return merge(name, creds, conf), nil
}

// Put creates or replaces a profile in both files.
func (s *Store) Put(ctx context.Context, p Profile) error {
	if err := ValidateName(p.Name); err != nil {
		return err
	}
	if strings.TrimSpace(p.AWSAccessKeyID) == "" || strings.TrimSpace(p.AWSSecretAccessKey) == "" {
		return fmt.Errorf("%w: access key id and secret are required", ErrInvalid)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.credentials), 0o700); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock profiles: %w", err)
	}
	defer s.lock.Unlock()

	creds, conf, err := s.load()
	if err != nil {
		return err
	}

	cs := creds.Section(p.Name)
	cs.Key("aws_access_key_id").SetValue(p.AWSAccessKeyID)
	cs.Key("aws_secret_access_key").SetValue(p.AWSSecretAccessKey)

	ps := conf.Section(configSection(p.Name))
	ps.Key("role_arn").SetValue(p.RoleARN)
	ps.Key("region").SetValue(p.Region)
	ps.Key("source_profile").SetValue(p.Name)
	ps.Key("output").SetValue("json")

	if err := save(creds, s.credentials); err != nil {
		return err
	}
	if err := save(conf, s.config); err != nil {
		return err
	}
	s.log.Info("profile saved", logx.String("name", p.Name))
	return nil
}

// Delete removes a profile from both files. Removing a missing profile is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.credentials), 0o700); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock profiles: %w", err)
	}
	defer s.lock.Unlock()

	creds, conf, err := s.load()
	if err != nil {
		return err
	}
	if creds.HasSection(name) {
		creds.DeleteSection(name)
		if err := save(creds, s.credentials); err != nil {
			return err
		}
	}
	if conf.HasSection(configSection(name)) {
		conf.DeleteSection(configSection(name))
		if err := save(conf, s.config); err != nil {
			return err
		}
	}
	s.log.Info("profile deleted", logx.String("name", name))
	return nil
}

func (s *Store) read(ctx context.Context) (*ini.File, *ini.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(filepath.Dir(s.lock.Path())); err == nil {
		if err := s.lock.RLock(); err != nil {
			return nil, nil, fmt.Errorf("lock profiles: %w", err)
		}
		defer s.lock.Unlock()
	}
	return s.load()
}

func (s *Store) load() (*ini.File, *ini.File, error) {
	opts := ini.LoadOptions{Loose: true}
	creds, err := ini.LoadSources(opts, s.credentials)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", s.credentials, err)
	}
	conf, err := ini.LoadSources(opts, s.config)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", s.config, err)
	}
	return creds, conf, nil
}

func merge(name string, creds, conf *ini.File) Profile {
	p := Profile{Name: name}
	if sec, err := creds.GetSection(name); err == nil {
		p.AWSAccessKeyID = sec.Key("aws_access_key_id").String()
		p.AWSSecretAccessKey = sec.Key("aws_secret_access_key").String()
	}
	if sec, err := conf.GetSection(configSection(name)); err == nil {
		p.RoleARN = sec.Key("role_arn").String()
		p.Region = sec.Key("region").String()
	}
	return p
}

// save writes f to path through a temp file and rename. Both files hold
// secrets, so they are created 0600.
func save(f *ini.File, path string) error {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
