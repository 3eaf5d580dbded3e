package jobs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Scheduler line layout:
//
//	m h dom mon dow user /path/to/script --source S --destination D --log-retention N --profile P --storage-class C [--delete] >> /logs/<name>.log 2>&1
//
// Decode only understands this dialect. It is not a general crontab parser.

const (
	flagSource       = "--source"
	flagDestination  = "--destination"
	flagLogRetention = "--log-retention"
	flagProfile      = "--profile"
	flagStorageClass = "--storage-class"
	flagDelete       = "--delete"
)

var (
	reSource       = flagValuePattern(flagSource)
	reDestination  = flagValuePattern(flagDestination)
	reLogRetention = flagValuePattern(flagLogRetention)
	reProfile      = flagValuePattern(flagProfile)
	reStorageClass = flagValuePattern(flagStorageClass)
	reDelete       = regexp.MustCompile(`(?:^|\s)` + regexp.QuoteMeta(flagDelete) + `(?:\s|$)`)
	reLogFile      = regexp.MustCompile(`>{1,2}\s*(\S+)\s*(?:2>&1)?$`)
)

func flagValuePattern(flag string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|\s)` + regexp.QuoteMeta(flag) + `\s+(\S+)`)
}

// Encode renders r as one scheduler line (without trailing newline).
//
// Argument order is fixed so that encoding unchanged data is byte-identical.
// Value flags with an empty value are left out.
func Encode(r Record, l Layout) string {
	l = l.withDefaults()
	user := r.RunAsUser
	if user == "" {
		user = l.RunAsUser
	}

	parts := make([]string, 0, 20)
	parts = append(parts, r.Schedule, user, l.BackupScript)
	parts = appendFlag(parts, flagSource, r.Source)
	parts = appendFlag(parts, flagDestination, r.Destination)
	if r.LogRetention > 0 {
		parts = appendFlag(parts, flagLogRetention, strconv.Itoa(r.LogRetention))
	}
	parts = appendFlag(parts, flagProfile, r.Profile)
	parts = appendFlag(parts, flagStorageClass, r.StorageClass)
	if r.DeleteExtraneous {
		parts = append(parts, flagDelete)
	}
	parts = append(parts, ">>", l.LogFile(r.Name), "2>&1")
	return strings.Join(parts, " ")
}

func appendFlag(parts []string, flag, value string) []string {
	if value == "" {
		return parts
	}
	return append(parts, flag, value)
}

// EncodeFile is Encode plus the trailing newline cron requires.
func EncodeFile(r Record, l Layout) []byte {
	return []byte(Encode(r, l) + "\n")
}

// Decode parses the first line of a scheduler file.
// ok is false when the line has fewer than six whitespace separated tokens
// (five schedule fields and the user), including an empty input.
func Decode(line string) (Record, bool) {
	line = firstLine(line)
	tokens := splitN(line, 7)
	if len(tokens) < 6 {
		return Record{}, false
	}

	r := Record{
		Schedule:  strings.Join(tokens[:5], " "),
		RunAsUser: tokens[5],
	}
	var command string
	if len(tokens) == 7 {
		command = tokens[6]
	}

	r.Source = matchValue(reSource, command)
	r.Destination = matchValue(reDestination, command)
	r.Profile = matchValue(reProfile, command)
	r.StorageClass = matchValue(reStorageClass, command)
	if v := matchValue(reLogRetention, command); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			r.LogRetention = n
		}
	}
	r.DeleteExtraneous = reDelete.MatchString(command)
	if m := reLogFile.FindStringSubmatch(command); m != nil {
		r.LogFile = m[1]
	}
	return r, true
}

// DecodeFile decodes the content of the scheduler file called name.
func DecodeFile(name string, content []byte) (Record, bool) {
	r, ok := Decode(string(content))
	if !ok {
		return Record{}, false
	}
	r.Name = name
	return r, true
}

func matchValue(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

func firstLine(s string) string {
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	if !sc.Scan() {
		return ""
	}
	return strings.TrimSpace(sc.Text())
}

// splitN splits s on runs of whitespace into at most n tokens.
// The last token holds the unsplit remainder.
func splitN(s string, n int) []string {
	var out []string
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	for s != "" {
		if len(out) == n-1 {
			out = append(out, strings.TrimRightFunc(s, unicode.IsSpace))
			break
		}
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i])
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	return out
}

// EncodeStats renders st in the layout the backup script itself writes.
// EncodeStats(Stats{}) is the side file of a freshly created job.
func EncodeStats(st Stats) []byte {
	return []byte(fmt.Sprintf(`{"uploaded": %d, "deleted": %d, "downloaded": %d, "last_run": %d}`,
		st.Uploaded, st.Deleted, st.Downloaded, st.LastRun))
}

// DecodeStats parses a stats side file. It never fails: missing keys are zero
// and malformed content yields zero Stats with ok=false.
// Counters written as JSON floats are truncated.
func DecodeStats(b []byte) (Stats, bool) {
	var raw map[string]json.Number
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Stats{}, false
	}
	var st Stats
	for key, dst := range map[string]*int64{
		"uploaded":   &st.Uploaded,
		"deleted":    &st.Deleted,
		"downloaded": &st.Downloaded,
		"last_run":   &st.LastRun,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		n, ok := numberToInt(v)
		if !ok {
			return Stats{}, false
		}
		*dst = n
	}
	return st, true
}

func numberToInt(n json.Number) (int64, bool) {
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	f, err := n.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}
