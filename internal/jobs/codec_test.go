package jobs

import (
	"testing"
	"time"
)

var testLayout = Layout{
	SchedulerDir: "/etc/cron.d",
	LogDir:       "/var/log/cupcake",
	BackupScript: "/cupcake/cupcake.sh",
	RunAsUser:    "root",
}

func TestEncodeLine(t *testing.T) {
	t.Parallel()
	r := Record{
		Name:             "nightly",
		Schedule:         "0 2 * * *",
		Source:           "/data",
		Destination:      "s3://bucket/data",
		Profile:          "backup",
		LogRetention:     7,
		StorageClass:     "STANDARD_IA",
		DeleteExtraneous: true,
	}
	want := "0 2 * * * root /cupcake/cupcake.sh --source /data --destination s3://bucket/data" +
		" --log-retention 7 --profile backup --storage-class STANDARD_IA --delete" +
		" >> /var/log/cupcake/nightly.log 2>&1"
	if got := Encode(r, testLayout); got != want {
		t.Fatalf("Encode:\n got %q\nwant %q", got, want)
	}
	if got := string(EncodeFile(r, testLayout)); got != want+"\n" {
		t.Fatalf("EncodeFile missing trailing newline: %q", got)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	t.Parallel()
	r := Record{Name: "a", Schedule: "*/5 * * * *", Source: "/x", Destination: "s3://y", Profile: "p", LogRetention: 3}
	first := Encode(r, testLayout)
	for i := 0; i < 5; i++ {
		if got := Encode(r, testLayout); got != first {
			t.Fatalf("encode %d differs: %q vs %q", i, got, first)
		}
	}
	// decode then encode again yields the same bytes
	dec, ok := Decode(first)
	if !ok {
		t.Fatalf("decode failed for %q", first)
	}
	dec.Name = r.Name
	if got := Encode(dec, testLayout); got != first {
		t.Fatalf("re-encode differs:\n got %q\nwant %q", got, first)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []Record{
		{Name: "j1", Schedule: "0 2 * * *", Source: "/data", Destination: "s3://b/d", Profile: "default", LogRetention: 3, StorageClass: "STANDARD", DeleteExtraneous: true},
		{Name: "j2", Schedule: "*/15 1-5 * * 1,3", Source: "s3://b/in", Destination: "/restore", Profile: "ro", LogRetention: 10, StorageClass: "GLACIER"},
		{Name: "j3", Schedule: "0 0 1 1 *", Source: "/a", Destination: "s3://c"},
	}
	for _, in := range tests {
		line := Encode(in, testLayout)
		out, ok := DecodeFile(in.Name, []byte(line+"\n"))
		if !ok {
			t.Fatalf("%s: decode failed for %q", in.Name, line)
		}
		if out.Name != in.Name || out.Source != in.Source || out.Destination != in.Destination ||
			out.Profile != in.Profile || out.StorageClass != in.StorageClass ||
			out.DeleteExtraneous != in.DeleteExtraneous || out.LogRetention != in.LogRetention {
			t.Fatalf("%s: round trip mismatch\n in %+v\nout %+v", in.Name, in, out)
		}
		if out.RunAsUser != "root" {
			t.Fatalf("%s: user = %q", in.Name, out.RunAsUser)
		}
		if out.LogFile != testLayout.LogFile(in.Name) {
			t.Fatalf("%s: log file = %q", in.Name, out.LogFile)
		}
	}
}

func TestRoundTripScheduleVerbatim(t *testing.T) {
	t.Parallel()
	r := Record{Name: "s", Schedule: "30 4 1,15 * 5", Source: "/a", Destination: "s3://b"}
	out, ok := Decode(Encode(r, testLayout))
	if !ok || out.Schedule != r.Schedule {
		t.Fatalf("schedule = %q, want %q", out.Schedule, r.Schedule)
	}
}

func TestDecodeWhitespace(t *testing.T) {
	t.Parallel()
	line := "0  2\t*   * *   root\t/cupcake/cupcake.sh   --source\t/data --destination    s3://b" +
		"  --log-retention  5 --profile  p --storage-class\tSTANDARD --delete   >>  /var/log/cupcake/w.log   2>&1  "
	r, ok := Decode(line)
	if !ok {
		t.Fatal("decode failed")
	}
	if r.Schedule != "0 2 * * *" || r.RunAsUser != "root" {
		t.Fatalf("schedule/user = %q/%q", r.Schedule, r.RunAsUser)
	}
	if r.Source != "/data" || r.Destination != "s3://b" || r.Profile != "p" || r.StorageClass != "STANDARD" {
		t.Fatalf("flags not extracted: %+v", r)
	}
	if r.LogRetention != 5 || !r.DeleteExtraneous {
		t.Fatalf("retention/delete = %d/%v", r.LogRetention, r.DeleteExtraneous)
	}
	if r.LogFile != "/var/log/cupcake/w.log" {
		t.Fatalf("log file = %q", r.LogFile)
	}
}

func TestDecodeArgumentOrderIndependent(t *testing.T) {
	t.Parallel()
	line := "0 2 * * * root /s.sh --delete --profile p --destination d --source s > /l/x.log"
	r, ok := Decode(line)
	if !ok {
		t.Fatal("decode failed")
	}
	if r.Source != "s" || r.Destination != "d" || r.Profile != "p" || !r.DeleteExtraneous || r.LogFile != "/l/x.log" {
		t.Fatalf("got %+v", r)
	}
	if r.LogRetention != 0 || r.StorageClass != "" {
		t.Fatalf("absent flags should stay empty: %+v", r)
	}
}

func TestDecodeOnlyFirstLine(t *testing.T) {
	t.Parallel()
	content := "0 2 * * * root /s.sh --source a >> /l/a.log 2>&1\n0 3 * * * root /s.sh --source b\n"
	r, ok := DecodeFile("a", []byte(content))
	if !ok || r.Source != "a" || r.Schedule != "0 2 * * *" {
		t.Fatalf("got %+v ok=%v", r, ok)
	}
}

func TestDecodeShortOrEmpty(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "\n", "0 2 * * *", "# comment"} {
		r, ok := Decode(in)
		if ok {
			t.Fatalf("Decode(%q) ok, want not ok", in)
		}
		if r != (Record{}) {
			t.Fatalf("Decode(%q) = %+v, want zero record", in, r)
		}
	}
	// six tokens: user present, empty command
	r, ok := Decode("0 2 * * * root")
	if !ok || r.RunAsUser != "root" || r.Source != "" || r.LogFile != "" {
		t.Fatalf("six tokens: %+v ok=%v", r, ok)
	}
}

func TestDecodeDeleteNeedsWordBoundary(t *testing.T) {
	t.Parallel()
	r, ok := Decode("0 2 * * * root /s.sh --source /data/--delete-me --delete-marker x")
	if !ok {
		t.Fatal("decode failed")
	}
	if r.DeleteExtraneous {
		t.Fatal("--delete matched inside another token")
	}
}

func TestEncodeOmitsEmptyValues(t *testing.T) {
	t.Parallel()
	line := Encode(Record{Name: "e", Schedule: "0 0 * * *", Source: "/a"}, testLayout)
	want := "0 0 * * * root /cupcake/cupcake.sh --source /a >> /var/log/cupcake/e.log 2>&1"
	if line != want {
		t.Fatalf("got %q, want %q", line, want)
	}
	r, _ := Decode(line)
	if r.Destination != "" || r.Profile != "" {
		t.Fatalf("empty flags leaked: %+v", r)
	}
}

func TestStatsEncoding(t *testing.T) {
	t.Parallel()
	if got := string(EncodeStats(Stats{})); got != `{"uploaded": 0, "deleted": 0, "downloaded": 0, "last_run": 0}` {
		t.Fatalf("zero stats = %s", got)
	}

	tests := []struct {
		in   string
		want Stats
		ok   bool
	}{
		{`{"uploaded": 4, "deleted": 1, "downloaded": 2, "last_run": 1700000000}`, Stats{4, 1, 2, 1700000000}, true},
		{`{"uploaded": 4.9}`, Stats{Uploaded: 4}, true},
		{`{}`, Stats{}, true},
		{`not json`, Stats{}, false},
		{``, Stats{}, false},
		{`{"uploaded": "x"}`, Stats{}, false},
	}
	for _, tt := range tests {
		got, ok := DecodeStats([]byte(tt.in))
		if got != tt.want || ok != tt.ok {
			t.Fatalf("DecodeStats(%q) = %+v,%v want %+v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNextRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.Local)
	next, ok := NextRun("30 10 * * *", now)
	if !ok {
		t.Fatal("expected schedule to parse")
	}
	if want := time.Date(2026, 1, 1, 10, 30, 0, 0, time.Local); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, ok := NextRun("not a schedule", now); ok {
		t.Fatal("garbage schedule parsed")
	}
}
