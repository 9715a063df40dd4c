package server

import (
	"io/fs"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeInfo struct {
	name  string
	size  int64
	mode  fs.FileMode
	mtime time.Time
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return f.mode }
func (f fakeInfo) ModTime() time.Time { return f.mtime }
func (f fakeInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeInfo) Sys() any           { return nil }

func TestFormatListLine(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	pad := strings.Repeat(" ", 11)

	recent := fakeInfo{name: "f.txt", size: 5, mode: 0o644, mtime: time.Date(2024, 6, 1, 9, 5, 0, 0, time.UTC)}
	assert.Equal(t, "-rw-r--r-- 1 ftp ftp "+pad+"5 Jun  1 09:05 f.txt", formatListLine(recent, now))

	old := fakeInfo{name: "old dir", size: 4096, mode: fs.ModeDir | 0o755, mtime: time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)}
	assert.Equal(t, "drwxr-xr-x 1 ftp ftp "+strings.Repeat(" ", 8)+"4096 Jan  2  2023 old dir", formatListLine(old, now))

	future := fakeInfo{name: "skew", mode: 0o600, mtime: now.Add(48 * time.Hour)}
	assert.Contains(t, formatListLine(future, now), "Jun 12  2024 skew")
}

func TestModeString(t *testing.T) {
	tests := []struct {
		mode fs.FileMode
		want string
	}{
		{0o644, "-rw-r--r--"},
		{0o600, "-rw-------"},
		{fs.ModeDir | 0o755, "drwxr-xr-x"},
		{fs.ModeSymlink | 0o777, "lrwxrwxrwx"},
		{fs.ModeNamedPipe | 0o644, "prw-r--r--"},
		{fs.ModeSocket | 0o755, "srwxr-xr-x"},
		{fs.ModeDevice | fs.ModeCharDevice | 0o666, "crw-rw-rw-"},
		{fs.ModeDevice | 0o660, "brw-rw----"},
		{fs.ModeSetuid | 0o755, "-rwxr-xr-x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, modeString(tt.mode), "%v", tt.mode)
	}
}

func TestListLines(t *testing.T) {
	now := time.Now()
	infos := []fs.FileInfo{
		fakeInfo{name: "a", mtime: now},
		fakeInfo{name: "b", mtime: now},
		fakeInfo{name: "c", mtime: now},
	}

	assert.Equal(t, []string{"a", "b", "c"}, slices.Collect(listLines(infos, true, now)))

	long := slices.Collect(listLines(infos, false, now))
	assert.Len(t, long, 3)
	assert.True(t, strings.HasSuffix(long[2], " c"))

	// Stops when the consumer does.
	var first []string
	for line := range listLines(infos, true, now) {
		first = append(first, line)
		break
	}
	assert.Equal(t, []string{"a"}, first)
}

func TestListTarget(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"-la":          "",
		"-la /pub":     "/pub",
		"-a -l dir":    "dir",
		"  file.txt  ": "file.txt",
		"name with sp": "name with sp",
		"-l  spaced":   "spaced",
	}
	for in, want := range tests {
		assert.Equal(t, want, listTarget(in), "%q", in)
	}
}

func TestQuotePath(t *testing.T) {
	assert.Equal(t, `"/"`, quotePath("/"))
	assert.Equal(t, `"/pub/dir"`, quotePath("/pub/dir"))
	assert.Equal(t, `"/a""b"`, quotePath(`/a"b`))
}
