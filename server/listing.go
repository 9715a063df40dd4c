package server

import (
	"fmt"
	"io/fs"
	"iter"
	"strings"
	"time"
)

// sixMonths is the age after which ls switches from clock time to year.
const sixMonths = 182 * 24 * time.Hour

// formatListLine renders one LIST entry in the `ls -l` layout that clients
// parse:
//
//	-rw-r--r-- 1 ftp ftp         5 Jan  2 15:04 f.txt
func formatListLine(info fs.FileInfo, now time.Time) string {
	mtime := info.ModTime()
	var stamp string
	if age := now.Sub(mtime); age < sixMonths && age > -time.Hour {
		stamp = mtime.Format("Jan _2 15:04")
	} else {
		stamp = mtime.Format("Jan _2  2006")
	}
	return fmt.Sprintf("%s 1 ftp ftp %12d %s %s", modeString(info.Mode()), info.Size(), stamp, info.Name())
}

// modeString is FileMode.String in ls notation ('l' for links, one type
// character, no extra attribute letters).
func modeString(m fs.FileMode) string {
	var b strings.Builder
	switch {
	case m&fs.ModeDir != 0:
		b.WriteByte('d')
	case m&fs.ModeSymlink != 0:
		b.WriteByte('l')
	case m&fs.ModeNamedPipe != 0:
		b.WriteByte('p')
	case m&fs.ModeSocket != 0:
		b.WriteByte('s')
	case m&fs.ModeCharDevice != 0:
		b.WriteByte('c')
	case m&fs.ModeDevice != 0:
		b.WriteByte('b')
	default:
		b.WriteByte('-')
	}

	const rwx = "rwxrwxrwx"
	perm := m.Perm()
	for i := range 9 {
		if perm&(1<<uint(8-i)) != 0 {
			b.WriteByte(rwx[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// listLines yields LIST lines for infos, or bare names when namesOnly.
func listLines(infos []fs.FileInfo, namesOnly bool, now time.Time) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, info := range infos {
			line := info.Name()
			if !namesOnly {
				line = formatListLine(info, now)
			}
			if !yield(line) {
				return
			}
		}
	}
}

// listTarget strips ls-style options ("-la", "-a") that many clients put in
// front of the LIST/NLST path.
func listTarget(arg string) string {
	arg = strings.TrimSpace(arg)
	for strings.HasPrefix(arg, "-") {
		_, rest, found := strings.Cut(arg, " ")
		if !found {
			return ""
		}
		arg = strings.TrimSpace(rest)
	}
	return arg
}

// quotePath quotes a pathname for a 257 reply; embedded quotes are doubled.
func quotePath(p string) string {
	return `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
}
