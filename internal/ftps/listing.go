package ftps

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

type FileEntry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

func parseListing(r io.Reader, now time.Time) []FileEntry {
	var entries []FileEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if entry, ok := parseListLine(scanner.Text(), now); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// parseListLine parses one line of a unix-style directory listing:
//
//	drwxr-xr-x 2 root root 4096 Jan 15 10:42 cache
//	-rw-r--r-- 1 root root 1048576 Dec 03 2023 part.3mf
func parseListLine(line string, now time.Time) (FileEntry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return FileEntry{}, false
	}

	perms := fields[0]
	if len(perms) < 10 {
		return FileEntry{}, false
	}

	size, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return FileEntry{}, false
	}

	name := strings.Join(fields[8:], " ")
	if name == "." || name == ".." {
		return FileEntry{}, false
	}

	return FileEntry{
		Name:    name,
		IsDir:   perms[0] == 'd',
		Size:    size,
		ModTime: parseListTime(fields[5], fields[6], fields[7], now),
	}, true
}

// parseListTime handles the two textual formats devices emit. "Mon DD
// HH:MM" carries no year: the current one is implied unless that would put
// the timestamp in the future, in which case it belongs to last year.
// "Mon DD YYYY" has no time component. Unparseable input yields the zero
// time; modification times are best-effort.
func parseListTime(month, day, yearOrTime string, now time.Time) time.Time {
	if strings.Contains(yearOrTime, ":") {
		t, err := time.Parse("Jan 2 15:04", month+" "+day+" "+yearOrTime)
		if err != nil {
			return time.Time{}
		}
		t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if t.After(now) {
			t = t.AddDate(-1, 0, 0)
		}
		return t
	}

	t, err := time.Parse("Jan 2 2006", month+" "+day+" "+yearOrTime)
	if err != nil {
		return time.Time{}
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, now.Location())
}
