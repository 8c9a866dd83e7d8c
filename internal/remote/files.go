package remote

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/gluk-w/claworc/scout/internal/logutil"
	"github.com/gluk-w/claworc/scout/internal/sshpool"
)

// FileEntry is one row of a remote directory listing.
type FileEntry struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "file", "directory", "symlink" or "other"
	Size        int64  `json:"size"`
	Permissions string `json:"permissions"`
	Owner       string `json:"owner"`
	Group       string `json:"group"`
	Modified    string `json:"modified"`
	LinkTarget  string `json:"link_target,omitempty"`
}

// ReadResult is the outcome of ReadPath: a listing for directories, content
// for anything else.
type ReadResult struct {
	Path      string      `json:"path"`
	IsDir     bool        `json:"is_dir"`
	Entries   []FileEntry `json:"entries,omitempty"`
	Content   string      `json:"content,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
}

// lsCommand prints one entry per line with a fixed seven-column prefix.
const lsCommand = "ls -la --color=never --time-style=long-iso"

// ListDirectory lists a remote directory.
func ListDirectory(ctx context.Context, sess sshpool.Session, path string) ([]FileEntry, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := Run(ctx, sess, lsCommand+" "+quotePath(path))
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	entries := ParseLsOutput(res.Stdout)
	log.Printf("[remote] ListDirectory %s (%d entries) completed in %s",
		logutil.SanitizeForLog(path), len(entries), time.Since(start).Round(time.Millisecond))
	return entries, nil
}

// ReadPath returns a directory listing when path is a directory and the
// file's content otherwise. Content beyond maxBytes is dropped and the result
// marked truncated. A maxBytes of zero or less disables the limit.
func ReadPath(ctx context.Context, sess sshpool.Session, path string, maxBytes int64) (*ReadResult, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	q := quotePath(path)

	kind, err := Run(ctx, sess, fmt.Sprintf("if [ -d %s ]; then echo directory; elif [ -e %s ]; then echo file; else echo missing; fi", q, q))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	switch strings.TrimSpace(kind.Stdout) {
	case "directory":
		entries, err := ListDirectory(ctx, sess, path)
		if err != nil {
			return nil, err
		}
		return &ReadResult{Path: path, IsDir: true, Entries: entries}, nil
	case "file":
	default:
		return nil, fmt.Errorf("read %s: %w", path, ErrNotFound)
	}

	cmd := "cat " + q
	if maxBytes > 0 {
		// One extra byte tells us whether anything was cut.
		cmd = fmt.Sprintf("head -c %d %s", maxBytes+1, q)
	}
	res, err := Run(ctx, sess, cmd)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	out := &ReadResult{Path: path, Content: res.Stdout}
	if maxBytes > 0 && int64(len(out.Content)) > maxBytes {
		out.Content = logutil.CutBytes(out.Content, int(maxBytes))
		out.Truncated = true
		log.Printf("[remote] ReadPath %s truncated at %s", logutil.SanitizeForLog(path), units.HumanSize(float64(maxBytes)))
	}
	return out, nil
}

// ParseLsOutput parses `ls -la --time-style=long-iso` output. The total line
// and the . and .. entries are skipped, as are lines that do not parse.
func ParseLsOutput(output string) []FileEntry {
	entries := []FileEntry{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		// Device files show "major, minor" in place of the size.
		n := 7
		if line[0] == 'c' || line[0] == 'b' {
			n = 8
		}
		fields, name, ok := cutFields(line, n)
		if !ok || name == "" {
			continue
		}
		perms := fields[0]
		size, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			size = 0
		}

		e := FileEntry{
			Permissions: perms,
			Owner:       fields[2],
			Group:       fields[3],
			Size:        size,
			Modified:    fields[n-2] + " " + fields[n-1],
			Type:        entryType(perms),
		}
		if e.Type == "symlink" {
			if linkName, target, found := strings.Cut(name, " -> "); found {
				name = linkName
				e.LinkTarget = target
			}
		}
		if name == "." || name == ".." {
			continue
		}
		e.Name = name
		entries = append(entries, e)
	}
	return entries
}

func entryType(perms string) string {
	if perms == "" {
		return "other"
	}
	switch perms[0] {
	case 'd':
		return "directory"
	case 'l':
		return "symlink"
	case '-':
		return "file"
	default:
		return "other"
	}
}

// cutFields splits off the first n whitespace-separated fields of line and
// returns them with the untouched remainder, so names keep their spacing.
func cutFields(line string, n int) ([]string, string, bool) {
	fields := make([]string, 0, n)
	rest := line
	for len(fields) < n {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			return nil, "", false
		}
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			return nil, "", false
		}
		fields = append(fields, rest[:end])
		rest = rest[end:]
	}
	// Exactly one separator precedes the name.
	if len(rest) > 0 {
		rest = rest[1:]
	}
	return fields, rest, true
}
