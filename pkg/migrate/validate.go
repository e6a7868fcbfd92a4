package migrate

import (
	"fmt"
	"io/fs"
	"regexp"
	"strings"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// statements that would break the append-only order history if they ran
// forward. Down sections may drop the table as a whole.
var forbiddenUpStatements = []string{
	"delete from order_timeline_entries",
	"update order_timeline_entries",
	"truncate order_timeline_entries",
	"drop trigger if exists trg_order_timeline_append_only",
}

// ValidateFS checks migration names, goose headers and the timeline rules.
func ValidateFS(fsys fs.FS) error {
	if fsys == nil {
		return fmt.Errorf("migrations fs is required")
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	seen := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if prev, ok := seen[m[1]]; ok {
			return fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name)
		}
		seen[m[1]] = name

		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read file %q: %w", name, err)
		}
		if err := validateSQL(name, string(b)); err != nil {
			return err
		}
	}
	return nil
}

func validateSQL(name, txt string) error {
	upAt := strings.Index(txt, "-- +goose Up")
	downAt := strings.Index(txt, "-- +goose Down")
	if upAt < 0 {
		return fmt.Errorf("migration %q missing \"-- +goose Up\"", name)
	}
	if downAt < 0 {
		return fmt.Errorf("migration %q missing \"-- +goose Down\"", name)
	}
	if downAt < upAt {
		return fmt.Errorf("migration %q has Down before Up", name)
	}

	up := strings.Join(strings.Fields(strings.ToLower(txt[upAt:downAt])), " ")
	for _, stmt := range forbiddenUpStatements {
		if strings.Contains(up, stmt) {
			return fmt.Errorf("migration %q mutates the append-only timeline: %s", name, stmt)
		}
	}
	return nil
}
