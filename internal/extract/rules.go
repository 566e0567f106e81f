package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/jparise/gh-mine/internal/criteria"
)

// evaluate applies the rules in order and stops at the first failure. It
// returns the sorted union of files matched by require rules, or the reason
// the first failing rule gave.
func (f *Filter) evaluate(ctx context.Context, dir string, files []string) ([]string, string, error) {
	matched := make(map[string]struct{})

	for _, rule := range f.rules {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		switch rule.Kind {
		case criteria.RequireFilePattern:
			found := false
			for _, p := range files {
				if rule.MatchPath(p) {
					matched[p] = struct{}{}
					found = true
				}
			}
			if !found {
				return nil, fmt.Sprintf("%s: no matching file", rule), nil
			}

		case criteria.ForbidFilePattern:
			for _, p := range files {
				if rule.MatchPath(p) {
					return nil, fmt.Sprintf("%s: found %s", rule, p), nil
				}
			}

		case criteria.RequireFileContains:
			found := false
			for _, p := range files {
				if !rule.MatchPath(p) {
					continue
				}
				data, ok, err := readCapped(filepath.Join(dir, filepath.FromSlash(p)), f.maxFileBytes)
				if err != nil {
					return nil, "", err
				}
				if ok && rule.MatchContent(data) {
					matched[p] = struct{}{}
					found = true
				}
			}
			if !found {
				return nil, fmt.Sprintf("%s: no file content matches", rule), nil
			}
		}
	}

	result := make([]string, 0, len(matched))
	for p := range matched {
		result = append(result, p)
	}
	slices.Sort(result)
	return result, "", nil
}

// readCapped reads the file at name if it is at most limit bytes. Larger
// files report ok == false.
func readCapped(name string, limit int64) ([]byte, bool, error) {
	fh, err := os.Open(name)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open extracted file: %w", err)
	}
	defer fh.Close()

	data, err := io.ReadAll(io.LimitReader(fh, limit+1))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read extracted file: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, false, nil
	}
	return data, true, nil
}
