package jobs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/smazurov/pimonitor/internal/errs"
)

var extensions = map[Kind][]string{
	KindRecord:   {".mp4", ".mkv", ".ts", ".avi"},
	KindSnapshot: {".jpg", ".jpeg", ".png"},
}

// SafeJoin resolves name inside root and rejects anything that would land
// outside it: absolute names, ".." components and symlinked directories
// or files pointing elsewhere. root must exist.
func SafeJoin(root, name string) (string, error) {
	if name == "" {
		return "", errs.Field("filename", "is required")
	}
	if strings.ContainsRune(name, 0) {
		return "", errs.Field("filename", "contains a NUL byte")
	}
	if filepath.IsAbs(name) {
		return "", errs.Field("filename", "must be relative to the recording directory")
	}

	base, err := filepath.Abs(root)
	if err != nil {
		return "", errs.New(errs.KindIOFailure, "resolve recording directory", err)
	}
	base, err = filepath.EvalSymlinks(base)
	if err != nil {
		return "", errs.New(errs.KindIOFailure, "resolve recording directory", err)
	}

	target := filepath.Join(base, name)
	if target == base || !within(base, target) {
		return "", errs.Field("filename", "escapes the recording directory")
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(target))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.Field("filename", "directory does not exist")
		}
		return "", errs.New(errs.KindIOFailure, "resolve destination directory", err)
	}
	if !within(base, parent) {
		return "", errs.Field("filename", "escapes the recording directory")
	}

	final := filepath.Join(parent, filepath.Base(target))
	if fi, err := os.Lstat(final); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return "", errs.Field("filename", "is a symlink")
		}
		if fi.IsDir() {
			return "", errs.Field("filename", "is a directory")
		}
	}
	return final, nil
}

// within reports whether p is root or below it. Both must be clean.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkExtension(kind Kind, name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range extensions[kind] {
		if ext == allowed {
			return nil
		}
	}
	return errs.Field("filename", "must end in one of "+strings.Join(extensions[kind], ", "))
}
