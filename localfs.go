package attachments

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cosmoblob/attachments/docdb"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// sourceFile is one regular file of the source directory. Its name is the key
// of the item or blob created from it.
type sourceFile struct {
	Name string
	Path string
	Size int64
}

// listSourceFiles returns the regular top-level files of dir in name order,
// including symlinks that resolve to regular files.
func listSourceFiles(dir string) ([]sourceFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory %s: %w", dir, err)
	}

	var files []sourceFile
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		// stat through symlinks so linked files are uploaded like regular ones
		info, err := os.Stat(path)
		if err != nil {
			if entry.Type()&os.ModeSymlink != 0 && os.IsNotExist(err) {
				log.Debug().Str("path", path).Msg("skipping dangling symlink")
				continue
			}
			return nil, fmt.Errorf("failed to stat source file %s: %w", entry.Name(), err)
		}

		if !info.Mode().IsRegular() {
			continue
		}

		files = append(files, sourceFile{
			Name: entry.Name(),
			Path: path,
			Size: info.Size(),
		})
	}

	return files, nil
}

// clearTarget creates dir if needed and removes its regular top-level files.
// Subdirectories and their contents are left alone.
func clearTarget(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create target directory %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read target directory %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
		removed++
	}

	log.Debug().Str("dir", dir).Int("removed", removed).Msg("cleared target directory")

	return nil
}

// targetPath maps a remote key onto a path below dir, refusing keys that would
// escape it.
func targetPath(dir, key string) (string, error) {
	k := strings.TrimPrefix(key, "/")
	k = filepath.Clean(filepath.FromSlash(k))

	if k == "." || k == "" {
		return "", fmt.Errorf("invalid key %q: resolves to empty path", key)
	}

	p := filepath.Join(dir, k)

	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return "", fmt.Errorf("failed to compute relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q: escapes target directory", key)
	}

	return p, nil
}

// stagedFile is a download written to a temp file beside its destination. It
// only appears under the destination name once committed.
type stagedFile struct {
	dest string
	tmp  string
}

// stageFile streams the output of write into a temp file next to dir/key.
func stageFile(dir, key string, write func(w io.Writer) error) (*stagedFile, error) {
	destPath, err := targetPath(dir, key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	// Create temp file in same directory as final destination for atomic rename
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".attachments-download-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	staged := &stagedFile{dest: destPath, tmp: tmpFile.Name()}

	if err := write(tmpFile); err != nil {
		_ = tmpFile.Close()
		staged.discard()
		return nil, err
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		staged.discard()
		return nil, fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		staged.discard()
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	return staged, nil
}

// commit renames the temp file over the destination, the last commit for a name wins.
func (s *stagedFile) commit() error {
	// Remove existing file before rename (required for Windows atomicity)
	if err := os.Remove(s.dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing file: %w", err)
	}

	if err := os.Rename(s.tmp, s.dest); err != nil {
		s.discard()
		return fmt.Errorf("failed to rename temp file to %s: %w", s.dest, err)
	}

	return nil
}

func (s *stagedFile) discard() {
	if err := os.Remove(s.tmp); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("path", s.tmp).Msg("failed to remove temp file")
	}
}

// commitStaged moves a batch of staged files into place in order. When the batch
// failed, or a commit fails, every remaining temp file is removed.
func commitStaged(staged []*stagedFile, batchErr error) error {
	if batchErr != nil {
		for _, s := range staged {
			if s != nil {
				s.discard()
			}
		}
		return batchErr
	}

	for i, s := range staged {
		if err := s.commit(); err != nil {
			for _, rest := range staged[i+1:] {
				rest.discard()
			}
			return err
		}
	}

	return nil
}

// detectContentType sniffs the MIME type of the file at path, falling back to
// docdb.DefaultContentType.
func detectContentType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("failed to detect content type")
		return docdb.DefaultContentType
	}
	return mtype.String()
}
