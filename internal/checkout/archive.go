package checkout

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ArchiveName returns the file name of a PR snapshot, e.g.
// owner_name_42_base.tar.gz
func ArchiveName(repo string, prNumber int, suffix string) string {
	return strings.ReplaceAll(repo, "/", "_") + "_" + strconv.Itoa(prNumber) + "_" + suffix + ".tar.gz"
}

// Archive writes the files tracked at commit sha into a gzipped tarball
// at dest. Submodules are not included.
func (r *Repo) Archive(sha, dest string) (err error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		return fmt.Errorf("commit %s: %w", sha, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	err = tree.Files().ForEach(func(file *object.File) error {
		return writeEntry(tw, file, commit)
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", sha, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func writeEntry(tw *tar.Writer, file *object.File, commit *object.Commit) error {
	hdr := &tar.Header{
		Name:    file.Name,
		ModTime: commit.Committer.When,
		Mode:    0644,
	}

	if file.Mode == filemode.Symlink {
		target, err := file.Contents()
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
		hdr.Mode = 0777
		return tw.WriteHeader(hdr)
	}

	if file.Mode == filemode.Executable {
		hdr.Mode = 0755
	}
	hdr.Typeflag = tar.TypeReg
	hdr.Size = file.Size
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	rc, err := file.Reader()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(tw, rc)
	return err
}
