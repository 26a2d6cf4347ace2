package checkout

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/crab-verify/internal/failure"
)

type fixture struct {
	t    *testing.T
	dir  string
	repo *git.Repository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &fixture{t: t, dir: dir, repo: repo}
}

func (f *fixture) commit(msg string, files map[string]string) string {
	f.t.Helper()
	wt, err := f.repo.Worktree()
	require.NoError(f.t, err)
	for name, content := range files {
		path := filepath.Join(f.dir, filepath.FromSlash(name))
		require.NoError(f.t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(f.t, os.WriteFile(path, []byte(content), 0644))
		_, err := wt.Add(name)
		require.NoError(f.t, err)
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: &object.Signature{
		Name:  "crab",
		Email: "crab@example.com",
		When:  time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC),
	}})
	require.NoError(f.t, err)
	return hash.String()
}

func (f *fixture) read(name string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	require.NoError(f.t, err)
	return string(data)
}

func TestOpen_RecordsBranch(t *testing.T) {
	f := newFixture(t)
	sha := f.commit("init", map[string]string{"a.txt": "one"})

	r, err := Open(f.dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "master", r.Branch())

	head, err := r.HeadSHA()
	require.NoError(t, err)
	assert.Equal(t, sha, head)

	shallow, err := r.Shallow()
	require.NoError(t, err)
	assert.False(t, shallow)
}

func TestOpen_NotARepository(t *testing.T) {
	_, err := Open(t.TempDir(), nil)
	assert.Error(t, err)
}

func TestCheckoutAndReset(t *testing.T) {
	f := newFixture(t)
	first := f.commit("first", map[string]string{"a.txt": "one"})
	f.commit("second", map[string]string{"a.txt": "two"})

	r, err := Open(f.dir, nil)
	require.NoError(t, err)

	require.NoError(t, r.Checkout(context.Background(), first, 1))
	assert.Equal(t, "one", f.read("a.txt"))

	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "a.txt"), []byte("dirty"), 0644))
	require.NoError(t, r.Reset())
	assert.Equal(t, "two", f.read("a.txt"))

	ref, err := f.repo.Head()
	require.NoError(t, err)
	assert.Equal(t, plumbing.ReferenceName("refs/heads/master"), ref.Name())
}

func TestCheckout_CommitOffBranch(t *testing.T) {
	f := newFixture(t)
	base := f.commit("base", map[string]string{"a.txt": "base"})
	merge := f.commit("merge", map[string]string{"a.txt": "merged"})
	// the merge commit stays in the object store but leaves the branch
	require.NoError(t, f.repo.Storer.SetReference(
		plumbing.NewHashReference("refs/heads/master", plumbing.NewHash(base))))

	r, err := Open(f.dir, nil)
	require.NoError(t, err)
	require.NoError(t, r.Checkout(context.Background(), merge, 3))
	assert.Equal(t, "merged", f.read("a.txt"))

	require.NoError(t, r.Reset())
	assert.Equal(t, "base", f.read("a.txt"))
}

func TestCheckout_UnknownCommitWithoutRemote(t *testing.T) {
	f := newFixture(t)
	f.commit("init", map[string]string{"a.txt": "one"})

	r, err := Open(f.dir, nil)
	require.NoError(t, err)

	err = r.Checkout(context.Background(), "0123456789abcdef0123456789abcdef01234567", 5)
	assert.Equal(t, failure.CantFetchPR, failure.KindOf(err))
}

func TestFileAt(t *testing.T) {
	f := newFixture(t)
	before := f.commit("before", map[string]string{"src/A.java": "class A {}"})
	after := f.commit("after", map[string]string{
		"src/A.java": "class A { int x; }",
		"logo.png":   "\x89PNG\x00\x00\x01",
	})

	r, err := Open(f.dir, nil)
	require.NoError(t, err)

	tests := []struct {
		sha, name, want string
	}{
		{before, "src/A.java", "class A {}"},
		{after, "src/A.java", "class A { int x; }"},
		{before, "logo.png", ""},
		{after, "logo.png", BinaryContent},
	}
	for _, tt := range tests {
		got, err := r.FileAt(tt.sha, tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s at %s", tt.name, tt.sha[:7])
	}
}

func TestArchive(t *testing.T) {
	f := newFixture(t)
	sha := f.commit("init", map[string]string{
		"pom.xml":              "<project/>",
		"src/main/java/A.java": "class A {}",
	})
	// untracked files stay out of the archive
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "notes.txt"), []byte("x"), 0644))

	r, err := Open(f.dir, nil)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "archives", ArchiveName("acme/widgets", 42, "base"))
	require.NoError(t, r.Archive(sha, dest))
	assert.Equal(t, "acme_widgets_42_base.tar.gz", filepath.Base(dest))

	file, err := os.Open(dest)
	require.NoError(t, err)
	defer file.Close()
	gz, err := gzip.NewReader(file)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		contents[hdr.Name] = string(data)
	}
	names := make([]string, 0, len(contents))
	for name := range contents {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"pom.xml", "src/main/java/A.java"}, names)
	assert.Equal(t, "class A {}", contents["src/main/java/A.java"])
}
