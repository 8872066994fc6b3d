package listsrefresh

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"
)

type fakeFetcher struct {
	results []FetchResult
	err     error
	write   map[string]string // relative path -> content, written into destDir on FetchInto
}

func (f *fakeFetcher) FetchInto(ctx context.Context, destDir string) ([]FetchResult, error) {
	for rel, content := range f.write {
		if err := os.WriteFile(filepath.Join(destDir, rel), []byte(content), 0644); err != nil {
			return nil, err
		}
	}
	return f.results, f.err
}

func setupListsDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "lists")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Release"), []byte("old-release"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestRunCommitsOnFullSuccess(t *testing.T) {
	dir := setupListsDir(t)
	tx := &Transaction{ListsDir: dir}
	fetcher := &fakeFetcher{results: []FetchResult{{URI: "https://repo.example/dists/stable/Release"}}}

	code, err := tx.Run(context.Background(), fetcher, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 0 { // pkgworker.Success == 0
		t.Errorf("code = %v, want success", code)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("lists dir missing after commit: %v", err)
	}
	if _, err := os.Stat(dir + ".new"); !os.IsNotExist(err) {
		t.Errorf("staged .new dir should be gone after commit")
	}
}

func TestRunRollsBackWhenNothingSucceeds(t *testing.T) {
	dir := setupListsDir(t)
	tx := &Transaction{ListsDir: dir}
	fetcher := &fakeFetcher{results: []FetchResult{{URI: "https://repo.example/dists/stable/Release", Err: errors.New("404")}}}

	code, err := tx.Run(context.Background(), fetcher, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 1 { // pkgworker.Failure == 1
		t.Errorf("code = %v, want failure", code)
	}
	data, err := os.ReadFile(filepath.Join(dir, "Release"))
	if err != nil {
		t.Fatalf("original lists dir should survive rollback: %v", err)
	}
	if string(data) != "old-release" {
		t.Errorf("original content overwritten: %q", data)
	}
	if _, err := os.Stat(dir + ".new"); !os.IsNotExist(err) {
		t.Error("staged .new dir should be removed on rollback")
	}
}

func TestRunPartialSuccessAttributesFailureAndCommits(t *testing.T) {
	dir := setupListsDir(t)
	tx := &Transaction{ListsDir: dir}
	cat := &Catalogue{URI: "https://repo.example", Distribution: "stable", Component: "main"}
	fetcher := &fakeFetcher{results: []FetchResult{
		{URI: "https://repo.example/dists/stable/main/binary-amd64/Packages"},
		{URI: "https://repo.example/dists/stable/main/binary-arm64/Packages", Err: errors.New("404")},
	}}

	code, err := tx.Run(context.Background(), fetcher, []*Catalogue{cat})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 2 { // pkgworker.PartialSuccess == 2
		t.Errorf("code = %v, want partial_success", code)
	}
	if len(cat.Errors) != 1 {
		t.Fatalf("expected 1 attributed error, got %v", cat.Errors)
	}
	if cat.Errors[0].Msg != "404" {
		t.Errorf("attributed error = %+v, want msg 404", cat.Errors[0])
	}
}

func TestHardlinkTreePreservesExistingFiles(t *testing.T) {
	dir := setupListsDir(t)
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "Packages"), []byte("pkgdata"), 0644); err != nil {
		t.Fatal(err)
	}

	dst := dir + ".new"
	if err := hardlinkTree(dir, dst); err != nil {
		t.Fatalf("hardlinkTree: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "sub", "Packages"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "pkgdata" {
		t.Errorf("data = %q, want pkgdata", data)
	}
}

func TestDecompressGzipFiles(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	zw := pgzip.NewWriter(&buf)
	if _, err := zw.Write([]byte("hello packages")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Packages.gz"), buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	if err := decompressGzipFiles(dir); err != nil {
		t.Fatalf("decompressGzipFiles: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "Packages"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello packages" {
		t.Errorf("decompressed data = %q", data)
	}
}

func TestCatalogueMatchesAllThreeShapes(t *testing.T) {
	cases := []struct {
		name string
		cat  Catalogue
		uri  string
		want bool
	}{
		{
			name: "dists shape, component match",
			cat:  Catalogue{URI: "https://repo.example", Distribution: "stable", Component: "main"},
			uri:  "https://repo.example/dists/stable/main/binary-amd64/Packages",
			want: true,
		},
		{
			name: "dists shape, no remainder slash",
			cat:  Catalogue{URI: "https://repo.example", Distribution: "stable"},
			uri:  "https://repo.example/dists/stable/Release",
			want: true,
		},
		{
			name: "flat dist with trailing slash",
			cat:  Catalogue{URI: "https://repo.example", Distribution: "flat/"},
			uri:  "https://repo.example/flat/Packages",
			want: true,
		},
		{
			name: "distribution is bare slash",
			cat:  Catalogue{URI: "https://repo.example", Distribution: "/"},
			uri:  "https://repo.example/Packages",
			want: true,
		},
		{
			name: "no match",
			cat:  Catalogue{URI: "https://repo.example", Distribution: "stable", Component: "main"},
			uri:  "https://other.example/dists/stable/main/Packages",
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := catalogueMatches(&tc.cat, tc.uri); got != tc.want {
				t.Errorf("catalogueMatches(%+v, %q) = %v, want %v", tc.cat, tc.uri, got, tc.want)
			}
		})
	}
}
