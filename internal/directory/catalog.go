package directory

import (
	"fmt"
	"io/fs"
	"math"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rudransh-shrivastava/seekr/internal/protocol"
	"golang.org/x/text/cases"
)

// Entry is one shared folder of one user.
type Entry struct {
	User   string
	Folder string
	Files  []protocol.FileEntry
}

// Catalog is the searchable index of everything users share.
type Catalog struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewCatalog(entries ...Entry) *Catalog {
	return &Catalog{entries: entries}
}

func (c *Catalog) Add(entries ...Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entries...)
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Match returns one reply per folder holding a file whose path contains
// every word of query, ignoring case. Folders with no match are skipped.
func (c *Catalog) Match(query string) []protocol.SearchReply {
	fold := cases.Fold()
	terms := strings.Fields(fold.String(query))
	if len(terms) == 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var replies []protocol.SearchReply
	for _, e := range c.entries {
		var files []protocol.FileEntry
		for _, f := range e.Files {
			if containsAll(fold.String(e.Folder+"/"+f.Name), terms) {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			continue
		}
		replies = append(replies, protocol.SearchReply{
			Query:  query,
			User:   e.User,
			Folder: e.Folder,
			Files:  files,
		})
	}
	return replies
}

func containsAll(s string, terms []string) bool {
	for _, t := range terms {
		if !strings.Contains(s, t) {
			return false
		}
	}
	return true
}

// ScanDir indexes the regular files under root for user, one entry per
// directory. Folder names are slash separated and relative to root.
func ScanDir(root, user string) ([]Entry, error) {
	byFolder := make(map[string][]protocol.FileEntry)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		folder := path.Dir(rel)
		if folder == "." {
			folder = ""
		}
		size := info.Size()
		if size > math.MaxUint32 {
			size = math.MaxUint32
		}
		byFolder[folder] = append(byFolder[folder], protocol.FileEntry{
			Name: path.Base(rel),
			Size: uint32(size),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	folders := make([]string, 0, len(byFolder))
	for f := range byFolder {
		folders = append(folders, f)
	}
	sort.Strings(folders)

	entries := make([]Entry, 0, len(folders))
	for _, f := range folders {
		files := byFolder[f]
		sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
		entries = append(entries, Entry{User: user, Folder: f, Files: files})
	}
	return entries, nil
}
