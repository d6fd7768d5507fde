package build

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cruciblehq/pyslim/internal/recipe"
	"github.com/opencontainers/go-digest"
)

// Computes a content digest over the recipe and the host inputs.
//
// Each input is hashed by its path relative to root, its file type and
// permission bits, and its content. Directories are walked in lexical order.
// Timestamps and ownership are ignored, so two checkouts of the same tree
// produce the same digest.
func inputsDigest(rec *recipe.Recipe, root string, inputs []string) (digest.Digest, error) {
	d := digest.Canonical.Digester()
	h := d.Hash()

	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(h, "recipe %d\x00", len(b))
	h.Write(b)

	for _, input := range inputs {
		err := filepath.WalkDir(hostPath(root, input), func(p string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return hashEntry(h, root, p, entry)
		})
		if err != nil {
			return "", err
		}
	}

	return d.Digest(), nil
}

// Writes one file system entry to the hash.
func hashEntry(h io.Writer, root, p string, entry fs.DirEntry) error {
	info, err := entry.Info()
	if err != nil {
		return err
	}

	name, err := filepath.Rel(root, p)
	if err != nil || !filepath.IsLocal(name) {
		name = p
	}

	mode := info.Mode() & (fs.ModeType | fs.ModePerm)
	fmt.Fprintf(h, "%s\x00%o\x00", filepath.ToSlash(name), uint32(mode))

	switch {
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00", target)

	case mode.IsRegular():
		fmt.Fprintf(h, "%d\x00", info.Size())
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
	}

	return nil
}
