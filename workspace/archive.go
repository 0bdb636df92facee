package workspace

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// Archive packs the contents of ws into an uncompressed tar stream whose
// entries live under prefix (e.g. "workspace"). The prefix directory entry
// is world-writable so a non-root sandbox user can write build output.
func Archive(ws *Workspace, prefix string) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     prefix + "/",
		Mode:     DirPermission,
	}); err != nil {
		return nil, fmt.Errorf("failed to write archive root: %w", err)
	}

	err := filepath.WalkDir(ws.Dir, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(ws.Dir, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		// only plain files and directories are copied into the sandbox
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		header.Name = path.Join(prefix, filepath.ToSlash(relPath))
		if d.IsDir() {
			header.Name += "/"
		}
		header.Uid, header.Gid = 0, 0
		header.Uname, header.Gname = "", ""

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}
		data, err := os.Open(file)
		if err != nil {
			return err
		}
		defer data.Close()

		_, err = io.Copy(tw, data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive workspace: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
