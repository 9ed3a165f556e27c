package pluginsession

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
)

// packageArtifacts writes a ZIP at zipPath containing every path listed in
// manifest, resolved relative to baseDir. Directories are walked
// recursively; the archive's internal layout mirrors the relative paths.
//
// Unlike the original implementation this never changes the process's
// working directory (spec.md §9 Design Notes): every path is joined against
// baseDir explicitly.
func packageArtifacts(baseDir, zipPath string, manifest ArtifactManifest) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	for _, paths := range manifest.All() {
		for _, rel := range paths {
			full := filepath.Join(baseDir, rel)
			if err := addToZip(zw, baseDir, full); err != nil {
				return err
			}
		}
	}
	return nil
}

// addToZip adds full (a file or directory, walked recursively) to zw with
// entry names relative to baseDir.
func addToZip(zw *zip.Writer, baseDir, full string) error {
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return filepath.Walk(full, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() {
				return nil
			}
			return writeZipEntry(zw, baseDir, p, fi)
		})
	}
	return writeZipEntry(zw, baseDir, full, info)
}

func writeZipEntry(zw *zip.Writer, baseDir, full string, info os.FileInfo) error {
	rel, err := filepath.Rel(baseDir, full)
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	src, err := os.Open(full)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}
