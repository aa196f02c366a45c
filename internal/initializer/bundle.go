package initializer

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"dbstack/internal/domain"
)

// Bundle is a zipped code directory ready for Lambda.
type Bundle struct {
	Zip []byte
	// Sha256 is base64 of the SHA-256 of Zip, the form Lambda reports.
	Sha256 string
	Files  int
}

// Package zips every regular file under dir. Entries are written in lexical
// order with a fixed timestamp so identical trees give identical bundles.
func Package(dir string) (*Bundle, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, domain.Configf("lambdaApisDirectory", "%s is not a directory", dir)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := 0
	epoch := time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate
		header.Modified = epoch

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("packaging %s: %w", dir, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("packaging %s: %w", dir, err)
	}
	if files == 0 {
		return nil, domain.Configf("lambdaApisDirectory", "%s has no files to deploy", dir)
	}

	sum := sha256.Sum256(buf.Bytes())
	return &Bundle{
		Zip:    buf.Bytes(),
		Sha256: base64.StdEncoding.EncodeToString(sum[:]),
		Files:  files,
	}, nil
}
