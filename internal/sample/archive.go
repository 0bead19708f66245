package sample

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/yeka/zip"
)

// DefaultPassword is the customary password for archives holding live malware.
const DefaultPassword = "infected"

// Archive stores filename inside an AES-256 encrypted zip named
// filename+".zip" and removes the unprotected original.
func Archive(filename string, password string) (string, error) {
	in, err := os.Open(filename)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s", filename)
	}
	defer in.Close()

	archiveName := filename + ".zip"
	out, err := os.OpenFile(archiveName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", errors.Wrapf(err, "creating %s", archiveName)
	}

	zw := zip.NewWriter(out)
	w, err := zw.Encrypt(filepath.Base(filename), password, zip.AES256Encryption)
	if err == nil {
		_, err = io.Copy(w, in)
	}
	if err == nil {
		err = zw.Close()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(archiveName)
		return "", errors.Wrapf(err, "writing %s", archiveName)
	}

	in.Close()
	if err := os.Remove(filename); err != nil {
		return archiveName, errors.Wrapf(err, "removing %s", filename)
	}
	return archiveName, nil
}
