package sample

import (
	"crypto"
	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

type HashType int64

const (
	NotAValidHashType HashType = iota
	MD5
	SHA1
	SHA256
)

var (
	sha256Pattern = regexp.MustCompile("^[A-Fa-f0-9]{64}$")
	sha1Pattern   = regexp.MustCompile("^[A-Fa-f0-9]{40}$")
	md5Pattern    = regexp.MustCompile("^[A-Fa-f0-9]{32}$")
)

func (ht HashType) String() string {
	switch ht {
	case MD5:
		return "md5"
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	}
	return ""
}

func (ht HashType) hasher() (crypto.Hash, bool) {
	switch ht {
	case MD5:
		return crypto.MD5, true
	case SHA1:
		return crypto.SHA1, true
	case SHA256:
		return crypto.SHA256, true
	}
	return 0, false
}

// TypeOf reports which digest algorithm a hex string looks like.
func TypeOf(hash string) (HashType, error) {
	switch {
	case sha256Pattern.MatchString(hash):
		return SHA256, nil
	case sha1Pattern.MatchString(hash):
		return SHA1, nil
	case md5Pattern.MatchString(hash):
		return MD5, nil
	}
	return NotAValidHashType, errors.New("not a valid hash")
}

// ValidateFile hashes filename with the algorithm matching hash and reports
// whether the digests agree, along with the calculated digest.
func ValidateFile(filename string, hash string) (bool, string, error) {
	ht, err := TypeOf(hash)
	if err != nil {
		return false, "", err
	}
	h, _ := ht.hasher()

	f, err := os.Open(filename)
	if err != nil {
		return false, "", errors.Wrapf(err, "opening %s", filename)
	}
	defer f.Close()

	hasher := h.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false, "", errors.Wrapf(err, "reading %s", filename)
	}
	sum := fmt.Sprintf("%x", hasher.Sum(nil))
	return sum == strings.ToLower(hash), sum, nil
}
