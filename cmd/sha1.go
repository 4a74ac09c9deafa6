package cmd

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
)

// fileSHA1 hashes a finished download for verification output.
func fileSHA1(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	digest := sha1.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
