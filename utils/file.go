package utils

import (
	"net/http"
	"os"
)

// DetectFileContentType sniffs the content type of the file from its first
// 512 bytes.
func DetectFileContentType(fileName string) (string, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return "", err
	}
	return http.DetectContentType(buf[:n]), nil
}
