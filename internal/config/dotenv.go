package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LoadDotenv sets environment variables from a KEY=VALUE file. Variables
// that already hold a non-empty value are left alone.
func LoadDotenv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf(".env line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf(".env line %d: empty key", lineNo)
		}
		val, err = unquoteDotenv(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf(".env line %d: %w", lineNo, err)
		}

		if cur, ok := os.LookupEnv(key); ok && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf(".env line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func unquoteDotenv(val string) (string, error) {
	if len(val) < 2 {
		return val, nil
	}
	switch {
	case val[0] == '"' && val[len(val)-1] == '"':
		return strconv.Unquote(val)
	case val[0] == '\'' && val[len(val)-1] == '\'':
		return val[1 : len(val)-1], nil
	}
	return val, nil
}
