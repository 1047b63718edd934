package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

var (
	envOnce sync.Once
	envErr  error
)

// EnsureEnv loads the nearest .env file walking up from the working
// directory. It runs once per process and never under go test.
func EnsureEnv() error {
	if runningUnderGoTest() && os.Getenv("FLEET_TEST_LOAD_DOTENV") != "1" {
		return nil
	}
	envOnce.Do(func() {
		path, err := findDotEnv()
		if err != nil || path == "" {
			envErr = err
			return
		}
		envErr = godotenv.Load(path)
	})
	return envErr
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func findDotEnv() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(wd, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", nil
		}
		wd = parent
	}
}
